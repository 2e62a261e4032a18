package bolt

import "errors"

// ErrConnClosed is returned for operations submitted after Close.
var ErrConnClosed = errors.New("connection closed")

// ServerError is a failure reported by the server, carrying its status code
// and message verbatim. A ServerError does not poison the connection: the
// connection resets itself as part of surfacing one and stays usable.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ProtocolError is a violation of the exchange itself: a failed handshake,
// a malformed or unexpected message, or a transport error. A connection that
// produced a ProtocolError is unusable and must be discarded.
type ProtocolError struct {
	Op  string // the operation in flight: "handshake", "run", "commit", ...
	Err error
}

func (e *ProtocolError) Error() string {
	return "bolt " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
