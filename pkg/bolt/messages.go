// Package bolt implements the client side of the Bolt protocol: handshake,
// chunked framing and the strict request/response exchange carried out over
// one connection. Higher layers provide pooling and result assembly; this
// package only moves messages.
package bolt

import (
	"fmt"

	"github.com/orneryd/bifrost/pkg/packstream"
)

// Protocol versions proposed during the handshake, encoded major<<8|minor.
const (
	BoltV4_4 = 0x0404 // Bolt 4.4
	BoltV4_3 = 0x0403 // Bolt 4.3
	BoltV4_2 = 0x0402 // Bolt 4.2
	BoltV4_1 = 0x0401 // Bolt 4.1
)

// Message types
const (
	MsgHello    byte = 0x01
	MsgGoodbye  byte = 0x02
	MsgReset    byte = 0x0F
	MsgRun      byte = 0x10
	MsgDiscard  byte = 0x2F
	MsgPull     byte = 0x3F
	MsgBegin    byte = 0x11
	MsgCommit   byte = 0x12
	MsgRollback byte = 0x13
	MsgRoute    byte = 0x66

	// Response messages
	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// StatementResult is the fully drained outcome of one statement: the field
// names announced when the statement was accepted, every record in arrival
// order, and the metadata of both server acknowledgements. A result is never
// partially populated; any failure mid-exchange surfaces as an error
// instead.
type StatementResult struct {
	Fields  []string
	Records []packstream.List
	RunMeta packstream.Map // metadata from the statement acknowledgement (t_first)
	Summary packstream.Map // metadata from the final acknowledgement (stats, type, bookmark)
}

// fieldNames extracts the announced field names from a statement
// acknowledgement. Absence of the key means a zero-column statement.
func fieldNames(meta packstream.Map) ([]string, bool) {
	raw, present := meta["fields"]
	if !present {
		return nil, true
	}
	list, ok := raw.(packstream.List)
	if !ok {
		return nil, false
	}
	out := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(packstream.String)
		if !ok {
			return nil, false
		}
		out[i] = string(s)
	}
	return out, true
}

func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d", v>>8, v&0xFF)
}
