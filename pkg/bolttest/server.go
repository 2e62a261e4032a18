// Package bolttest provides an in-process Bolt server with scripted
// statement results, for exercising the client over a real wire exchange.
// It speaks the same handshake, chunked framing and message flow as a real
// server and records every request it handles.
package bolttest

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/packstream"
)

// Script is the canned outcome of one statement.
type Script struct {
	Fields  []string
	Records []packstream.List
	Summary packstream.Map // merged over the default summary

	Fail     *Failure      // reject the statement when it is submitted
	FailPull *Failure      // accept the statement, stream Records, then fail
	Delay    time.Duration // hold the RUN acknowledgement back this long
}

// Failure is a scripted server-side failure.
type Failure struct {
	Code    string
	Message string
}

// Event is one request the server handled, in arrival order.
type Event struct {
	Type      string // "hello", "run", "pull", "begin", "commit", "rollback", "reset", "goodbye", "ignored"
	Statement string
	Params    packstream.Map
	Extra     packstream.Map
}

// Server is the scripted Bolt server. Statements without a registered script
// succeed with an empty result.
type Server struct {
	listener net.Listener

	username string
	password string

	mu        sync.Mutex
	scripts   map[string]Script
	events    []Event
	bookmarks int
	conns     map[net.Conn]struct{}

	closed atomic.Bool
}

// Option configures the test server.
type Option func(*Server)

// WithAuth makes the server require basic credentials at HELLO.
func WithAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// NewServer starts a server on a loopback port.
func NewServer(opts ...Option) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		listener: listener,
		scripts:  make(map[string]Script),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the server and tears down open sessions.
func (s *Server) Close() {
	s.closed.Store(true)
	_ = s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

// Handle registers the script returned for a statement.
func (s *Server) Handle(statement string, script Script) {
	s.mu.Lock()
	s.scripts[statement] = script
	s.mu.Unlock()
}

// Events returns a copy of everything handled so far.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventTypes returns just the event types, in order.
func (s *Server) EventTypes() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Statements returns the submitted statements, in order.
func (s *Server) Statements() []string {
	var out []string
	for _, ev := range s.Events() {
		if ev.Type == "run" {
			out = append(out, ev.Statement)
		}
	}
	return out
}

func (s *Server) record(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *Server) script(statement string) Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scripts[statement]
}

func (s *Server) nextBookmark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks++
	return fmt.Sprintf("bolttest:bookmark:%d", s.bookmarks)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sess := &session{srv: s, conn: conn}

	if err := sess.handshake(); err != nil {
		return
	}

	for {
		if s.closed.Load() {
			return
		}
		if err := sess.handleMessage(); err != nil {
			return
		}
	}
}

// session is one client connection's server-side state.
type session struct {
	srv  *Server
	conn net.Conn

	inTx    bool
	failed  bool
	pending *pendingResult
}

// pendingResult is a statement accepted by RUN, awaiting PULL.
type pendingResult struct {
	records  []packstream.List
	summary  packstream.Map
	failPull *Failure
}

// handshake reads the magic preamble and the four version proposals, then
// selects Bolt 4.4.
func (s *session) handshake() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, magic); err != nil {
		return err
	}
	if magic[0] != 0x60 || magic[1] != 0x60 || magic[2] != 0xB0 || magic[3] != 0x17 {
		return fmt.Errorf("invalid magic number: %x", magic)
	}

	versions := make([]byte, 16)
	if _, err := io.ReadFull(s.conn, versions); err != nil {
		return err
	}

	_, err := s.conn.Write([]byte{0x00, 0x00, 0x04, 0x04})
	return err
}

// handleMessage reads one chunked message and dispatches it.
func (s *session) handleMessage() error {
	var message []byte
	header := make([]byte, 2)

	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			return err
		}
		size := int(header[0])<<8 | int(header[1])
		if size == 0 {
			if len(message) == 0 {
				continue
			}
			break
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(s.conn, chunk); err != nil {
			return err
		}
		message = append(message, chunk...)
	}

	value, err := packstream.Decode(message)
	if err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	st, ok := value.(packstream.Structure)
	if !ok {
		return fmt.Errorf("message is not a structure")
	}

	return s.dispatch(st.Tag, st.Fields)
}

func (s *session) dispatch(tag byte, fields []packstream.Value) error {
	// After a failure everything except RESET is skipped.
	if s.failed && tag != bolt.MsgReset && tag != bolt.MsgGoodbye {
		s.srv.record(Event{Type: "ignored"})
		return s.sendIgnored()
	}

	switch tag {
	case bolt.MsgHello:
		return s.handleHello(fields)
	case bolt.MsgGoodbye:
		s.srv.record(Event{Type: "goodbye"})
		return io.EOF
	case bolt.MsgRun:
		return s.handleRun(fields)
	case bolt.MsgPull:
		return s.handlePull()
	case bolt.MsgBegin:
		return s.handleBegin(fields)
	case bolt.MsgCommit:
		s.srv.record(Event{Type: "commit"})
		s.inTx = false
		return s.sendSuccess(packstream.Map{
			"bookmark": packstream.String(s.srv.nextBookmark()),
		})
	case bolt.MsgRollback:
		s.srv.record(Event{Type: "rollback"})
		s.inTx = false
		return s.sendSuccess(packstream.Map{})
	case bolt.MsgReset:
		s.srv.record(Event{Type: "reset"})
		// RESET aborts any open transaction along with the failure state.
		s.failed = false
		s.inTx = false
		s.pending = nil
		return s.sendSuccess(packstream.Map{})
	default:
		return fmt.Errorf("unknown message type: 0x%02X", tag)
	}
}

func (s *session) handleHello(fields []packstream.Value) error {
	s.srv.record(Event{Type: "hello"})

	if s.srv.username != "" {
		var extra packstream.Map
		if len(fields) > 0 {
			extra, _ = fields[0].(packstream.Map)
		}
		principal, _ := extra.GetString("principal")
		credentials, _ := extra.GetString("credentials")
		if principal != s.srv.username || credentials != s.srv.password {
			_ = s.sendFailure("Neo.ClientError.Security.Unauthorized", "authentication failure")
			return fmt.Errorf("authentication failure")
		}
	}

	return s.sendSuccess(packstream.Map{
		"server":        packstream.String("bolttest/0.1"),
		"connection_id": packstream.String("bolttest-" + uuid.NewString()[:8]),
	})
}

func (s *session) handleRun(fields []packstream.Value) error {
	if len(fields) != 3 {
		s.failed = true
		return s.sendFailure("Neo.ClientError.Request.Invalid", "malformed RUN message")
	}
	statement, ok := fields[0].(packstream.String)
	if !ok {
		s.failed = true
		return s.sendFailure("Neo.ClientError.Request.Invalid", "statement is not a string")
	}
	params, _ := fields[1].(packstream.Map)
	extra, _ := fields[2].(packstream.Map)

	s.srv.record(Event{Type: "run", Statement: string(statement), Params: params, Extra: extra})

	script := s.srv.script(string(statement))
	if script.Delay > 0 {
		time.Sleep(script.Delay)
	}
	if script.Fail != nil {
		s.failed = true
		s.pending = nil
		return s.sendFailure(script.Fail.Code, script.Fail.Message)
	}

	s.pending = &pendingResult{
		records:  script.Records,
		summary:  script.Summary,
		failPull: script.FailPull,
	}

	fieldList := make(packstream.List, len(script.Fields))
	for i, f := range script.Fields {
		fieldList[i] = packstream.String(f)
	}
	return s.sendSuccess(packstream.Map{
		"fields":  fieldList,
		"t_first": packstream.Int(1),
	})
}

func (s *session) handlePull() error {
	s.srv.record(Event{Type: "pull"})

	if s.pending == nil {
		s.failed = true
		return s.sendFailure("Neo.ClientError.Request.Invalid", "no statement awaiting PULL")
	}
	pending := s.pending
	s.pending = nil

	for _, record := range pending.records {
		if err := s.sendRecord(record); err != nil {
			return err
		}
	}

	if pending.failPull != nil {
		s.failed = true
		return s.sendFailure(pending.failPull.Code, pending.failPull.Message)
	}

	summary := packstream.Map{
		"type":   packstream.String("r"),
		"t_last": packstream.Int(1),
	}
	if !s.inTx {
		summary["bookmark"] = packstream.String(s.srv.nextBookmark())
	}
	for k, v := range pending.summary {
		summary[k] = v
	}
	return s.sendSuccess(summary)
}

func (s *session) handleBegin(fields []packstream.Value) error {
	var extra packstream.Map
	if len(fields) > 0 {
		extra, _ = fields[0].(packstream.Map)
	}
	s.srv.record(Event{Type: "begin", Extra: extra})
	s.inTx = true
	return s.sendSuccess(packstream.Map{})
}

func (s *session) sendRecord(values packstream.List) error {
	buf := packstream.AppendStructure(nil, bolt.MsgRecord, values)
	return s.sendChunked(buf)
}

func (s *session) sendSuccess(metadata packstream.Map) error {
	buf := packstream.AppendStructure(nil, bolt.MsgSuccess, metadata)
	return s.sendChunked(buf)
}

func (s *session) sendFailure(code, message string) error {
	buf := packstream.AppendStructure(nil, bolt.MsgFailure, packstream.Map{
		"code":    packstream.String(code),
		"message": packstream.String(message),
	})
	return s.sendChunked(buf)
}

func (s *session) sendIgnored() error {
	buf := packstream.AppendStructure(nil, bolt.MsgIgnored)
	return s.sendChunked(buf)
}

// sendChunked writes a message as size-prefixed chunks with a zero-size
// terminator, splitting payloads larger than one chunk.
func (s *session) sendChunked(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > 65535 {
			n = 65535
		}
		header := []byte{byte(n >> 8), byte(n)}
		if _, err := s.conn.Write(header); err != nil {
			return err
		}
		if _, err := s.conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}

	_, err := s.conn.Write([]byte{0x00, 0x00})
	return err
}

// NodeValue builds the wire structure of a node, for use in scripted
// records.
func NodeValue(id int64, labels []string, props packstream.Map) packstream.Value {
	labelList := make(packstream.List, len(labels))
	for i, l := range labels {
		labelList[i] = packstream.String(l)
	}
	if props == nil {
		props = packstream.Map{}
	}
	return packstream.Structure{Tag: 0x4E, Fields: []packstream.Value{
		packstream.Int(id), labelList, props,
	}}
}

// RelationshipValue builds the wire structure of a relationship.
func RelationshipValue(id, start, end int64, relType string, props packstream.Map) packstream.Value {
	if props == nil {
		props = packstream.Map{}
	}
	return packstream.Structure{Tag: 0x52, Fields: []packstream.Value{
		packstream.Int(id), packstream.Int(start), packstream.Int(end),
		packstream.String(relType), props,
	}}
}

// UnboundRelationshipValue builds the endpoint-less relationship structure
// that appears inside paths.
func UnboundRelationshipValue(id int64, relType string, props packstream.Map) packstream.Value {
	if props == nil {
		props = packstream.Map{}
	}
	return packstream.Structure{Tag: 0x72, Fields: []packstream.Value{
		packstream.Int(id), packstream.String(relType), props,
	}}
}

// PathValue builds the wire structure of a path from node structures,
// unbound relationship structures and walk indices.
func PathValue(nodes, rels packstream.List, indices []int64) packstream.Value {
	indexList := make(packstream.List, len(indices))
	for i, idx := range indices {
		indexList[i] = packstream.Int(idx)
	}
	return packstream.Structure{Tag: 0x50, Fields: []packstream.Value{
		nodes, rels, indexList,
	}}
}
