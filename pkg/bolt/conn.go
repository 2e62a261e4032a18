package bolt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/packstream"
)

const (
	defaultUserAgent = "bifrost-go/1.0"
	readBufferSize   = 8192

	// A chunk payload is at most 65535 bytes; larger messages span chunks.
	maxChunkSize = 65535
)

// Options configures a single connection.
type Options struct {
	Username       string
	Password       string
	UserAgent      string
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Conn is one Bolt connection. All wire work runs on the connection's own
// request loop, which executes submitted operations strictly in order: one
// request, one full response, no pipelining. Conn is safe for concurrent
// submission, but interleaved transactions on one connection are the
// caller's responsibility.
type Conn struct {
	id           string
	version      uint32
	server       string
	connectionID string
	logger       zerolog.Logger

	tr *transport

	mu     sync.Mutex
	closed bool
	jobs   chan func()

	loopDone chan struct{}
	dead     atomic.Bool
}

// Dial connects to a Bolt server, negotiates the protocol version and
// authenticates. The returned connection is ready for use.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ProtocolError{Op: "dial", Err: err}
	}

	// Bound the handshake and authentication exchange.
	deadline, ok := ctx.Deadline()
	if !ok && opts.ConnectTimeout > 0 {
		deadline = time.Now().Add(opts.ConnectTimeout)
	}
	if !deadline.IsZero() {
		_ = netConn.SetDeadline(deadline)
	}

	c := &Conn{
		id:       uuid.New().String(),
		tr:       &transport{conn: netConn, r: bufio.NewReaderSize(netConn, readBufferSize)},
		jobs:     make(chan func(), 8),
		loopDone: make(chan struct{}),
	}
	c.logger = opts.Logger.With().Str("conn", c.id).Logger()

	version, err := handshake(netConn)
	if err != nil {
		netConn.Close()
		return nil, &ProtocolError{Op: "handshake", Err: err}
	}
	c.version = version

	if err := c.hello(opts); err != nil {
		netConn.Close()
		return nil, err
	}

	_ = netConn.SetDeadline(time.Time{})

	c.logger.Debug().
		Str("address", address).
		Str("version", versionString(version)).
		Str("server", c.server).
		Msg("bolt connection established")

	go c.loop()
	return c, nil
}

// handshake sends the magic preamble and four version proposals, newest
// first, and reads back the version the server selected.
func handshake(conn net.Conn) (uint32, error) {
	request := []byte{
		0x60, 0x60, 0xB0, 0x17, // magic
		0x00, 0x00, 0x04, 0x04, // Bolt 4.4
		0x00, 0x00, 0x03, 0x04, // Bolt 4.3
		0x00, 0x00, 0x02, 0x04, // Bolt 4.2
		0x00, 0x00, 0x01, 0x04, // Bolt 4.1
	}
	if _, err := conn.Write(request); err != nil {
		return 0, fmt.Errorf("failed to send handshake: %w", err)
	}

	response := make([]byte, 4)
	if _, err := io.ReadFull(conn, response); err != nil {
		return 0, fmt.Errorf("failed to read selected version: %w", err)
	}

	version := uint32(response[3])<<8 | uint32(response[2])
	switch version {
	case 0:
		return 0, fmt.Errorf("server rejected all proposed versions")
	case BoltV4_4, BoltV4_3, BoltV4_2, BoltV4_1:
		return version, nil
	default:
		return 0, fmt.Errorf("server selected unsupported version %s", versionString(version))
	}
}

// hello authenticates the connection. It runs before the request loop
// starts, directly on the transport.
func (c *Conn) hello(opts Options) error {
	extra := packstream.Map{
		"user_agent": packstream.String(opts.UserAgent),
	}
	if opts.Username != "" {
		extra["scheme"] = packstream.String("basic")
		extra["principal"] = packstream.String(opts.Username)
		extra["credentials"] = packstream.String(opts.Password)
	} else {
		extra["scheme"] = packstream.String("none")
	}

	if err := c.tr.writeMessage(MsgHello, extra); err != nil {
		return &ProtocolError{Op: "hello", Err: err}
	}
	rep, err := c.tr.readReply()
	if err != nil {
		return &ProtocolError{Op: "hello", Err: err}
	}
	switch rep.tag {
	case MsgSuccess:
		c.server, _ = rep.meta.GetString("server")
		c.connectionID, _ = rep.meta.GetString("connection_id")
		return nil
	case MsgFailure:
		code, _ := rep.meta.GetString("code")
		message, _ := rep.meta.GetString("message")
		return &ServerError{Code: code, Message: message}
	default:
		return &ProtocolError{Op: "hello", Err: fmt.Errorf("unexpected message 0x%02X", rep.tag)}
	}
}

// ID returns the client-side connection id used in logs.
func (c *Conn) ID() string { return c.id }

// ServerAgent returns the server agent string announced during
// authentication.
func (c *Conn) ServerAgent() string { return c.server }

// Version returns the negotiated protocol version, encoded major<<8|minor.
func (c *Conn) Version() uint32 { return c.version }

// Dead reports whether the connection has failed and must be discarded.
func (c *Conn) Dead() bool { return c.dead.Load() }

// Pending is an in-flight statement submitted with RunAsync. Abandoning a
// Pending does not cancel the exchange: the connection's loop still drains
// the response in full, so the connection stays usable afterwards.
type Pending struct {
	done chan struct{}
	res  *StatementResult
	err  error
}

func (p *Pending) complete(res *StatementResult, err error) {
	p.res = res
	p.err = err
	close(p.done)
}

// Done returns a channel that is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the statement completes or ctx is done. When ctx expires
// first, the statement keeps running on the connection; only the wait is
// abandoned.
func (p *Pending) Wait(ctx context.Context) (*StatementResult, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunAsync submits a statement together with its parameters and begin-style
// metadata, returning immediately. Submitted work executes strictly in
// submission order.
func (c *Conn) RunAsync(statement string, params, extra packstream.Map) *Pending {
	p := &Pending{done: make(chan struct{})}
	if !c.enqueue(func() {
		p.complete(c.runStatement(statement, params, extra))
	}) {
		p.complete(nil, ErrConnClosed)
	}
	return p
}

// Run executes a statement and waits for the fully drained result. It is a
// wait on the async form, not a separate path.
func (c *Conn) Run(ctx context.Context, statement string, params, extra packstream.Map) (*StatementResult, error) {
	return c.RunAsync(statement, params, extra).Wait(ctx)
}

// Begin opens an explicit transaction. extra carries bookmarks, database
// selection and other begin metadata; nil means none.
func (c *Conn) Begin(ctx context.Context, extra packstream.Map) error {
	_, err := c.control(ctx, func() (packstream.Map, error) {
		if err := c.guard("begin"); err != nil {
			return nil, err
		}
		sendExtra := extra
		if sendExtra == nil {
			sendExtra = packstream.Map{}
		}
		if err := c.tr.writeMessage(MsgBegin, sendExtra); err != nil {
			return nil, c.fatal("begin", err)
		}
		return c.awaitSuccess("begin")
	})
	return err
}

// Commit commits the open transaction. It returns the bookmark identifying
// the committed state when the server issues one.
func (c *Conn) Commit(ctx context.Context) (string, error) {
	meta, err := c.control(ctx, func() (packstream.Map, error) {
		if err := c.guard("commit"); err != nil {
			return nil, err
		}
		if err := c.tr.writeMessage(MsgCommit); err != nil {
			return nil, c.fatal("commit", err)
		}
		return c.awaitSuccess("commit")
	})
	if err != nil {
		return "", err
	}
	bookmark, _ := meta.GetString("bookmark")
	return bookmark, nil
}

// Rollback rolls back the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	_, err := c.control(ctx, func() (packstream.Map, error) {
		if err := c.guard("rollback"); err != nil {
			return nil, err
		}
		if err := c.tr.writeMessage(MsgRollback); err != nil {
			return nil, c.fatal("rollback", err)
		}
		return c.awaitSuccess("rollback")
	})
	return err
}

// Reset discards all server-side state attached to the connection,
// including any open transaction.
func (c *Conn) Reset(ctx context.Context) error {
	_, err := c.control(ctx, func() (packstream.Map, error) {
		if err := c.guard("reset"); err != nil {
			return nil, err
		}
		if err := c.reset(); err != nil {
			return nil, err
		}
		return packstream.Map{}, nil
	})
	return err
}

// Close sends a best-effort GOODBYE, closes the socket and stops the
// request loop. Work already submitted is drained first. Close is
// idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	<-c.loopDone
	return nil
}

// loop is the connection's request loop. It owns the transport: every wire
// exchange after authentication happens here, one job at a time.
func (c *Conn) loop() {
	defer close(c.loopDone)

	for job := range c.jobs {
		job()
	}

	if !c.dead.Load() {
		_ = c.tr.writeMessage(MsgGoodbye)
	}
	_ = c.tr.conn.Close()
	c.logger.Debug().Msg("bolt connection closed")
}

// enqueue hands a job to the loop. It reports false once the connection is
// closed. A blocked send holds the lock, which is safe: the loop keeps
// consuming, and Close cannot proceed until the send completes.
func (c *Conn) enqueue(job func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.jobs <- job
	return true
}

// control runs a single-exchange operation on the loop and waits for it.
// Abandoning the wait leaves the exchange to complete on the loop.
func (c *Conn) control(ctx context.Context, fn func() (packstream.Map, error)) (packstream.Map, error) {
	type outcome struct {
		meta packstream.Map
		err  error
	}
	done := make(chan outcome, 1)
	if !c.enqueue(func() {
		meta, err := fn()
		done <- outcome{meta: meta, err: err}
	}) {
		return nil, ErrConnClosed
	}
	select {
	case out := <-done:
		return out.meta, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runStatement performs the full statement exchange on the loop goroutine:
// RUN, await the acknowledgement, then PULL everything and drain records
// until the summary arrives.
func (c *Conn) runStatement(statement string, params, extra packstream.Map) (*StatementResult, error) {
	if err := c.guard("run"); err != nil {
		return nil, err
	}
	if params == nil {
		params = packstream.Map{}
	}
	if extra == nil {
		extra = packstream.Map{}
	}

	c.logger.Trace().Str("statement", statement).Msg("running statement")
	if err := c.tr.writeMessage(MsgRun, packstream.String(statement), params, extra); err != nil {
		return nil, c.fatal("run", err)
	}
	runMeta, err := c.awaitSuccess("run")
	if err != nil {
		return nil, err
	}
	fields, ok := fieldNames(runMeta)
	if !ok {
		return nil, c.fatal("run", fmt.Errorf("malformed fields metadata"))
	}

	if err := c.tr.writeMessage(MsgPull, packstream.Map{"n": packstream.Int(-1)}); err != nil {
		return nil, c.fatal("pull", err)
	}

	var records []packstream.List
	for {
		rep, err := c.tr.readReply()
		if err != nil {
			return nil, c.fatal("pull", err)
		}
		switch rep.tag {
		case MsgRecord:
			if len(rep.record) != len(fields) {
				return nil, c.fatal("pull", fmt.Errorf("record carries %d values for %d fields", len(rep.record), len(fields)))
			}
			records = append(records, rep.record)
		case MsgSuccess:
			return &StatementResult{
				Fields:  fields,
				Records: records,
				RunMeta: runMeta,
				Summary: rep.meta,
			}, nil
		case MsgFailure:
			return nil, c.serverFailure("pull", rep.meta)
		case MsgIgnored:
			return nil, c.ignored("pull")
		}
	}
}

// awaitSuccess reads one reply and requires it to be an acknowledgement.
func (c *Conn) awaitSuccess(op string) (packstream.Map, error) {
	rep, err := c.tr.readReply()
	if err != nil {
		return nil, c.fatal(op, err)
	}
	switch rep.tag {
	case MsgSuccess:
		return rep.meta, nil
	case MsgFailure:
		return nil, c.serverFailure(op, rep.meta)
	case MsgIgnored:
		return nil, c.ignored(op)
	default:
		return nil, c.fatal(op, fmt.Errorf("unexpected message 0x%02X", rep.tag))
	}
}

// serverFailure turns FAILURE metadata into a ServerError. The server
// ignores everything except RESET after a failure, so reset here to leave
// the connection usable.
func (c *Conn) serverFailure(op string, meta packstream.Map) error {
	code, _ := meta.GetString("code")
	message, _ := meta.GetString("message")
	c.logger.Debug().Str("op", op).Str("code", code).Msg("server failure")
	_ = c.reset()
	return &ServerError{Code: code, Message: message}
}

// ignored handles an IGNORED reply: the server considers the connection
// failed, so reset it and report the skipped request.
func (c *Conn) ignored(op string) error {
	_ = c.reset()
	return &ProtocolError{Op: op, Err: errors.New("request ignored by server")}
}

// reset performs the RESET exchange on the loop goroutine, draining
// leftover replies until the acknowledgement.
func (c *Conn) reset() error {
	if err := c.tr.writeMessage(MsgReset); err != nil {
		return c.fatal("reset", err)
	}
	for {
		rep, err := c.tr.readReply()
		if err != nil {
			return c.fatal("reset", err)
		}
		switch rep.tag {
		case MsgSuccess:
			return nil
		case MsgRecord, MsgIgnored:
			// Residue of the aborted exchange; keep draining.
		case MsgFailure:
			return c.fatal("reset", fmt.Errorf("reset rejected by server"))
		}
	}
}

// guard rejects work on a connection that already failed.
func (c *Conn) guard(op string) error {
	if c.dead.Load() {
		return &ProtocolError{Op: op, Err: errors.New("connection is unusable")}
	}
	return nil
}

// fatal marks the connection dead and wraps the cause.
func (c *Conn) fatal(op string, err error) error {
	c.dead.Store(true)
	c.logger.Debug().Str("op", op).Err(err).Msg("connection failed")
	return &ProtocolError{Op: op, Err: err}
}

// transport is the framing layer: PackStream message structures carried in
// length-prefixed chunks.
type transport struct {
	conn net.Conn
	r    *bufio.Reader
	wbuf []byte
}

// writeMessage encodes one message structure and writes it as chunks:
// 2-byte big-endian size headers, payload, and a zero-size terminator.
func (t *transport) writeMessage(tag byte, fields ...packstream.Value) error {
	t.wbuf = packstream.AppendStructure(t.wbuf[:0], tag, fields...)

	data := t.wbuf
	for len(data) > 0 {
		n := len(data)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		header := []byte{byte(n >> 8), byte(n)}
		if _, err := t.conn.Write(header); err != nil {
			return err
		}
		if _, err := t.conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}

	// Message terminator
	if _, err := t.conn.Write([]byte{0x00, 0x00}); err != nil {
		return err
	}
	return nil
}

// readMessage reads chunks until the zero-size terminator and decodes the
// message structure they carry. Zero-size chunks before any payload are
// keep-alives and are skipped.
func (t *transport) readMessage() (byte, []packstream.Value, error) {
	var message []byte
	header := make([]byte, 2)

	for {
		if _, err := io.ReadFull(t.r, header); err != nil {
			return 0, nil, err
		}
		size := int(header[0])<<8 | int(header[1])
		if size == 0 {
			if len(message) == 0 {
				continue
			}
			break
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(t.r, chunk); err != nil {
			return 0, nil, err
		}
		message = append(message, chunk...)
	}

	value, err := packstream.Decode(message)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed message: %w", err)
	}
	s, ok := value.(packstream.Structure)
	if !ok {
		return 0, nil, fmt.Errorf("message is not a structure")
	}
	return s.Tag, s.Fields, nil
}

// reply is one server response message.
type reply struct {
	tag    byte
	meta   packstream.Map  // SUCCESS and FAILURE metadata
	record packstream.List // RECORD values
}

func (t *transport) readReply() (reply, error) {
	tag, fields, err := t.readMessage()
	if err != nil {
		return reply{}, err
	}

	switch tag {
	case MsgSuccess, MsgFailure:
		meta := packstream.Map{}
		if len(fields) > 0 {
			m, ok := fields[0].(packstream.Map)
			if !ok {
				return reply{}, fmt.Errorf("malformed metadata in message 0x%02X", tag)
			}
			meta = m
		}
		return reply{tag: tag, meta: meta}, nil
	case MsgRecord:
		if len(fields) != 1 {
			return reply{}, fmt.Errorf("record carries %d fields", len(fields))
		}
		list, ok := fields[0].(packstream.List)
		if !ok {
			return reply{}, fmt.Errorf("record payload is not a list")
		}
		return reply{tag: tag, record: list}, nil
	case MsgIgnored:
		return reply{tag: tag}, nil
	default:
		return reply{}, fmt.Errorf("unexpected message 0x%02X", tag)
	}
}
