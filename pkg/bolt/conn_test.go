package bolt_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/bolttest"
	"github.com/orneryd/bifrost/pkg/packstream"
)

func newTestServer(t *testing.T, opts ...bolttest.Option) *bolttest.Server {
	t.Helper()
	srv, err := bolttest.NewServer(opts...)
	if err != nil {
		t.Fatalf("bolttest.NewServer() error = %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *bolttest.Server) *bolt.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := bolt.Dial(ctx, srv.Addr(), bolt.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDial(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)

	if conn.Version() != bolt.BoltV4_4 {
		t.Errorf("Version() = 0x%04X, want 0x%04X", conn.Version(), bolt.BoltV4_4)
	}
	if conn.ServerAgent() != "bolttest/0.1" {
		t.Errorf("ServerAgent() = %q", conn.ServerAgent())
	}
	if conn.ID() == "" {
		t.Error("ID() is empty")
	}
	if conn.Dead() {
		t.Error("fresh connection reports Dead()")
	}

	types := srv.EventTypes()
	if len(types) == 0 || types[0] != "hello" {
		t.Errorf("server events = %v, want hello first", types)
	}
}

func TestDialAuth(t *testing.T) {
	srv := newTestServer(t, bolttest.WithAuth("nora", "sekrit"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := bolt.Dial(ctx, srv.Addr(), bolt.Options{
		Username: "nora",
		Password: "wrong",
		Logger:   zerolog.Nop(),
	})
	var serverErr *bolt.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Dial() error = %v, want ServerError", err)
	}
	if !strings.Contains(serverErr.Code, "Unauthorized") {
		t.Errorf("Code = %q, want an Unauthorized code", serverErr.Code)
	}

	conn, err := bolt.Dial(ctx, srv.Addr(), bolt.Options{
		Username: "nora",
		Password: "sekrit",
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Dial() with valid credentials error = %v", err)
	}
	_ = conn.Close()
}

func TestRun(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("MATCH (p:Person) RETURN p.name, p.age", bolttest.Script{
		Fields: []string{"p.name", "p.age"},
		Records: []packstream.List{
			{packstream.String("Alice"), packstream.Int(30)},
			{packstream.String("Bob"), packstream.Int(25)},
		},
		Summary: packstream.Map{"type": packstream.String("r")},
	})
	conn := dialTest(t, srv)

	res, err := conn.Run(context.Background(), "MATCH (p:Person) RETURN p.name, p.age", nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(res.Fields) != 2 || res.Fields[0] != "p.name" {
		t.Errorf("Fields = %v", res.Fields)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
	if name := res.Records[0][0]; name != packstream.String("Alice") {
		t.Errorf("Records[0][0] = %v, want Alice", name)
	}
	if typ, _ := res.Summary.GetString("type"); typ != "r" {
		t.Errorf("summary type = %q, want r", typ)
	}
	if _, ok := res.Summary.GetString("bookmark"); !ok {
		t.Error("autocommit summary is missing a bookmark")
	}
	if _, ok := res.RunMeta.GetInt("t_first"); !ok {
		t.Error("run metadata is missing t_first")
	}
}

func TestRunServerFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("INVALID SYNTAX", bolttest.Script{
		Fail: &bolttest.Failure{
			Code:    "Neo.ClientError.Statement.SyntaxError",
			Message: "Invalid input",
		},
	})
	conn := dialTest(t, srv)

	_, err := conn.Run(context.Background(), "INVALID SYNTAX", nil, nil)
	var serverErr *bolt.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Run() error = %v, want ServerError", err)
	}
	if serverErr.Code != "Neo.ClientError.Statement.SyntaxError" {
		t.Errorf("Code = %q", serverErr.Code)
	}
	if conn.Dead() {
		t.Error("server failure marked the connection dead")
	}

	// The connection stays usable: the failure triggered a client-side
	// RESET before the error surfaced.
	if _, err := conn.Run(context.Background(), "RETURN 1", nil, nil); err != nil {
		t.Fatalf("Run() after failure error = %v", err)
	}

	var sawReset bool
	for _, typ := range srv.EventTypes() {
		if typ == "reset" {
			sawReset = true
		}
	}
	if !sawReset {
		t.Error("server never received the recovery RESET")
	}
}

func TestRunFailureDuringStream(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("UNWIND range(1, 10) AS n RETURN n", bolttest.Script{
		Fields: []string{"n"},
		Records: []packstream.List{
			{packstream.Int(1)},
			{packstream.Int(2)},
		},
		FailPull: &bolttest.Failure{
			Code:    "Neo.DatabaseError.General.UnknownError",
			Message: "stream broke",
		},
	})
	conn := dialTest(t, srv)

	res, err := conn.Run(context.Background(), "UNWIND range(1, 10) AS n RETURN n", nil, nil)
	var serverErr *bolt.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Run() error = %v, want ServerError", err)
	}
	if res != nil {
		t.Errorf("failed statement still produced a result: %+v", res)
	}

	if _, err := conn.Run(context.Background(), "RETURN 1", nil, nil); err != nil {
		t.Fatalf("Run() after stream failure error = %v", err)
	}
}

func TestRunAsyncOrdering(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)

	statements := []string{"RETURN 1", "RETURN 2", "RETURN 3"}
	pending := make([]*bolt.Pending, len(statements))
	for i, stmt := range statements {
		pending[i] = conn.RunAsync(stmt, nil, nil)
	}
	for i, p := range pending {
		if _, err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
	}

	got := srv.Statements()
	if len(got) != len(statements) {
		t.Fatalf("server saw %d statements, want %d", len(got), len(statements))
	}
	for i := range statements {
		if got[i] != statements[i] {
			t.Errorf("statement %d = %q, want %q", i, got[i], statements[i])
		}
	}
}

func TestPendingAbandonedWait(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("CALL slow()", bolttest.Script{
		Fields:  []string{"x"},
		Records: []packstream.List{{packstream.Int(42)}},
		Delay:   150 * time.Millisecond,
	})
	conn := dialTest(t, srv)

	p := conn.RunAsync("CALL slow()", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}

	// The exchange kept running on the connection loop; waiting again
	// yields the completed result.
	res, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if len(res.Records) != 1 || res.Records[0][0] != packstream.Int(42) {
		t.Errorf("Records = %v", res.Records)
	}

	if _, err := conn.Run(context.Background(), "RETURN 1", nil, nil); err != nil {
		t.Fatalf("Run() after abandoned wait error = %v", err)
	}
}

func TestBeginCommit(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)
	ctx := context.Background()

	if err := conn.Begin(ctx, packstream.Map{"bookmarks": packstream.List{packstream.String("bk-0")}}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	res, err := conn.Run(ctx, "CREATE (n:Thing)", nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := res.Summary.GetString("bookmark"); ok {
		t.Error("statement inside a transaction carried a bookmark")
	}

	bookmark, err := conn.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if bookmark == "" {
		t.Error("Commit() returned no bookmark")
	}

	var beginExtra packstream.Map
	for _, ev := range srv.Events() {
		if ev.Type == "begin" {
			beginExtra = ev.Extra
		}
	}
	bookmarks, ok := beginExtra.GetList("bookmarks")
	if !ok || len(bookmarks) != 1 {
		t.Errorf("begin extra = %v, want bookmarks list", beginExtra)
	}
}

func TestRollback(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)
	ctx := context.Background()

	if err := conn.Begin(ctx, nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := conn.Run(ctx, "CREATE (n:Thing)", nil, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := conn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	var sawRollback bool
	for _, typ := range srv.EventTypes() {
		if typ == "rollback" {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Error("server never received ROLLBACK")
	}
}

func TestReset(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)
	ctx := context.Background()

	if err := conn.Begin(ctx, nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := conn.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	// RESET discarded the transaction, so the next statement autocommits
	// and gets a bookmark again.
	res, err := conn.Run(ctx, "RETURN 1", nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := res.Summary.GetString("bookmark"); !ok {
		t.Error("statement after RESET did not autocommit")
	}
}

func TestRecordArityMismatch(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("RETURN broken", bolttest.Script{
		Fields: []string{"a", "b"},
		Records: []packstream.List{
			{packstream.Int(1)},
		},
	})
	conn := dialTest(t, srv)

	_, err := conn.Run(context.Background(), "RETURN broken", nil, nil)
	var protoErr *bolt.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Run() error = %v, want ProtocolError", err)
	}
	if !conn.Dead() {
		t.Error("record arity mismatch should mark the connection dead")
	}

	if _, err := conn.Run(context.Background(), "RETURN 1", nil, nil); err == nil {
		t.Error("dead connection accepted another statement")
	}
}

func TestServerGone(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)

	srv.Close()

	_, err := conn.Run(context.Background(), "RETURN 1", nil, nil)
	var protoErr *bolt.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Run() error = %v, want ProtocolError", err)
	}
	if !conn.Dead() {
		t.Error("connection should be dead after the server vanished")
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := newTestServer(t)
	conn := dialTest(t, srv)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	_, err := conn.Run(context.Background(), "RETURN 1", nil, nil)
	if !errors.Is(err, bolt.ErrConnClosed) {
		t.Errorf("Run() after Close error = %v, want ErrConnClosed", err)
	}
}
