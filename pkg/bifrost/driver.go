// Package bifrost is a graph database client: it runs parametrized Cypher
// statements over pooled Bolt connections and assembles the streamed
// responses into typed query results with deduplicated graph entities.
//
// The entry point is Open, which returns a Driver backed by a connection
// pool. Statements run either directly on the driver (one autocommit
// transaction each) or inside an explicit Transaction.
package bifrost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/packstream"
	"github.com/orneryd/bifrost/pkg/pool"
)

// Config carries everything needed to reach one server.
type Config struct {
	// Address is the host:port of the Bolt listener.
	Address string

	Username string
	Password string

	// Database selects a named database; empty means the server default.
	Database string

	UserAgent      string
	MaxPoolSize    int
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a config for a local unauthenticated server.
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:7687",
		MaxPoolSize:    pool.DefaultMaxSize,
		AcquireTimeout: pool.DefaultAcquireTimeout,
		ConnectTimeout: 10 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Driver is the pool-backed client handle. It is safe for concurrent use;
// every statement borrows a connection for exactly one exchange. The driver
// remembers the bookmark of the latest committed work and forwards it, so
// sequential operations through one driver read their own writes.
type Driver struct {
	cfg    Config
	pool   *pool.Pool
	logger zerolog.Logger

	mu           sync.Mutex
	lastBookmark string
}

// Open validates the config and prepares the pool. Connections are dialed
// on first use, not here; use VerifyConnectivity to fail fast.
func Open(cfg Config) (*Driver, error) {
	d := &Driver{cfg: cfg, logger: cfg.Logger}

	p, err := pool.New(pool.Config{
		MaxSize:        cfg.MaxPoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		Logger:         cfg.Logger,
		Dial: func(ctx context.Context) (pool.Conn, error) {
			return bolt.Dial(ctx, cfg.Address, bolt.Options{
				Username:       cfg.Username,
				Password:       cfg.Password,
				UserAgent:      cfg.UserAgent,
				ConnectTimeout: cfg.ConnectTimeout,
				Logger:         cfg.Logger,
			})
		},
	})
	if err != nil {
		return nil, err
	}
	d.pool = p
	return d, nil
}

// Future is a statement completing in the background. Abandoning a Future
// does not cancel the statement.
type Future struct {
	done chan struct{}
	res  *QueryResult
	err  error
}

func (f *Future) complete(res *QueryResult, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// Done returns a channel closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the statement completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*QueryResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes one statement in its own autocommit transaction and waits
// for the assembled result. params values are native Go values.
func (d *Driver) Run(ctx context.Context, statement string, params map[string]any) (*QueryResult, error) {
	return d.RunAsync(ctx, statement, params).Wait(ctx)
}

// RunAsync starts a statement in its own autocommit transaction: acquire a
// connection, run, release. The returned Future resolves once the result is
// fully drained.
func (d *Driver) RunAsync(ctx context.Context, statement string, params map[string]any) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		encoded, err := packstream.FromNativeMap(params)
		if err != nil {
			f.complete(nil, err)
			return
		}
		f.complete(d.runPooled(ctx, statement, encoded))
	}()
	return f
}

// runPooled runs one already-encoded statement on a pooled connection.
func (d *Driver) runPooled(ctx context.Context, statement string, params packstream.Map) (*QueryResult, error) {
	conn, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer d.releaseConn(conn)

	res, err := conn.Run(ctx, statement, params, d.statementExtra())
	if err != nil {
		return nil, err
	}

	qr := assembleResult(res)
	if qr.Bookmark != "" {
		d.setLastBookmark(qr.Bookmark)
	}
	return qr, nil
}

// Begin opens an explicit transaction on a connection reserved for it.
// Bookmarks given here are forwarded uninterpreted; without any, the
// driver's own latest bookmark is used.
func (d *Driver) Begin(ctx context.Context, bookmarks ...string) (*Transaction, error) {
	conn, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := conn.Begin(ctx, d.beginExtra(bookmarks)); err != nil {
		d.releaseConn(conn)
		return nil, err
	}

	return &Transaction{
		driver: d,
		conn:   conn,
		logger: d.logger.With().Str("conn", conn.ID()).Logger(),
	}, nil
}

// ExecuteInTransaction runs fn inside a transaction whose fate follows the
// scope: fn returning nil commits (unless the transaction was marked
// failed), fn returning an error rolls back, and a panic rolls back before
// propagating.
func (d *Driver) ExecuteInTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, ErrTransactionClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Close(ctx)
}

// VerifyConnectivity dials (or reuses) one connection to prove the server
// is reachable and the credentials hold.
func (d *Driver) VerifyConnectivity(ctx context.Context) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	d.releaseConn(conn)
	return nil
}

// LastBookmark returns the causal token of the latest committed work seen
// by this driver, or empty.
func (d *Driver) LastBookmark() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastBookmark
}

// Close shuts the pool down, waiting for borrowed connections to come back.
func (d *Driver) Close() error {
	return d.pool.Close()
}

func (d *Driver) acquire(ctx context.Context) (*bolt.Conn, error) {
	c, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.(*bolt.Conn), nil
}

func (d *Driver) releaseConn(conn *bolt.Conn) {
	d.pool.Release(conn)
}

func (d *Driver) setLastBookmark(bookmark string) {
	d.mu.Lock()
	d.lastBookmark = bookmark
	d.mu.Unlock()
}

// statementExtra is the begin-style metadata attached to autocommit runs.
func (d *Driver) statementExtra() packstream.Map {
	extra := packstream.Map{}
	if d.cfg.Database != "" {
		extra["db"] = packstream.String(d.cfg.Database)
	}
	if bm := d.LastBookmark(); bm != "" {
		extra["bookmarks"] = packstream.List{packstream.String(bm)}
	}
	return extra
}

func (d *Driver) beginExtra(bookmarks []string) packstream.Map {
	extra := packstream.Map{}
	if d.cfg.Database != "" {
		extra["db"] = packstream.String(d.cfg.Database)
	}
	if len(bookmarks) == 0 {
		if bm := d.LastBookmark(); bm != "" {
			bookmarks = []string{bm}
		}
	}
	if len(bookmarks) > 0 {
		list := make(packstream.List, len(bookmarks))
		for i, bm := range bookmarks {
			list[i] = packstream.String(bm)
		}
		extra["bookmarks"] = list
	}
	return extra
}
