// Package pool maintains a bounded set of reusable connections. Callers
// acquire a connection, use it exclusively, and release it back; the pool
// never hands one connection to two callers at once.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted is returned when an acquisition times out waiting
	// for a free connection.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned for acquisitions against a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
)

const (
	DefaultMaxSize        = 10
	DefaultAcquireTimeout = 60 * time.Second
)

// Conn is the pooled resource. The pool only needs to close connections and
// tell healthy ones from failed ones.
type Conn interface {
	Close() error
	Dead() bool
}

// DialFunc constructs one new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config sizes the pool and supplies the dialer.
type Config struct {
	MaxSize        int
	AcquireTimeout time.Duration
	Dial           DialFunc
	Logger         zerolog.Logger
}

// Pool is a bounded connection pool with an explicit lifecycle. The idle set
// is a stack, so recently used connections are handed out first. Callers
// waiting at capacity are served in arrival order; each waiter either
// receives a released connection directly or is granted the freed slot to
// dial a fresh one.
type Pool struct {
	dial           DialFunc
	maxSize        int
	acquireTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	idle    []Conn
	waiters []chan Conn // buffered 1; nil grant = freed slot, dial yourself
	open    int         // connections plus reserved slots
	closed  bool
	drained chan struct{} // closed once the pool is closed and open hits 0
}

// New creates a pool. No connections are dialed up front.
func New(cfg Config) (*Pool, error) {
	if cfg.Dial == nil {
		return nil, errors.New("pool: Dial is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Pool{
		dial:           cfg.Dial,
		maxSize:        cfg.MaxSize,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         cfg.Logger,
		drained:        make(chan struct{}),
	}, nil
}

// Acquire returns an idle connection, dials a new one below the size limit,
// or waits for one to free up. Waiting ends with ErrPoolExhausted after the
// configured acquire timeout, or with ctx.Err() if the context finishes
// first.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Dead idle connections are dropped here, lazily, freeing their slots.
	var discard []Conn
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if conn.Dead() {
			discard = append(discard, conn)
			p.decOpenLocked()
			continue
		}
		p.mu.Unlock()
		closeAll(discard)
		return conn, nil
	}

	if p.open < p.maxSize {
		p.open++
		p.mu.Unlock()
		closeAll(discard)
		return p.dialSlot(ctx)
	}

	ch := make(chan Conn, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	closeAll(discard)

	timeout := time.NewTimer(p.acquireTimeout)
	defer timeout.Stop()

	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		if conn != nil {
			return conn, nil
		}
		return p.dialSlot(ctx)
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, ctx.Err()
	case <-timeout.C:
		p.abandonWaiter(ch)
		return nil, ErrPoolExhausted
	}
}

// Release returns a connection to the pool. Dead connections are closed and
// their slot is handed to the next waiter; releases after Close close the
// connection instead of recycling it.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.decOpenLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	if conn.Dead() {
		p.logger.Debug().Msg("discarding failed connection")
		if w := p.popWaiterLocked(); w != nil {
			w <- nil
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.decOpenLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		w <- conn
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close stops the pool: pending acquisitions fail, idle connections close
// now, and Close blocks until every outstanding connection has been
// released (and thereby closed).
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.drained
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.open -= len(idle)
	if p.open == 0 {
		close(p.drained)
	}
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	<-p.drained
	p.logger.Debug().Msg("connection pool closed")
	return errors.Join(errs...)
}

// dialSlot dials into a slot already reserved for this caller, returning the
// slot on failure.
func (p *Pool) dialSlot(ctx context.Context) (Conn, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return conn, nil
}

// returnSlot gives an unused reserved slot back, preferring the next waiter
// over shrinking the open count.
func (p *Pool) returnSlot() {
	p.mu.Lock()
	if w := p.popWaiterLocked(); w != nil {
		w <- nil
		p.mu.Unlock()
		return
	}
	p.decOpenLocked()
	p.mu.Unlock()
}

// abandonWaiter withdraws a timed-out or canceled waiter. If the waiter was
// already served, the grant is passed back to the pool rather than lost.
func (p *Pool) abandonWaiter(ch chan Conn) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not on the list: a grant was sent under the lock, or Close closed the
	// channel. Either way the receive is immediate.
	if conn, ok := <-ch; ok {
		if conn != nil {
			p.Release(conn)
		} else {
			p.returnSlot()
		}
	}
}

// popWaiterLocked removes and returns the longest-waiting acquirer.
func (p *Pool) popWaiterLocked() chan Conn {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// decOpenLocked drops the open count and signals Close once the last
// outstanding connection is gone.
func (p *Pool) decOpenLocked() {
	p.open--
	if p.closed && p.open == 0 {
		close(p.drained)
	}
}

func closeAll(conns []Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}
