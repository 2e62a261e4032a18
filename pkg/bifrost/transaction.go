package bifrost

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/packstream"
)

type txState int

const (
	txOpen txState = iota
	txMarkedFailed
	txCommitted
	txRolledBack
	txFailed
)

// Transaction is an explicit transaction bound to one pooled connection for
// its whole lifetime. Statements execute strictly one at a time, in call
// order, on that connection.
//
// A transaction ends exactly once: through Commit, Rollback, a failed
// statement, or Close. Whichever happens first releases the connection back
// to the pool; everything after that fails with ErrTransactionClosed.
type Transaction struct {
	driver *Driver
	conn   *bolt.Conn
	logger zerolog.Logger

	mu    sync.Mutex
	state txState

	releaseOnce sync.Once
	bookmark    string
}

// Run executes one statement inside the transaction and waits for its fully
// assembled result.
//
// When the server rejects the statement the transaction is over: the
// connection recovers for reuse, a rollback is attempted, and the server's
// error is returned with any rollback error attached behind it. The
// transaction then rejects further operations.
func (tx *Transaction) Run(ctx context.Context, statement string, params map[string]any) (*QueryResult, error) {
	tx.mu.Lock()
	if tx.state != txOpen && tx.state != txMarkedFailed {
		tx.mu.Unlock()
		return nil, ErrTransactionClosed
	}
	encoded, err := packstream.FromNativeMap(params)
	if err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	pending := tx.conn.RunAsync(statement, encoded, packstream.Map{})
	tx.mu.Unlock()

	res, err := pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Only the wait was abandoned; the statement still completes
			// on the connection and the transaction stays open.
			return nil, err
		}
		return nil, tx.abort(ctx, err)
	}
	return assembleResult(res), nil
}

// MarkFailed flags the transaction so that Close rolls back instead of
// committing. It is idempotent and does not end the transaction: statements
// may still run.
func (tx *Transaction) MarkFailed() {
	tx.mu.Lock()
	if tx.state == txOpen {
		tx.state = txMarkedFailed
	}
	tx.mu.Unlock()
}

// Commit commits the transaction and releases its connection. The bookmark
// identifying the committed state is available from Bookmark afterwards.
func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.transition(txCommitted); err != nil {
		return err
	}
	bookmark, err := tx.conn.Commit(ctx)
	tx.release()
	if err != nil {
		return err
	}

	tx.mu.Lock()
	tx.bookmark = bookmark
	tx.mu.Unlock()
	tx.driver.setLastBookmark(bookmark)
	return nil
}

// Rollback rolls the transaction back and releases its connection.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if err := tx.transition(txRolledBack); err != nil {
		return err
	}
	err := tx.conn.Rollback(ctx)
	tx.release()
	return err
}

// Close ends the transaction if it is still open: a clean transaction
// commits, one flagged with MarkFailed rolls back. Closing an already ended
// transaction does nothing.
func (tx *Transaction) Close(ctx context.Context) error {
	tx.mu.Lock()
	state := tx.state
	tx.mu.Unlock()

	switch state {
	case txOpen:
		return tx.Commit(ctx)
	case txMarkedFailed:
		return tx.Rollback(ctx)
	default:
		return nil
	}
}

// Bookmark returns the causal token from a successful Commit, or empty.
func (tx *Transaction) Bookmark() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.bookmark
}

// transition moves an open transaction into a terminal state.
func (tx *Transaction) transition(target txState) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != txOpen && tx.state != txMarkedFailed {
		return ErrTransactionClosed
	}
	tx.state = target
	return nil
}

// abort ends the transaction after a failed statement. The rollback attempt
// is secondary: its error is joined behind the statement's own error, never
// in front of it.
func (tx *Transaction) abort(ctx context.Context, primary error) error {
	tx.mu.Lock()
	alreadyClosed := tx.state != txOpen && tx.state != txMarkedFailed
	if !alreadyClosed {
		tx.state = txFailed
	}
	tx.mu.Unlock()

	if alreadyClosed {
		return primary
	}

	var secondary error
	if !tx.conn.Dead() {
		secondary = tx.conn.Rollback(ctx)
	}
	tx.release()

	tx.logger.Debug().Err(primary).Msg("transaction aborted by statement failure")
	if secondary != nil {
		return errors.Join(primary, secondary)
	}
	return primary
}

// release hands the bound connection back to the pool, once.
func (tx *Transaction) release() {
	tx.releaseOnce.Do(func() {
		tx.driver.releaseConn(tx.conn)
	})
}
