package bifrost

import (
	"errors"

	"github.com/orneryd/bifrost/pkg/pool"
)

var (
	// ErrTransactionClosed is returned for operations on a transaction
	// that already committed, rolled back or failed.
	ErrTransactionClosed = errors.New("transaction is closed")

	// ErrNotPersisted is returned when an operation needs a server
	// identity the entity does not have yet.
	ErrNotPersisted = errors.New("entity has not been persisted")

	// ErrPoolExhausted and ErrPoolClosed surface the pool's acquisition
	// failures through the driver API.
	ErrPoolExhausted = pool.ErrPoolExhausted
	ErrPoolClosed    = pool.ErrPoolClosed
)
