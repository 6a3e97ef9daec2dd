// Package engine describes the embeddable SQL engine that a worker opens on
// its first init request.
//
// The engine is an opaque capability: a Module is loaded once and yields a
// Factory, and the Factory constructs the Handle to an open database. Neither
// step says anything about how queries run; that is up to the driver behind
// the Handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrModuleNotFound is returned by Module.Initialize when the engine cannot
// be loaded at all, for example because its driver is not linked in.
var ErrModuleNotFound = errors.New("engine module not found")

// Module loads an engine.
type Module interface {
	Initialize(ctx context.Context) (Factory, error)
}

// Factory constructs databases for a loaded engine.
type Factory interface {
	// NewDatabase opens a new database. It either returns a usable Handle
	// or an error, never both, and cleans up after itself on failure.
	NewDatabase(ctx context.Context) (*Handle, error)
}

// Handle is an open database instance.
type Handle struct {
	id     string
	driver string
	db     *sqlx.DB

	closeOnce sync.Once
	closeErr  error
}

// NewHandle wraps an open database connection pool.
func NewHandle(driverName string, db *sqlx.DB) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		driver: driverName,
		db:     db,
	}
}

// ID uniquely identifies this handle for logging.
func (h *Handle) ID() string {
	return h.id
}

// Driver is the database/sql driver name backing the handle.
func (h *Handle) Driver() string {
	return h.driver
}

// DB returns the underlying connection pool.
func (h *Handle) DB() *sqlx.DB {
	return h.db
}

// Close releases the database. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.db != nil {
			h.closeErr = h.db.Close()
		}
	})
	return h.closeErr
}

// Funcs adapts plain functions to the Module and Factory interfaces.
type Funcs struct {
	InitializeFunc  func(ctx context.Context) error
	NewDatabaseFunc func(ctx context.Context) (*Handle, error)
}

func (f Funcs) Initialize(ctx context.Context) (Factory, error) {
	if f.InitializeFunc != nil {
		if err := f.InitializeFunc(ctx); err != nil {
			return nil, err
		}
	}
	if f.NewDatabaseFunc == nil {
		return nil, fmt.Errorf("%w: no database constructor", ErrModuleNotFound)
	}
	return f, nil
}

func (f Funcs) NewDatabase(ctx context.Context) (*Handle, error) {
	return f.NewDatabaseFunc(ctx)
}
