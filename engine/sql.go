package engine

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// SQLModule is an engine backed by a registered database/sql driver.
type SQLModule struct {
	DriverName     string
	DataSourceName string // Defaults to MemoryDSN

	// MaxOpenConns limits the connection pool. In-memory databases are
	// always pinned to one connection since every new connection would
	// open a different, empty database.
	MaxOpenConns int

	// Pragmas are executed once, in order, after the database is opened.
	Pragmas []string
}

// Initialize checks that the driver is linked into the binary.
func (m SQLModule) Initialize(ctx context.Context) (Factory, error) {
	if m.DriverName == "" {
		return nil, fmt.Errorf("%w: no driver name configured", ErrModuleNotFound)
	}
	if !slices.Contains(sql.Drivers(), m.DriverName) {
		return nil, fmt.Errorf("%w: sql driver %q is not registered", ErrModuleNotFound, m.DriverName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dsn := m.DataSourceName
	if dsn == "" {
		dsn = MemoryDSN
	}
	maxOpen := m.MaxOpenConns
	if IsMemoryDSN(dsn) {
		maxOpen = 1
	}
	return &sqlFactory{
		driverName: m.DriverName,
		dsn:        dsn,
		maxOpen:    maxOpen,
		pragmas:    slices.Clone(m.Pragmas),
	}, nil
}

type sqlFactory struct {
	driverName string
	dsn        string
	maxOpen    int
	pragmas    []string
}

func (f *sqlFactory) NewDatabase(ctx context.Context) (*Handle, error) {
	db, err := sqlx.Open(f.driverName, f.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if f.maxOpen > 0 {
		db.SetMaxOpenConns(f.maxOpen)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range f.pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return NewHandle(f.driverName, db), nil
}

// IsMemoryDSN reports whether dsn names an in-memory SQLite database.
func IsMemoryDSN(dsn string) bool {
	return dsn == MemoryDSN ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}
