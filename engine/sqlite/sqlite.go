// Package sqlite provides the SQLite engine modules a native worker can load.
//
// Two drivers are linked in: the pure-Go modernc.org/sqlite ("sqlite", the
// default) and the cgo github.com/mattn/go-sqlite3 ("sqlite3").
package sqlite

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver (cgo)
	_ "modernc.org/sqlite"          // SQLite driver (pure Go)

	"github.com/tomyedwab/sqlworker/engine"
)

const (
	// DriverModernc is the pure-Go driver name.
	DriverModernc = "sqlite"
	// DriverCGO is the mattn/go-sqlite3 driver name.
	DriverCGO = "sqlite3"
)

// Config selects and tunes a SQLite engine.
type Config struct {
	Driver string // Optional, defaults to DriverModernc
	DSN    string // Optional, defaults to an in-memory database
}

// New returns the engine module for cfg. File databases get WAL journaling,
// foreign keys and a single writer connection.
func New(cfg Config) (engine.Module, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = engine.MemoryDSN
	}

	module := engine.SQLModule{
		DriverName:     driver,
		DataSourceName: dsn,
		Pragmas:        []string{"PRAGMA foreign_keys=ON"},
	}
	if !engine.IsMemoryDSN(dsn) {
		module.MaxOpenConns = 1
		module.Pragmas = append([]string{"PRAGMA journal_mode=WAL"}, module.Pragmas...)
	}
	return module, nil
}
