package sqlite

import (
	"context"
	"path"
	"testing"

	"github.com/tomyedwab/sqlworker/engine"
)

func openHandle(t *testing.T, cfg Config) *engine.Handle {
	t.Helper()
	module, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	factory, err := module.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	handle, err := factory.NewDatabase(context.Background())
	if err != nil {
		t.Fatalf("NewDatabase returned error: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

func TestNewDefaults(t *testing.T) {
	handle := openHandle(t, Config{})
	if handle.Driver() != DriverModernc {
		t.Errorf("Expected default driver %s, got %s", DriverModernc, handle.Driver())
	}

	var v int
	if err := handle.DB().Get(&v, "SELECT 1"); err != nil {
		t.Fatalf("SELECT 1 failed: %v", err)
	}
	if v != 1 {
		t.Errorf("Expected 1, got %d", v)
	}
}

func TestNewFileDatabase(t *testing.T) {
	drivers := []string{DriverModernc, DriverCGO}
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			dbPath := path.Join(t.TempDir(), "worker.db")
			handle := openHandle(t, Config{Driver: driver, DSN: dbPath})

			var mode string
			if err := handle.DB().Get(&mode, "PRAGMA journal_mode"); err != nil {
				t.Fatalf("Failed to read journal mode: %v", err)
			}
			if mode != "wal" {
				t.Errorf("Expected wal journal mode, got %s", mode)
			}

			var fk int
			if err := handle.DB().Get(&fk, "PRAGMA foreign_keys"); err != nil {
				t.Fatalf("Failed to read foreign_keys: %v", err)
			}
			if fk != 1 {
				t.Errorf("Expected foreign_keys=1, got %d", fk)
			}
		})
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(Config{Driver: "postgres"}); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
