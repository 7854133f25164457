package state

import (
	"fmt"
	"path/filepath"
)

const (
	// BackendSQLite stores state in an SQLite file.
	BackendSQLite = "sqlite"
	// BackendBadger stores state in a BadgerDB directory.
	BackendBadger = "badger"
)

// Options selects and configures a Store backend.
type Options struct {
	// Backend is BackendSQLite or BackendBadger.
	Backend string
	// Driver picks the SQLite driver: DriverSQLite or DriverSQLite3.
	Driver string
	// Path is the database file (SQLite) or directory (Badger).
	// Empty uses the default location under DataDir.
	Path string
	// InMemory opens an ephemeral Badger store.
	InMemory bool
}

// OpenStore opens and migrates the configured backend.
func OpenStore(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		path := opts.Path
		if path == "" {
			path = DefaultDBPath()
		}
		driver := opts.Driver
		if driver == "" {
			driver = DriverSQLite
		}
		db, err := OpenWithDriver(driver, path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
		return db, nil

	case BackendBadger:
		if opts.InMemory {
			return OpenKV(InMemoryKVConfig())
		}
		path := opts.Path
		if path == "" {
			path = filepath.Join(DataDir(), "badger")
		}
		return OpenKV(DefaultKVConfig(path))

	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
