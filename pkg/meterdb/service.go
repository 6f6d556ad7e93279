// MeterDB stores the readings published by the interpreter API.
// Due to cross-service communication on SQLite,
// anything that is not meter data should use a separate database.
// This database should only be written to by meter_collector
// but can be read by any service.
package meterdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

var ErrNotInitialized = errors.New("meter database not initialized")

var (
	db   *sql.DB
	dbMu sync.RWMutex
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open connects to the SQLite database at path and applies all migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Creates the file before migrating
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		conn,
		migrationFS,
		"migrations",
	)
	log.Debug().Str("path", path).Msg("meter database migrated")
	return conn, nil
}

// InitializeDatabase must be called manually on startup.
// It opens the shared connection returned by GetDB.
func InitializeDatabase(path string) error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db != nil {
		return nil
	}
	conn, err := Open(path)
	if err != nil {
		return err
	}
	db = conn
	return nil
}

// GetDB returns the shared connection or nil before InitializeDatabase.
func GetDB() *sql.DB {
	dbMu.RLock()
	defer dbMu.RUnlock()
	return db
}

func CloseDatabase() error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}
