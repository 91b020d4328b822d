package gormstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"

	defaultSQLiteFile = "moneys.db"
	sqliteBusyTimeout = "_pragma=busy_timeout(5000)"
)

// Database bundles an open gorm handle with its driver.
type Database struct {
	DB     *gorm.DB
	Driver Driver
}

// Close releases the underlying connection pool.
func (database *Database) Close() error {
	sqlDB, err := database.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open connects to a postgres:// or sqlite:// DSN. Anything else is treated
// as a sqlite file path. SQLite handles are limited to one connection so
// wallet transactions serialize.
func Open(ctx context.Context, dsn string) (*Database, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), config)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Database{DB: db.WithContext(ctx), Driver: driver}, nil
}

// ResolveDriver maps a DSN to its driver and, for sqlite, the file path.
func ResolveDriver(dsn string) (Driver, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqliteBusyTimeout
	}
	return path + "?" + sqliteBusyTimeout
}
