package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pothole-service/internal/config"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ConnectionError means a backend could not be opened or migrated.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// New opens the primary postgres database when DATABASE_URL is set and falls
// back to the embedded sqlite file otherwise. The choice is made once and
// logged.
func New(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	if cfg.DB.DSN != "" {
		database, err := openPostgres(cfg.DB, log)
		if err == nil {
			log.Info().Str("backend", BackendPostgres).Msg("detection store backend selected")
			return database, nil
		}
		log.Warn().Err(err).Str("backend", BackendSQLite).Str("path", cfg.DB.SQLitePath).
			Msg("primary database unavailable, using embedded fallback")
	} else {
		log.Info().Str("backend", BackendSQLite).Str("path", cfg.DB.SQLitePath).
			Msg("DATABASE_URL not set, using embedded database")
	}

	database, err := OpenSQLite(cfg.DB.SQLitePath, log)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", BackendSQLite).Msg("detection store backend selected")
	return database, nil
}

func openPostgres(cfg config.DBConfig, log zerolog.Logger) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		return nil, &ConnectionError{Backend: BackendPostgres, Err: err}
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, &ConnectionError{Backend: BackendPostgres, Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := runMigrations(database, postgresSchema); err != nil {
		_ = sqlDB.Close()
		return nil, &ConnectionError{Backend: BackendPostgres, Err: err}
	}
	return database, nil
}

// OpenSQLite opens (creating if needed) the embedded database at path.
func OpenSQLite(path string, log zerolog.Logger) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ConnectionError{Backend: BackendSQLite, Err: fmt.Errorf("create database directory: %w", err)}
		}
	}

	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		return nil, &ConnectionError{Backend: BackendSQLite, Err: err}
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, &ConnectionError{Backend: BackendSQLite, Err: err}
	}
	// sqlite allows a single writer; one connection also keeps the
	// foreign_keys pragma in force for every statement.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(database, sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, &ConnectionError{Backend: BackendSQLite, Err: err}
	}
	return database, nil
}

// Backend reports which dialect a handle is bound to.
func Backend(database *gorm.DB) string {
	return database.Dialector.Name()
}

type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Str("component", "gorm").Msgf(format, args...)
}

func newGormLogger(log zerolog.Logger) logger.Interface {
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
