// Package gormstore implements store.Store on top of gorm. Production runs it
// against MySQL; tests use SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coin_ledger/internal/db"
	"coin_ledger/internal/store"
)

// Store is a gorm backed store.Store.
type Store struct {
	dialector gorm.Dialector
	logLevel  logger.LogLevel
	db        *gorm.DB
}

var _ store.Store = (*Store)(nil)

// New returns a store that connects through dialector on Open.
func New(dialector gorm.Dialector) *Store {
	return &Store{dialector: dialector, logLevel: logger.Warn}
}

// NewMySQL returns a store for the given MySQL DSN.
func NewMySQL(dsn string) *Store {
	return New(mysql.Open(dsn))
}

// WithLogLevel sets the gorm SQL log level.
func (s *Store) WithLogLevel(level logger.LogLevel) *Store {
	s.logLevel = level
	return s
}

// Open connects to the database.
func (s *Store) Open(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	conn, err := gorm.Open(s.dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(s.logLevel),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	s.db = conn
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

// DB exposes the underlying handle, nil before Open.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return store.ErrClosed
	}
	return db.Migrate(s.db.WithContext(ctx))
}

// RunInTx runs fn inside a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.db == nil {
		return store.ErrClosed
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

// View runs fn without a transaction; writes fail.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.db == nil {
		return store.ErrClosed
	}
	return fn(&gormTx{db: s.db.WithContext(ctx), readOnly: true})
}

var errReadOnly = errors.New("gormstore: write in read-only view")

// translate maps gorm errors onto the domain taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, errNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s already exists: %w", what, errDuplicate)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
