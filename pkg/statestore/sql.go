package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/infrasense/labfarm/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// collection is one row of the lab_collections table.
type collection struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text;not null"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName overrides the default pluralised table name.
func (collection) TableName() string {
	return "lab_collections"
}

// Compile-time interface check.
var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewSQLStore creates a Store backed by sqlite or postgres through gorm.
func NewSQLStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &sqlStore{
		log: log.WithField("component", "statestore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == config.DriverSQLite {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// A single connection serialises writers and keeps ":memory:"
		// databases from splitting across connections.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&collection{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *sqlStore) Get(ctx context.Context, key string) (Entry, error) {
	return getRow(s.db.WithContext(ctx), key)
}

// lockRow reads a row inside a transaction. Postgres takes a row lock so
// concurrent read-modify-write transactions queue instead of racing; sqlite
// already serialises writers.
func (s *sqlStore) lockRow(tx *gorm.DB, key string) (Entry, error) {
	if s.cfg.Driver == config.DriverPostgres {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	return getRow(tx, key)
}

func getRow(db *gorm.DB, key string) (Entry, error) {
	var row collection

	err := db.Where("name = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, nil
	}

	if err != nil {
		return Entry{}, fmt.Errorf("getting collection %s: %w", key, err)
	}

	return Entry{Value: []byte(row.Value), Version: row.Version}, nil
}

func (s *sqlStore) Put(
	ctx context.Context, key string, value []byte, expected int64,
) (int64, error) {
	if expected == AnyVersion {
		return putAnyVersion(ctx, s.Get, s.compareAndSet, key, value)
	}

	return s.compareAndSet(ctx, key, value, expected)
}

func (s *sqlStore) compareAndSet(
	ctx context.Context, key string, value []byte, expected int64,
) (int64, error) {
	return casRow(s.db.WithContext(ctx), key, string(value), expected)
}

func casRow(db *gorm.DB, key, value string, expected int64) (int64, error) {
	now := time.Now().UTC()

	if expected == 0 {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&collection{Name: key, Value: value, Version: 1, UpdatedAt: now})
		if result.Error != nil {
			return 0, fmt.Errorf("creating collection %s: %w", key, result.Error)
		}

		if result.RowsAffected == 0 {
			return 0, fmt.Errorf("creating collection %s: %w", key, ErrVersionMismatch)
		}

		return 1, nil
	}

	result := db.Model(&collection{}).
		Where("name = ? AND version = ?", key, expected).
		Updates(map[string]any{
			"value":      value,
			"version":    expected + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("updating collection %s: %w", key, result.Error)
	}

	if result.RowsAffected == 0 {
		return 0, fmt.Errorf(
			"updating collection %s at version %d: %w", key, expected, ErrVersionMismatch,
		)
	}

	return expected + 1, nil
}

func (s *sqlStore) Increment(ctx context.Context, key string) (int64, error) {
	var n int64

	err := s.retryTx(ctx, func(tx *gorm.DB) error {
		cur, err := s.lockRow(tx, key)
		if err != nil {
			return err
		}

		n = 0

		if cur.Exists() {
			n, err = strconv.ParseInt(string(cur.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing counter %s: %w", key, err)
			}
		}

		n++

		_, err = casRow(tx, key, strconv.FormatInt(n, 10), cur.Version)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}

	return n, nil
}

// retryTx runs fn in a transaction, starting over when a concurrent writer
// moved a row between the read and the conditional write. Row locks do not
// cover rows that do not exist yet, so two first inserts can still collide.
func (s *sqlStore) retryTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error

	for range maxAnyVersionAttempts {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrVersionMismatch) {
			return err
		}
	}

	return err
}

func (s *sqlStore) Snapshot(
	ctx context.Context, keys ...string,
) (map[string]Entry, error) {
	var rows []collection

	q := s.db.WithContext(ctx).Order("name ASC")
	if len(keys) > 0 {
		q = q.Where("name IN ?", keys)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	out := make(map[string]Entry, len(rows))
	for _, r := range rows {
		out[r.Name] = Entry{Value: []byte(r.Value), Version: r.Version}
	}

	return out, nil
}

func (s *sqlStore) Replace(ctx context.Context, values map[string][]byte) error {
	err := s.retryTx(ctx, func(tx *gorm.DB) error {
		for key, value := range values {
			cur, err := s.lockRow(tx, key)
			if err != nil {
				return err
			}

			if _, err := casRow(tx, key, string(value), cur.Version); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing collections: %w", err)
	}

	s.log.WithField("count", len(values)).Debug("Replaced collections")

	return nil
}
