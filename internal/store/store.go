// Package store is the talonwatch persistence layer.
// It opens GORM over an embedded SQLite file and exposes narrow read/write
// helpers for machines, samples, traffic cycles, notification state and settings.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/talonwatch/internal/config"
	"github.com/vesaa/talonwatch/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the GORM handle.
type Store struct {
	db *gorm.DB
}

// Open opens the database and runs AutoMigrate.
func Open(cfg *config.Config) (*Store, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", cfg.DBDriver)
	}
	s, err := OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log.Printf("[db] opened %s/%s", cfg.DBDriver, cfg.DBPath)
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database file at path.
func OpenSQLite(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: the embedded store has exactly one writer.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Machine{},
		&models.MetricSample{},
		&models.TrafficCycleState{},
		&models.TrafficCycle{},
		&models.NotificationState{},
		&models.Setting{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ── Settings ──────────────────────────────────────────────────────────────────

// Settings returns every stored setting as key → value.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	var rows []models.Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// PutSetting upserts one setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&models.Setting{Key: key, Value: value}).Error
}
