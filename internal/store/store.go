package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"broker-auth-service/internal/types"
)

// Store persists broker configs and encrypted token records. Columns
// only ever hold ciphertext; the vault layer above decides what goes
// in and out.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg *Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle (used by tests with
// in-memory sqlite).
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&types.BrokerConfig{}, &types.TokenRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveConfig upserts a broker config by primary key.
func (s *Store) SaveConfig(ctx context.Context, cfg *types.BrokerConfig) error {
	if err := s.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("save broker config: %w", err)
	}
	return nil
}

// GetConfig loads a config by ID. Absence maps to ErrConfigNotFound.
func (s *Store) GetConfig(ctx context.Context, id string) (*types.BrokerConfig, error) {
	var cfg types.BrokerConfig
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get config %s: %w", id, types.ErrConfigNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", id, err)
	}
	return &cfg, nil
}

// FindConfig loads the single config for (userID, brokerName).
func (s *Store) FindConfig(ctx context.Context, userID, brokerName string) (*types.BrokerConfig, error) {
	var cfg types.BrokerConfig
	err := s.db.WithContext(ctx).
		First(&cfg, "user_id = ? AND broker_name = ?", userID, brokerName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find config: %w", types.ErrConfigNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find config: %w", err)
	}
	return &cfg, nil
}

// SaveToken upserts the token record for its config.
func (s *Store) SaveToken(ctx context.Context, rec *types.TokenRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save token record: %w", err)
	}
	return nil
}

// LoadToken returns the token record for a config, or nil when none
// exists. Decryption happens in the manager, never here.
func (s *Store) LoadToken(ctx context.Context, configID string) (*types.TokenRecord, error) {
	var rec types.TokenRecord
	err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	return &rec, nil
}

// DeleteToken removes the token record for a config. Deleting a
// missing record is not an error.
func (s *Store) DeleteToken(ctx context.Context, configID string) error {
	err := s.db.WithContext(ctx).
		Delete(&types.TokenRecord{}, "config_id = ?", configID).Error
	if err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}
