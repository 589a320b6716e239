package db

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DefaultPingTimeout = 5 * time.Second
)

// Open connects to the relational store and checks it answers.
func Open(ctx context.Context, cfg configs.DatabaseConfig, logger logging.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("database driver not supported: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	logger.Info(logging.Postgres, logging.Startup, "database connected", map[logging.ExtraKey]any{
		logging.Service: cfg.Driver,
	})
	return db, nil
}

// Migrate creates the accounts, profiles and certificates tables.
func Migrate(ctx context.Context, db *gorm.DB, logger logging.Logger) error {
	if err := db.WithContext(ctx).AutoMigrate(&domain.Account{}, &domain.Profile{}, &domain.Certificate{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if logger != nil {
		logger.Info(logging.Postgres, logging.Migration, "schema migrated", nil)
	}
	return nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
