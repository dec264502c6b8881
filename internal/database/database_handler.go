package database

import (
	"errors"
	"fmt"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB is the connection opened by SetupDB.
var DB *gorm.DB

type Config struct {
	ExistingDB *gorm.DB
	Dialector  gorm.Dialector
}

type Option func(*Config)

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) { cfg.ExistingDB = db }
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) { cfg.Dialector = d }
}

// SetupDB opens the token database, migrates the schema and makes sure the
// singleton settings rows exist. Without options it connects to postgres
// using the DB_* environment.
func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := cfg.ExistingDB
	if db == nil {
		dialector := cfg.Dialector
		if dialector == nil {
			dialector = postgres.Open(postgresDSN())
		}

		opened, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger()})
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		tunePool(opened)
		db = opened
	}
	if db == nil {
		return nil, errors.New("database: connection was not configured")
	}

	if err := db.AutoMigrate(&domain.Token{}, &domain.TokenStats{}, &domain.AdminConfig{}, &domain.ProxyConfig{}); err != nil {
		return nil, fmt.Errorf("database: auto migrate: %w", err)
	}
	if err := seedDefaults(db); err != nil {
		return nil, fmt.Errorf("database: seed defaults: %w", err)
	}

	log.Info("Database ready")
	DB = db
	return db, nil
}

func postgresDSN() string {
	if url := support.GetEnv("DATABASE_URL", ""); url != "" {
		return url
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		support.GetEnv("DB_HOST", "localhost"),
		support.GetEnv("DB_PORT", "5432"),
		support.GetEnv("DB_USERNAME", "admin"),
		support.GetEnv("DB_PASSWORD", "admin"),
		support.GetEnv("DB_NAME", "kestrel"),
		support.GetEnv("DB_SSLMODE", "disable"),
	)
}

// gormLogger routes SQL logging through the application logger. It stays
// silent unless DB_LOG_SQL is set.
func gormLogger() logger.Interface {
	level := logger.Silent
	if support.GetEnvBool("DB_LOG_SQL", false) {
		level = logger.Info
	}
	return logger.New(log.Default(), logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

func tunePool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 8)
	maxIdle := min(support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen), maxOpen)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if secs := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300); secs > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(secs) * time.Second)
	}
	if secs := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60); secs > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(secs) * time.Second)
	}
}

// seedDefaults inserts the admin and proxy configuration rows when missing.
func seedDefaults(db *gorm.DB) error {
	admin := domain.DefaultAdminConfig()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&admin).Error; err != nil {
		return fmt.Errorf("admin config: %w", err)
	}
	proxy := domain.DefaultProxyConfig()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&proxy).Error; err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	return nil
}
