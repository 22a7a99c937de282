package database

import (
	"fmt"
	"time"

	"cmc-scraper/internal/config"
	"cmc-scraper/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Initialize opens the configured database and tunes the connection pool.
func Initialize(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Database initialized successfully",
		zap.String("driver", cfg.DBDriver),
		zap.String("host", cfg.DBHost),
		zap.String("database", cfg.DBName))
	return db, nil
}

// Open wraps an already chosen dialector with the gorm settings used across
// the project. Tests use it with SQLite.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case config.DriverPostgres:
		db, err := Open(postgres.Open(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
		}
		return db, nil
	case config.DriverMySQL:
		db, err := Open(mysql.Open(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// EnsureDatabase creates the application database when it does not exist yet.
// It is a no-op when a full DATABASE_URL is configured.
func EnsureDatabase(cfg *config.Config, log *zap.Logger) error {
	if cfg.DatabaseURL != "" {
		log.Info("DATABASE_URL set, skipping database creation")
		return nil
	}

	db, err := open(cfg.DBDriver, cfg.ServerDSN())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer sqlDB.Close()

	switch cfg.DBDriver {
	case config.DriverMySQL:
		if err := db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4", cfg.DBName)).Error; err != nil {
			return fmt.Errorf("failed creating database %s: %w", cfg.DBName, err)
		}
	case config.DriverPostgres:
		var count int64
		if err := db.Raw("SELECT COUNT(*) FROM pg_database WHERE datname = ?", cfg.DBName).Scan(&count).Error; err != nil {
			return fmt.Errorf("failed checking database %s: %w", cfg.DBName, err)
		}
		if count > 0 {
			log.Info("Database already exists", zap.String("database", cfg.DBName))
			return nil
		}
		if err := db.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, cfg.DBName)).Error; err != nil {
			return fmt.Errorf("failed creating database %s: %w", cfg.DBName, err)
		}
	}

	log.Info("Database ready", zap.String("database", cfg.DBName))
	return nil
}

// Migrate creates or completes every table of the data model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to initialise tables: %w", err)
	}
	return nil
}
