package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/signflow/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DSN returns the driver name and connection string for cfg. Timestamps are
// always UTC so token expiry comparisons do not depend on the server zone.
func DSN(cfg config.Config) (string, string, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBType))
	switch driver {
	case "postgres":
		return driver, fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode), nil
	case "mysql":
		return driver, fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName), nil
	case "sqlite":
		name := strings.TrimSpace(cfg.DBName)
		if name == "" {
			name = "signflow.db"
		}
		return driver, name, nil
	default:
		return "", "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	driver, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}
