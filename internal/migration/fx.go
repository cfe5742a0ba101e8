package migration

import (
	"strings"

	"github.com/smallbiznis/signflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates at startup when DATABASE_RUN_MIGRATIONS is set.
var Module = fx.Module("migrations", fx.Invoke(migrateOnStart))

func migrateOnStart(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.DBRunMigrations {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
		log.Warn("embedded migrations only target postgres", zap.String("db_type", cfg.DBType))
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	if version, dirty, err := Version(sqlDB); err == nil {
		log.Info("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}
