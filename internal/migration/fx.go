package migration

import (
	"github.com/smallbiznis/receiptflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.RunMigrations {
			return nil
		}
		if conn.Dialector.Name() != "postgres" {
			log.Warn("migration.skipped", zap.String("dialect", conn.Dialector.Name()))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("migration.applied")
		return nil
	}),
)
