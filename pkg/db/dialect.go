package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/receiptflow/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// Dialect opens the driver named by DATABASE_TYPE. Receipt stores rely on conditional
// updates only, so any of the three serves them.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch normalizeType(cfg.DBType) {
	case DialectMySQL:
		return mysql.Open(dsn), nil
	case DialectSQLite:
		return sqlite.Open(dsn), nil
	default:
		return postgres.Open(dsn), nil
	}
}

func DSN(cfg config.Config) (string, error) {
	switch normalizeType(cfg.DBType) {
	case DialectPostgres:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
		), nil
	case DialectMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName,
		), nil
	case DialectSQLite:
		name := cfg.DBName
		if name == "" {
			name = "receiptflow.db"
		}
		// concurrent sweeps and handlers share one file
		return name + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func normalizeType(raw string) string {
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case "postgresql", "pg":
		return DialectPostgres
	default:
		return t
	}
}
