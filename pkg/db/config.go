package db

import (
	"database/sql"
	"time"

	"github.com/smallbiznis/receiptflow/internal/config"
)

// Pool bounds the connections shared by the helpdesk API, the sweeps and the generation consumer.
type Pool struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func PoolFrom(cfg config.Config) Pool {
	return Pool{
		MaxIdle:     cfg.DBMaxIdleConn,
		MaxOpen:     cfg.DBMaxOpenConn,
		MaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		MaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}

// Apply leaves non-positive settings at the driver default.
func (p Pool) Apply(sqlDB *sql.DB) {
	if p.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	}
}
