package queue

import (
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg    config.Config
	DB     *gorm.DB
	GenID  *snowflake.Node
	Redis  *redis.Client `optional:"true"`
	Logger *zap.Logger
}

// New picks the redis stream driver when configured and reachable through a client, the outbox otherwise.
func New(p Params) Queue {
	if p.Cfg.Queue.Driver == config.QueueDriverRedis && p.Redis != nil {
		return NewRedisQueue(p.Redis, p.Cfg.Queue.NotificationStream, p.Cfg.Queue.GenerationStream, p.Logger)
	}
	if p.Cfg.Queue.Driver == config.QueueDriverRedis {
		p.Logger.Warn("redis queue requested without redis client, using outbox")
	}
	return NewOutboxQueue(p.DB, p.GenID, p.Logger)
}

var Module = fx.Module("queue",
	fx.Provide(New),
	fx.Provide(
		func(q Queue) domain.NotificationQueue { return q },
		func(q Queue) domain.GenerationQueue { return q },
	),
)
