package main

import (
	"context"
	"errors"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/receiptflow/internal/bizevent"
	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/locker"
	"github.com/smallbiznis/receiptflow/internal/migration"
	"github.com/smallbiznis/receiptflow/internal/observability"
	obscontext "github.com/smallbiznis/receiptflow/internal/observability/context"
	"github.com/smallbiznis/receiptflow/internal/providers"
	"github.com/smallbiznis/receiptflow/internal/providers/queue"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/repository"
	"github.com/smallbiznis/receiptflow/internal/receipt/service"
	"github.com/smallbiznis/receiptflow/internal/scheduler"
	"github.com/smallbiznis/receiptflow/internal/server"
	"github.com/smallbiznis/receiptflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const generationGroup = "receiptflow-generation"

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		locker.Module,

		// Receipt lifecycle
		bizevent.Module,
		repository.Module,
		providers.Module,
		service.Module,

		server.Module,
		scheduler.Module,
		fx.Invoke(StartGenerationConsumer),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// StartGenerationConsumer drains asynchronous generation requests until shutdown.
func StartGenerationConsumer(lc fx.Lifecycle, q queue.Queue, generator domain.Generator, log *zap.Logger) {
	log = log.Named("generation.consumer")
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "receiptflow"
	}

	handle := func(ctx context.Context, req domain.GenerationRequest) error {
		ctx = obscontext.WithActor(ctx, "consumer", generationGroup)
		receipt, err := generator.ProcessGenerationRequest(ctx, req)
		if err == nil {
			return nil
		}
		// failures recorded on a persisted receipt are re-driven by recovery
		if receipt != nil || !domain.IsRetryable(err) {
			log.Warn("generation.request.failed",
				zap.String("receipt_id", req.ReceiptID),
				zap.String("event_id", req.EventID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				if err := q.ConsumeGeneration(ctx, generationGroup, consumer, handle); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("generation.consumer.stopped", zap.Error(err))
				}
			}()
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
