package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/receiptflow/internal/authorization"
	"github.com/smallbiznis/receiptflow/internal/bizevent"
	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/locker"
	"github.com/smallbiznis/receiptflow/internal/observability"
	"github.com/smallbiznis/receiptflow/internal/providers"
	"github.com/smallbiznis/receiptflow/internal/receipt/repository"
	"github.com/smallbiznis/receiptflow/internal/receipt/service"
	"github.com/smallbiznis/receiptflow/internal/scheduler"
	"github.com/smallbiznis/receiptflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,

		// Services required by the recovery sweeps
		bizevent.Module,
		repository.Module,
		providers.Module,
		service.Module,
		authorization.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
