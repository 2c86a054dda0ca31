package service

import (
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/mapping"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.service",
	fx.Provide(mapping.NewFromConfig),
	fx.Provide(
		fx.Annotate(NewGenerator, fx.As(new(domain.Generator))),
		fx.Annotate(NewGeneratorDispatcher, fx.As(new(domain.Dispatcher))),
		fx.Annotate(NewCartAggregator, fx.As(new(domain.CartAggregator))),
		fx.Annotate(NewRecovery, fx.As(new(domain.Recovery))),
		fx.Annotate(NewReview, fx.As(new(domain.ReceiptErrorService))),
	),
)
