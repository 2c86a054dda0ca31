package repository

import (
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.repository",
	fx.Provide(
		fx.Annotate(NewReceiptStore, fx.As(new(domain.ReceiptStore))),
		fx.Annotate(NewCartStore, fx.As(new(domain.CartStore))),
		fx.Annotate(NewReceiptErrorStore, fx.As(new(domain.ReceiptErrorStore))),
	),
)
