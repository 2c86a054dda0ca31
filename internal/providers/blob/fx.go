package blob

import (
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("blob.store",
	fx.Provide(
		fx.Annotate(NewFromConfig, fx.As(new(domain.BlobStore))),
	),
)
