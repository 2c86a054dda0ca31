package pdf

import (
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("pdf.renderer",
	fx.Provide(
		fx.Annotate(New, fx.As(new(domain.Renderer))),
	),
)
