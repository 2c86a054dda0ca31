package providers

import (
	"github.com/smallbiznis/receiptflow/internal/providers/blob"
	"github.com/smallbiznis/receiptflow/internal/providers/pdf"
	"github.com/smallbiznis/receiptflow/internal/providers/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	pdf.Module,
	blob.Module,
	queue.Module,
)
