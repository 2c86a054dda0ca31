package bizevent

import (
	"github.com/smallbiznis/receiptflow/internal/bizevent/repository"
	receiptdomain "github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("bizevent.source",
	fx.Provide(repository.Provide),
	fx.Provide(
		NewSource,
		func(s *Source) receiptdomain.EventSource { return s },
	),
)
