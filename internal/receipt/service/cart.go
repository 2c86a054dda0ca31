package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/observability/logger"
	"github.com/smallbiznis/receiptflow/internal/observability/metrics"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	cartItemAdded      = "added"
	cartItemDuplicate  = "duplicate"
	cartItemDispatched = "dispatched"
	cartItemRejected   = "rejected"
)

type CartParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Recovery   *config.RecoveryConfigHolder
	Carts      domain.CartStore
	Dispatcher domain.Dispatcher

	Metrics        *metrics.Metrics        `optional:"true"`
	ReceiptMetrics *metrics.ReceiptMetrics `optional:"true"`
}

// CartAggregator collects cart payments and dispatches generation exactly once per cart.
type CartAggregator struct {
	log        *zap.Logger
	clock      clock.Clock
	recovery   *config.RecoveryConfigHolder
	carts      domain.CartStore
	dispatcher domain.Dispatcher

	metrics        *metrics.Metrics
	receiptMetrics *metrics.ReceiptMetrics
}

func NewCartAggregator(p CartParams) *CartAggregator {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &CartAggregator{
		log:            log.Named("receipt.cart"),
		clock:          clk,
		recovery:       p.Recovery,
		carts:          p.Carts,
		dispatcher:     p.Dispatcher,
		metrics:        p.Metrics,
		receiptMetrics: p.ReceiptMetrics,
	}
}

var _ domain.CartAggregator = (*CartAggregator)(nil)

// OnCartItemArrived adds paymentID to the cart. The arrival whose write completes the cart
// is the only one that dispatches it.
func (a *CartAggregator) OnCartItemArrived(ctx context.Context, cartID, paymentID string, totalExpected int) (*domain.CartForReceipt, error) {
	cartID = strings.TrimSpace(cartID)
	paymentID = strings.TrimSpace(paymentID)
	if cartID == "" || paymentID == "" || totalExpected <= 0 {
		a.receiptMetrics.IncCartItem(cartItemRejected)
		return nil, fmt.Errorf("%w: cart %q payment %q total %d", domain.ErrInvalidCart, cartID, paymentID, totalExpected)
	}
	log := logger.WithContext(ctx, a.log).With(zap.String("cart_id", cartID), zap.String("payment_id", paymentID))

	maxConflicts := a.recovery.Get().MaxConflictRetries
	for attempt := 0; ; attempt++ {
		cart, dispatch, err := a.addPayment(ctx, cartID, paymentID, totalExpected, log)
		if errors.Is(err, domain.ErrVersionConflict) {
			if attempt >= maxConflicts {
				return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "save cart " + cartID, Err: err}
			}
			a.receiptMetrics.IncConflictRetry("cart")
			continue
		}
		if err != nil {
			return cart, err
		}
		if !dispatch {
			return cart, nil
		}
		a.receiptMetrics.IncCartItem(cartItemDispatched)
		return a.dispatch(ctx, cart)
	}
}

// addPayment performs one read-modify-write. It reports whether this write moved the cart to DISPATCHED.
func (a *CartAggregator) addPayment(ctx context.Context, cartID, paymentID string, totalExpected int, log *zap.Logger) (*domain.CartForReceipt, bool, error) {
	cart, err := a.carts.FetchCart(ctx, cartID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		cart = domain.NewCart(cartID, totalExpected, a.clock.Now())
	case err != nil:
		return nil, false, err
	default:
		if cart.HasPayment(paymentID) {
			a.receiptMetrics.IncCartItem(cartItemDuplicate)
			return cart, false, nil
		}
		if cart.Status != domain.CartStatusInserted {
			a.receiptMetrics.IncCartItem(cartItemRejected)
			return cart, false, fmt.Errorf("cart %s in status %s: %w", cart.ID, cart.Status, domain.ErrCartAlreadyDispatched)
		}
		if cart.TotalNotice != totalExpected {
			log.Warn("cart.total_notice.mismatch",
				zap.Int("stored", cart.TotalNotice),
				zap.Int("received", totalExpected),
			)
		}
	}

	cart.AddPayment(paymentID)
	complete := cart.IsComplete()
	target := domain.CartStatusInserted
	if complete {
		target = domain.CartStatusDispatched
	}
	if err := cart.TransitionTo(target); err != nil {
		return nil, false, err
	}
	if complete {
		cart.DispatchedAt = a.clock.Now().UnixMilli()
	}

	saved, err := a.carts.SaveCart(ctx, cart)
	if err != nil {
		return nil, false, err
	}
	a.receiptMetrics.IncCartItem(cartItemAdded)
	log.Info("cart.item.added",
		zap.Int("payments", len(saved.CartPaymentID)),
		zap.Int("total_notice", saved.TotalNotice),
		zap.String("status", string(saved.Status)),
	)
	return saved, complete, nil
}

// Redispatch hands a completed cart to generation again. FAILED and complete INSERTED carts
// are claimed with a conditional write first; DISPATCHED carts are only re-sent when forced.
func (a *CartAggregator) Redispatch(ctx context.Context, cartID string, force bool) (*domain.CartForReceipt, error) {
	maxConflicts := a.recovery.Get().MaxConflictRetries
	for attempt := 0; ; attempt++ {
		cart, err := a.carts.FetchCart(ctx, cartID)
		if err != nil {
			return nil, err
		}
		if !cart.IsComplete() {
			return cart, fmt.Errorf("cart %s has %d of %d payments: %w", cart.ID, len(cart.CartPaymentID), cart.TotalNotice, domain.ErrInvalidCart)
		}
		if cart.Status == domain.CartStatusDispatched {
			if !force {
				return cart, nil
			}
			return a.dispatch(ctx, cart)
		}

		if err := cart.TransitionTo(domain.CartStatusDispatched); err != nil {
			return cart, err
		}
		cart.DispatchedAt = a.clock.Now().UnixMilli()
		saved, err := a.carts.SaveCart(ctx, cart)
		if errors.Is(err, domain.ErrVersionConflict) {
			if attempt >= maxConflicts {
				return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "save cart " + cartID, Err: err}
			}
			a.receiptMetrics.IncConflictRetry("cart")
			continue
		}
		if err != nil {
			return nil, err
		}
		return a.dispatch(ctx, saved)
	}
}

func (a *CartAggregator) GetCart(ctx context.Context, cartID string) (*domain.CartForReceipt, error) {
	return a.carts.FetchCart(ctx, cartID)
}

// dispatch triggers generation. A failed hand-off parks the cart in FAILED for cart recovery.
func (a *CartAggregator) dispatch(ctx context.Context, cart *domain.CartForReceipt) (*domain.CartForReceipt, error) {
	log := logger.WithContext(ctx, a.log).With(zap.String("cart_id", cart.ID))

	dispatchErr := a.dispatcher.DispatchCart(ctx, cart)
	if dispatchErr == nil {
		a.metrics.RecordCartDispatched(ctx, "ok")
		log.Info("cart.dispatch.success", zap.Int("payments", len(cart.CartPaymentID)))
		return cart, nil
	}
	a.metrics.RecordCartDispatched(ctx, "error")

	current := cart
	maxConflicts := a.recovery.Get().MaxConflictRetries
	for attempt := 0; ; attempt++ {
		if current.Status != domain.CartStatusDispatched {
			break
		}
		failed := current.Clone()
		if err := failed.TransitionTo(domain.CartStatusFailed); err != nil {
			return current, errors.Join(dispatchErr, err)
		}
		failed.ReasonError = domain.ReasonFor(dispatchErr)
		saved, err := a.carts.SaveCart(ctx, failed)
		if err == nil {
			current = saved
			break
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= maxConflicts {
			return current, errors.Join(dispatchErr, err)
		}
		if current, err = a.carts.FetchCart(ctx, cart.ID); err != nil {
			return cart, errors.Join(dispatchErr, err)
		}
	}

	log.Warn("cart.dispatch.failed", zap.Error(dispatchErr))
	return current, dispatchErr
}

// GeneratorDispatcher turns a completed cart into a cart receipt.
type GeneratorDispatcher struct {
	generator domain.Generator
}

func NewGeneratorDispatcher(generator domain.Generator) *GeneratorDispatcher {
	return &GeneratorDispatcher{generator: generator}
}

// DispatchCart only fails when no receipt could be created. Later generation failures
// are tracked on the receipt itself and picked up by receipt recovery.
func (d *GeneratorDispatcher) DispatchCart(ctx context.Context, cart *domain.CartForReceipt) error {
	receipt, err := d.generator.GenerateCartReceipt(ctx, cart.ID)
	if receipt != nil {
		return nil
	}
	return err
}
