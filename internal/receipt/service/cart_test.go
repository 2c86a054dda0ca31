package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartDispatchesOnLastItem(t *testing.T) {
	h := newHarness(t)
	h.events.add(cartEvent("C1-a", "C1", 3), cartEvent("C1-b", "C1", 3), cartEvent("C1-c", "C1", 3))
	ctx := context.Background()

	cart, err := h.cart.OnCartItemArrived(ctx, "C1", "C1-a", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusInserted, cart.Status)

	cart, err = h.cart.OnCartItemArrived(ctx, "C1", "C1-b", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusInserted, cart.Status)
	assert.Nil(t, h.receipts.get("C1"))

	cart, err = h.cart.OnCartItemArrived(ctx, "C1", "C1-c", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusDispatched, cart.Status)
	assert.Equal(t, []string{"C1-a", "C1-b", "C1-c"}, cart.CartPaymentID)
	assert.NotZero(t, cart.DispatchedAt)

	receipt := h.receipts.get("C1")
	require.NotNil(t, receipt)
	assert.True(t, receipt.IsCart)
	assert.Equal(t, domain.ReceiptStatusIONotified, receipt.Status)
	assert.Equal(t, "30,30", receipt.EventData.Amount)
	assert.Len(t, receipt.EventData.Cart, 3)
	assert.Len(t, h.queue.sent(), 1)
}

func TestCartDuplicateAndLateArrivals(t *testing.T) {
	h := newHarness(t)
	d := &countingDispatcher{}
	h.withDispatcher(d)
	ctx := context.Background()

	_, err := h.cart.OnCartItemArrived(ctx, "C2", "p1", 2)
	require.NoError(t, err)
	cart, err := h.cart.OnCartItemArrived(ctx, "C2", "p1", 2)
	require.NoError(t, err)
	assert.Len(t, cart.CartPaymentID, 1)

	_, err = h.cart.OnCartItemArrived(ctx, "C2", "p2", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, d.count("C2"))

	cart, err = h.cart.OnCartItemArrived(ctx, "C2", "p2", 2)
	require.NoError(t, err, "known payment after dispatch is a no-op")
	assert.Equal(t, domain.CartStatusDispatched, cart.Status)

	_, err = h.cart.OnCartItemArrived(ctx, "C2", "p3", 2)
	assert.ErrorIs(t, err, domain.ErrCartAlreadyDispatched)
	assert.Equal(t, 1, d.count("C2"))
}

func TestCartRejectsInvalidArrival(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		cart, payment string
		total         int
	}{
		{"", "p1", 1},
		{"C3", "", 1},
		{"C3", "p1", 0},
	} {
		_, err := h.cart.OnCartItemArrived(context.Background(), tc.cart, tc.payment, tc.total)
		assert.ErrorIs(t, err, domain.ErrInvalidCart)
	}
}

func TestCartConcurrentArrivalsDispatchOnce(t *testing.T) {
	h := newHarness(t, withMaxConflicts(1000))
	d := &countingDispatcher{}
	h.withDispatcher(d)

	const payments = 5
	var wg sync.WaitGroup
	for i := 0; i < payments*4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.cart.OnCartItemArrived(context.Background(), "C4", fmt.Sprintf("p%d", i%payments), payments)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrCartAlreadyDispatched)
			}
		}(i)
	}
	wg.Wait()

	cart, err := h.cart.GetCart(context.Background(), "C4")
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusDispatched, cart.Status)
	assert.Len(t, cart.CartPaymentID, payments)
	assert.Equal(t, 1, d.count("C4"))
}

func TestCartDispatchFailureIsRecovered(t *testing.T) {
	h := newHarness(t)
	d := &countingDispatcher{fail: &domain.StoreError{Code: domain.ReasonStore, Op: "save receipt", Err: errors.New("db down")}}
	h.withDispatcher(d)
	ctx := context.Background()

	cart, err := h.cart.OnCartItemArrived(ctx, "C5", "p1", 1)
	require.ErrorIs(t, err, domain.ErrStore)
	assert.Equal(t, domain.CartStatusFailed, cart.Status)
	require.NotNil(t, cart.ReasonError)
	assert.Equal(t, domain.ReasonStore, cart.ReasonError.Code)

	d.fail = nil
	result, err := h.recovery.RecoverCarts(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.ErrorCounter)
	require.Len(t, result.ProcessedCarts, 1)
	assert.Equal(t, domain.CartStatusDispatched, result.ProcessedCarts[0].Status)
	assert.Equal(t, 2, d.count("C5"))

	result, err = h.recovery.RecoverCarts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, result.ProcessedCarts, "dispatched carts are not swept again")
}
