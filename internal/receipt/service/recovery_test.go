package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedReceipt(h *harness, eventID string, status domain.ReceiptStatus, numRetry int) *domain.Receipt {
	r := domain.NewReceipt(eventID, &domain.EventData{
		DebtorFiscalCode: debtorCF,
		Amount:           "10,10",
		Cart:             []domain.CartItem{{Subject: "TARI", PayeeName: "Comune di Roma"}},
	}, false, h.clock.Now())
	r.ID = eventID + "-r"
	r.Status = status
	r.NumRetry = numRetry
	return h.receipts.put(r)
}

func summariesByEvent(result *domain.RecoveryResult) map[string]domain.ReceiptSummary {
	out := map[string]domain.ReceiptSummary{}
	for _, s := range result.ProcessedReceipts {
		out[s.EventID] = s
	}
	return out
}

func TestRecoverBatchScansBelowCeilingOnly(t *testing.T) {
	h := newHarness(t)
	storedReceipt(h, "G1", domain.ReceiptStatusGenerated, 0)
	storedReceipt(h, "F1", domain.ReceiptStatusFailed, 1)
	storedReceipt(h, "F2", domain.ReceiptStatusFailed, h.cfg.MaxRetry)
	unrenderable := storedReceipt(h, "F3", domain.ReceiptStatusFailed, 1)
	unrenderable.EventData.DebtorFiscalCode = domain.FiscalCodeAnonymous
	h.receipts.put(unrenderable)
	storedReceipt(h, "N1", domain.ReceiptStatusNotQueued, 0)
	ctx := context.Background()

	result, err := h.recovery.RecoverBatch(ctx, nil)
	require.NoError(t, err)

	byEvent := summariesByEvent(result)
	assert.Len(t, byEvent, 3)
	assert.Equal(t, 1, result.ErrorCounter)
	assert.Equal(t, domain.ReceiptStatusIONotified, byEvent["F1"].Status)
	assert.Equal(t, domain.ReceiptStatusIONotified, byEvent["N1"].Status)
	assert.Equal(t, domain.ReceiptStatusFailed, byEvent["F3"].Status)
	assert.Equal(t, 2, byEvent["F3"].NumRetry)
	assert.NotEmpty(t, byEvent["F3"].Error)

	assert.Equal(t, domain.ReceiptStatusFailed, h.receipts.get("F2").Status)
	assert.Equal(t, h.cfg.MaxRetry, h.receipts.get("F2").NumRetry)
	assert.Equal(t, domain.ReceiptStatusGenerated, h.receipts.get("G1").Status)

	recovered := h.receipts.get("F1")
	again, err := h.recovery.RecoverBatch(ctx, nil)
	require.NoError(t, err)
	assert.NotContains(t, summariesByEvent(again), "F1")
	assert.Equal(t, recovered.Version, h.receipts.get("F1").Version)
}

func TestRecoverBatchForcesListedIDs(t *testing.T) {
	h := newHarness(t)
	stuck := storedReceipt(h, "F2", domain.ReceiptStatusFailed, h.cfg.MaxRetry)

	result, err := h.recovery.RecoverBatch(context.Background(), []string{"F2", "missing", stuck.ID})
	require.NoError(t, err)

	require.Len(t, result.ProcessedReceipts, 3)
	assert.Equal(t, 1, result.ErrorCounter)
	assert.Equal(t, domain.ReceiptStatusIONotified, result.ProcessedReceipts[0].Status)
	assert.Contains(t, result.ProcessedReceipts[1].Error, "not found")
	assert.Equal(t, domain.ReceiptStatusIONotified, result.ProcessedReceipts[2].Status, "receipt ids resolve too")
	assert.Equal(t, h.cfg.MaxRetry, h.receipts.get("F2").NumRetry)
}

func TestRecoverBatchPicksUpStaleInserted(t *testing.T) {
	h := newHarness(t)
	storedReceipt(h, "I1", domain.ReceiptStatusInserted, 0)
	ctx := context.Background()

	result, err := h.recovery.RecoverBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, result.ProcessedReceipts, "a fresh INSERTED receipt still belongs to its worker")

	h.clock.Advance(h.cfg.StaleInsertedAfter + time.Minute)
	result, err = h.recovery.RecoverBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, result.ProcessedReceipts, 1)
	assert.Equal(t, domain.ReceiptStatusIONotified, result.ProcessedReceipts[0].Status)
	assert.Equal(t, domain.ReceiptStatusIONotified, h.receipts.get("I1").Status)
}

func TestRenotifyStaleKeepsNotificationCeiling(t *testing.T) {
	h := newHarness(t)
	attach := &domain.ReceiptMetadata{Name: "d.pdf", URL: "mem://d.pdf"}

	exhausted := storedReceipt(h, "X1", domain.ReceiptStatusIOErrorToNotify, 0)
	exhausted.MdAttach = attach
	exhausted.NotificationNumRetry = h.cfg.MaxNotifyRetry
	h.receipts.put(exhausted)

	retrying := storedReceipt(h, "N1", domain.ReceiptStatusIOErrorToNotify, 0)
	retrying.MdAttach = attach
	retrying.NotificationNumRetry = 1
	h.receipts.put(retrying)

	h.queue.setNotifyFail(errors.New("broker down"))
	ctx := context.Background()
	for sweep := 0; sweep < 3; sweep++ {
		_, err := h.recovery.RenotifyStale(ctx)
		require.NoError(t, err)

		stored := h.receipts.get("X1")
		assert.Equal(t, domain.ReceiptStatusIOErrorToNotify, stored.Status)
		assert.Equal(t, h.cfg.MaxNotifyRetry, stored.NotificationNumRetry, "sweep %d", sweep)
	}

	stored := h.receipts.get("N1")
	assert.Equal(t, domain.ReceiptStatusIOErrorToNotify, stored.Status)
	assert.Equal(t, h.cfg.MaxNotifyRetry, stored.NotificationNumRetry, "counter only grows until the ceiling")
	assert.Empty(t, h.queue.sent())
}

func TestRenotifyStaleWaitsForGeneratedToGoStale(t *testing.T) {
	h := newHarness(t)
	r := storedReceipt(h, "G1", domain.ReceiptStatusGenerated, 0)
	r.MdAttach = &domain.ReceiptMetadata{Name: "d.pdf", URL: "mem://d.pdf"}
	r.GeneratedAt = h.clock.Now().UnixMilli()
	h.receipts.put(r)
	ctx := context.Background()

	result, err := h.recovery.RenotifyStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.ProcessedReceipts)

	h.clock.Advance(h.cfg.StaleGeneratedAfter + time.Minute)
	result, err = h.recovery.RenotifyStale(ctx)
	require.NoError(t, err)
	require.Len(t, result.ProcessedReceipts, 1)

	stored := h.receipts.get("G1")
	assert.Equal(t, domain.ReceiptStatusIONotified, stored.Status)
	assert.Zero(t, stored.NotificationNumRetry)
	assert.Len(t, h.queue.sent(), 1)
	assert.Zero(t, h.renderer.count(domain.RoleDebtor))
}

func TestRecoverNotNotifiedResetsNotificationState(t *testing.T) {
	h := newHarness(t)
	r := storedReceipt(h, "E1", domain.ReceiptStatusIOErrorToNotify, 0)
	r.MdAttach = &domain.ReceiptMetadata{Name: "d.pdf", URL: "mem://d.pdf"}
	r.NotificationNumRetry = h.cfg.MaxNotifyRetry
	r.ReasonErr = &domain.ReasonError{Code: domain.ReasonQueue, Message: "broker down"}
	h.receipts.put(r)

	result, err := h.recovery.RecoverNotNotified(context.Background(), domain.ReceiptStatusIOErrorToNotify)
	require.NoError(t, err)
	require.Len(t, result.ProcessedReceipts, 1)
	assert.Zero(t, result.ErrorCounter)

	stored := h.receipts.get("E1")
	assert.Equal(t, domain.ReceiptStatusIONotified, stored.Status)
	assert.Zero(t, stored.NotificationNumRetry)
	assert.Nil(t, stored.ReasonErr)
	assert.Zero(t, h.renderer.count(domain.RoleDebtor))
	assert.Len(t, h.queue.sent(), 1)
}

func TestRecoverNotNotifiedRejectsOtherStatuses(t *testing.T) {
	h := newHarness(t)
	_, err := h.recovery.RecoverNotNotified(context.Background(), domain.ReceiptStatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestResetRetries(t *testing.T) {
	h := newHarness(t)
	storedReceipt(h, "F2", domain.ReceiptStatusFailed, h.cfg.MaxRetry)
	storedReceipt(h, "G1", domain.ReceiptStatusGenerated, 0)
	ctx := context.Background()

	receipt, err := h.recovery.ResetRetries(ctx, "F2")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusIONotified, receipt.Status)
	assert.Zero(t, receipt.NumRetry)

	_, err = h.recovery.ResetRetries(ctx, "G1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = h.recovery.ResetRetries(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReviewMarksParkedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"E1", "E2", "E3"} {
		_, err := h.receiptErrors.SaveReceiptError(ctx, &domain.ReceiptError{BizEventID: id, Status: domain.ReceiptErrorStatusToReview})
		require.NoError(t, err)
	}

	record, err := h.review.MarkReviewed(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptErrorStatusReviewed, record.Status)

	count, err := h.review.MarkAllReviewed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = h.review.MarkReviewed(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
