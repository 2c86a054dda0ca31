package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE receipts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			schema_version TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			is_cart BOOLEAN NOT NULL DEFAULT 0,
			num_retry INTEGER NOT NULL DEFAULT 0,
			notification_num_retry INTEGER NOT NULL DEFAULT 0,
			event_data TEXT NOT NULL DEFAULT 'null',
			io_message_data TEXT NOT NULL DEFAULT 'null',
			md_attach TEXT NOT NULL DEFAULT 'null',
			md_attach_payer TEXT NOT NULL DEFAULT 'null',
			reason_err TEXT NOT NULL DEFAULT 'null',
			reason_err_payer TEXT NOT NULL DEFAULT 'null',
			inserted_at INTEGER NOT NULL DEFAULT 0,
			generated_at INTEGER NOT NULL DEFAULT 0,
			notified_at INTEGER NOT NULL DEFAULT 0,
			debtor_message_id TEXT NOT NULL DEFAULT '',
			payer_message_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME
		)`,
		`CREATE TABLE cart_for_receipts (
			id TEXT PRIMARY KEY,
			cart_payment_id TEXT NOT NULL DEFAULT '{}',
			total_notice INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason_error TEXT NOT NULL DEFAULT 'null',
			version INTEGER NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT 0,
			dispatched_at INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME
		)`,
		`CREATE TABLE receipt_errors (
			id TEXT PRIMARY KEY,
			biz_event_id TEXT NOT NULL UNIQUE,
			message_payload TEXT NOT NULL DEFAULT '',
			message_error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

func sampleReceipt(eventID string) *domain.Receipt {
	data := &domain.EventData{
		DebtorFiscalCode: "RSSMRA80A01H501U",
		PayerFiscalCode:  "VRDGPP70B02F205X",
		Amount:           "12,50",
		Cart:             []domain.CartItem{{Subject: "TARI", PayeeName: "Comune"}},
	}
	return domain.NewReceipt(eventID, data, false, time.UnixMilli(1_700_000_000_000))
}

func TestReceiptStoreRoundTripAndVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore(setupDB(t))

	saved, err := store.SaveReceipt(ctx, sampleReceipt("E1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err := store.FetchByEventID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, domain.ReceiptStatusInserted, got.Status)
	assert.Equal(t, "VRDGPP70B02F205X", got.EventData.PayerFiscalCode)
	assert.Nil(t, got.MdAttach)
	assert.Nil(t, got.ReasonErr)

	got.MdAttach = &domain.ReceiptMetadata{Name: "a.pdf", URL: "file:///a.pdf"}
	got.ReasonErrPayer = &domain.ReasonError{Code: domain.ReasonPDFEngine, Message: "boom"}
	got.NumRetry = 2
	updated, err := store.SaveReceipt(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	reloaded, err := store.FetchReceipt(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", reloaded.MdAttach.Name)
	assert.Equal(t, domain.ReasonPDFEngine, reloaded.ReasonErrPayer.Code)
	assert.Equal(t, 2, reloaded.NumRetry)

	// a writer holding the old version loses
	_, err = store.SaveReceipt(ctx, got)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestReceiptStoreDuplicateEventIsConflict(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore(setupDB(t))

	_, err := store.SaveReceipt(ctx, sampleReceipt("E1"))
	require.NoError(t, err)
	_, err = store.SaveReceipt(ctx, sampleReceipt("E1"))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestReceiptStoreFetchMissing(t *testing.T) {
	store := NewReceiptStore(setupDB(t))
	_, err := store.FetchByEventID(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScanRecoverableHonorsCeilingsAndPages(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore(setupDB(t))

	seed := func(eventID string, status domain.ReceiptStatus, numRetry, notifyRetry int) {
		r := sampleReceipt(eventID)
		r.Status = status
		r.NumRetry = numRetry
		r.NotificationNumRetry = notifyRetry
		_, err := store.SaveReceipt(ctx, r)
		require.NoError(t, err)
	}
	seed("F1", domain.ReceiptStatusFailed, 0, 0)
	seed("F2", domain.ReceiptStatusFailed, 4, 0)
	seed("F3", domain.ReceiptStatusFailed, 5, 0)
	seed("N1", domain.ReceiptStatusIOErrorToNotify, 0, 1)
	seed("N2", domain.ReceiptStatusIOErrorToNotify, 0, 5)
	seed("Q1", domain.ReceiptStatusNotQueued, 0, 0)
	seed("G1", domain.ReceiptStatusGenerated, 0, 0)

	filter := domain.ScanFilter{
		Statuses:       []domain.ReceiptStatus{domain.ReceiptStatusFailed, domain.ReceiptStatusIOErrorToNotify, domain.ReceiptStatusNotQueued},
		MaxRetry:       5,
		MaxNotifyRetry: 5,
	}

	var events []string
	cursor := ""
	pages := 0
	for {
		page, next, err := store.ScanRecoverable(ctx, filter, cursor, 2)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), 2)
		for _, r := range page {
			events = append(events, r.EventID)
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	assert.ElementsMatch(t, []string{"F1", "F2", "N1", "Q1"}, events)
	assert.Equal(t, 2, pages)
}

func TestScanRecoverableOnlyPicksStaleInsertedAndGenerated(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore(setupDB(t))

	seed := func(eventID string, status domain.ReceiptStatus, insertedAt, generatedAt int64) {
		r := sampleReceipt(eventID)
		r.Status = status
		r.InsertedAt = insertedAt
		r.GeneratedAt = generatedAt
		_, err := store.SaveReceipt(ctx, r)
		require.NoError(t, err)
	}
	seed("I-old", domain.ReceiptStatusInserted, 1_000, 0)
	seed("I-new", domain.ReceiptStatusInserted, 9_000, 0)
	seed("G-old", domain.ReceiptStatusGenerated, 1_000, 2_000)
	seed("G-new", domain.ReceiptStatusGenerated, 1_000, 9_500)

	filter := domain.ScanFilter{
		Statuses:        []domain.ReceiptStatus{domain.ReceiptStatusInserted, domain.ReceiptStatusGenerated},
		InsertedBefore:  5_000,
		GeneratedBefore: 5_000,
	}
	page, next, err := store.ScanRecoverable(ctx, filter, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	var events []string
	for _, r := range page {
		events = append(events, r.EventID)
		assert.True(t, filter.Matches(r), r.EventID)
	}
	assert.ElementsMatch(t, []string{"I-old", "G-old"}, events)

	// without a staleness bound neither status is picked up
	page, _, err = store.ScanRecoverable(ctx, domain.ScanFilter{Statuses: filter.Statuses}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestReceiptStoreFetchByMessageID(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore(setupDB(t))

	saved, err := store.SaveReceipt(ctx, sampleReceipt("E1"))
	require.NoError(t, err)
	_, err = store.SaveReceipt(ctx, sampleReceipt("E2"))
	require.NoError(t, err)

	_, err = store.FetchByMessageID(ctx, "msg-payer")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	saved.SetMessageID(domain.RoleDebtor, "msg-debtor")
	saved.SetMessageID(domain.RolePayer, "msg-payer")
	_, err = store.SaveReceipt(ctx, saved)
	require.NoError(t, err)

	for _, id := range []string{"msg-debtor", "msg-payer"} {
		got, err := store.FetchByMessageID(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, "E1", got.EventID)
		assert.Equal(t, "msg-payer", got.IOMessageData.IDMessagePayer)
	}

	_, err = store.FetchByMessageID(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCartStore(t *testing.T) {
	ctx := context.Background()
	store := NewCartStore(setupDB(t))

	cart := domain.NewCart("C1", 2, time.UnixMilli(1000))
	cart.AddPayment("P1")
	saved, err := store.SaveCart(ctx, cart)
	require.NoError(t, err)

	saved.AddPayment("P2")
	require.NoError(t, saved.TransitionTo(domain.CartStatusDispatched))
	saved.DispatchedAt = 2000
	updated, err := store.SaveCart(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := store.FetchCart(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, got.CartPaymentID)
	assert.Equal(t, domain.CartStatusDispatched, got.Status)
	assert.Equal(t, int64(2000), got.DispatchedAt)

	_, err = store.SaveCart(ctx, saved)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	carts, next, err := store.ScanCarts(ctx, []domain.CartStatus{domain.CartStatusDispatched}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, carts, 1)

	_, err = store.FetchCart(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReceiptErrorStoreUpsert(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store := NewReceiptErrorStore(setupDB(t), node)

	first, err := store.SaveReceiptError(ctx, &domain.ReceiptError{
		BizEventID:   "E1",
		MessageError: "bad payer",
		Status:       domain.ReceiptErrorStatusToReview,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := store.SaveReceiptError(ctx, &domain.ReceiptError{
		BizEventID:   "E1",
		MessageError: "still bad",
		Status:       domain.ReceiptErrorStatusToReview,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.FetchByEventID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "still bad", got.MessageError)

	list, _, err := store.ListByStatus(ctx, domain.ReceiptErrorStatusToReview, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReceiptErrorStoreKeepsReviewedRecords(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store := NewReceiptErrorStore(setupDB(t), node)

	parked, err := store.SaveReceiptError(ctx, &domain.ReceiptError{
		BizEventID:   "E1",
		MessageError: "bad payer",
		Status:       domain.ReceiptErrorStatusToReview,
	})
	require.NoError(t, err)
	require.NoError(t, parked.TransitionTo(domain.ReceiptErrorStatusReviewed))
	_, err = store.SaveReceiptError(ctx, parked)
	require.NoError(t, err)

	_, err = store.SaveReceiptError(ctx, &domain.ReceiptError{
		BizEventID:   "E1",
		MessageError: "bad payer again",
		Status:       domain.ReceiptErrorStatusToReview,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := store.FetchByEventID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptErrorStatusReviewed, got.Status)
	assert.Equal(t, "bad payer", got.MessageError)
	assert.Equal(t, parked.ID, got.ID)
}
