package bizevent

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/bizevent/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupSource(t *testing.T) (*Source, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.Exec(`CREATE TABLE biz_events (
		id TEXT PRIMARY KEY,
		cart_id TEXT NOT NULL DEFAULT '',
		organization_fiscal_code TEXT NOT NULL DEFAULT '',
		iuv TEXT NOT NULL DEFAULT '',
		event_status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME
	)`).Error)
	return NewSource(SourceParams{DB: conn, Repo: repository.Provide()}), conn
}

func cartEvent(id, cartID string) *domain.BizEvent {
	return &domain.BizEvent{
		ID:          id,
		EventStatus: domain.EventStatusDone,
		Debtor:      &domain.Subject{EntityUniqueIdentifierValue: "RSSMRA80A01H501U"},
		PaymentInfo: &domain.PaymentInfo{Amount: "10.10", TotalNotice: "2"},
		TransactionDetails: &domain.TransactionDetails{
			Transaction: &domain.Transaction{TransactionID: cartID, Origin: "IO"},
		},
	}
}

func TestSourceFetchEvent(t *testing.T) {
	src, conn := setupSource(t)
	ctx := context.Background()
	repo := repository.Provide()

	require.NoError(t, repo.Insert(ctx, conn, cartEvent("E1", "C1")))

	event, err := src.FetchEvent(ctx, " E1 ")
	require.NoError(t, err)
	assert.Equal(t, "E1", event.ID)
	assert.Equal(t, "C1", event.CartID())
	assert.Equal(t, "RSSMRA80A01H501U", event.Debtor.EntityUniqueIdentifierValue)

	_, err = src.FetchEvent(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = src.FetchEvent(ctx, "")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestSourceFetchCartEvents(t *testing.T) {
	src, conn := setupSource(t)
	ctx := context.Background()
	repo := repository.Provide()

	require.NoError(t, repo.Insert(ctx, conn, cartEvent("E1", "C1")))
	require.NoError(t, repo.Insert(ctx, conn, cartEvent("E2", "C1")))
	require.NoError(t, repo.Insert(ctx, conn, cartEvent("E3", "C2")))

	events, err := src.FetchCartEvents(ctx, "C1")
	require.NoError(t, err)
	ids := []string{}
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"E1", "E2"}, ids)

	_, err = src.FetchCartEvents(ctx, "C9")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestSourceFetchEventByOrganizationAndIUV(t *testing.T) {
	src, conn := setupSource(t)
	ctx := context.Background()
	repo := repository.Provide()

	paid := cartEvent("E1", "")
	paid.Creditor = &domain.Creditor{IdPA: "80016350821", CompanyName: "Comune di Palermo"}
	paid.DebtorPosition = &domain.DebtorPosition{IUV: "02000000000000123"}
	require.NoError(t, repo.Insert(ctx, conn, paid))
	require.NoError(t, repo.Insert(ctx, conn, cartEvent("E2", "C1")))

	event, err := src.FetchEventByOrganizationAndIUV(ctx, " 80016350821", "02000000000000123 ")
	require.NoError(t, err)
	assert.Equal(t, "E1", event.ID)

	_, err = src.FetchEventByOrganizationAndIUV(ctx, "80016350821", "other")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = src.FetchEventByOrganizationAndIUV(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}
