package pdf

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testReceipt() *domain.Receipt {
	return domain.NewReceipt("E1", &domain.EventData{
		DebtorFiscalCode:        "RSSMRA80A01H501U",
		PayerFiscalCode:         "VRDGPP70B02F205X",
		TransactionCreationDate: "2026-03-01T09:59:00",
		Amount:                  "13,50",
		Cart:                    []domain.CartItem{{Subject: "TARI 2026", PayeeName: "Comune di Roma"}},
	}, false, time.Now())
}

func TestRenderProducesPDF(t *testing.T) {
	p := New(zap.NewNop())
	artifact, err := p.Render(context.Background(), domain.RenderRequest{
		Template: domain.TemplateComplete,
		Role:     domain.RolePayer,
		Receipt:  testReceipt(),
	})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", artifact.ContentType)
	assert.True(t, bytes.HasPrefix(artifact.Content, []byte("%PDF")))
}

func TestBuildViewPartialHidesPayer(t *testing.T) {
	view, err := buildView(domain.RenderRequest{
		Template: domain.TemplatePartial,
		Role:     domain.RoleDebtor,
		Receipt:  testReceipt(),
	})
	require.NoError(t, err)
	assert.False(t, view.ShowPayer)
	assert.Empty(t, payerLine(view))
}

func TestRenderRejectsUnknownTemplate(t *testing.T) {
	_, err := New(nil).Render(context.Background(), domain.RenderRequest{
		Template: "fancy",
		Role:     domain.RoleDebtor,
		Receipt:  testReceipt(),
	})
	var renderErr *domain.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, domain.ReasonTemplate, renderErr.Code)
}

func TestRenderHonorsExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := New(nil).Render(ctx, domain.RenderRequest{
		Template: domain.TemplateComplete,
		Role:     domain.RoleDebtor,
		Receipt:  testReceipt(),
	})
	var renderErr *domain.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.True(t, renderErr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
