package mapping

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	debtorCF = "RSSMRA80A01H501U"
	payerCF  = "VRDGPP70B02F205X"
)

func testMapper() *Mapper {
	return New(Options{
		ValidOrigins:                   []string{"IO", "CHECKOUT", "WISP"},
		UnwantedRemittanceDescriptions: []string{"pagamento multibeneficiario"},
		EcommerceFilterEnabled:         true,
	})
}

func validEvent(id string) *bizeventdomain.BizEvent {
	return &bizeventdomain.BizEvent{
		ID:          id,
		EventStatus: bizeventdomain.EventStatusDone,
		Debtor:      &bizeventdomain.Subject{EntityUniqueIdentifierValue: debtorCF},
		Creditor:    &bizeventdomain.Creditor{CompanyName: "Comune di Roma"},
		PaymentInfo: &bizeventdomain.PaymentInfo{
			Amount:                "12.50",
			RemittanceInformation: "TARI 2026",
			TotalNotice:           "1",
			PaymentDateTime:       "2026-03-01T10:00:00",
		},
		TransactionDetails: &bizeventdomain.TransactionDetails{
			Transaction: &bizeventdomain.Transaction{
				TransactionID: "tx-1",
				GrandTotal:    1350,
				Amount:        1250,
				CreationDate:  "2026-03-01T09:59:00",
				Origin:        "IO",
			},
			User: &bizeventdomain.User{FiscalCode: payerCF, Type: bizeventdomain.UserTypeRegistered},
		},
	}
}

func TestMapEvent(t *testing.T) {
	data, err := testMapper().MapEvent(validEvent("E1"))
	require.NoError(t, err)

	assert.Equal(t, debtorCF, data.DebtorFiscalCode)
	assert.Equal(t, payerCF, data.PayerFiscalCode)
	assert.Equal(t, "13,50", data.Amount)
	assert.Equal(t, "2026-03-01T09:59:00", data.TransactionCreationDate)
	require.Len(t, data.Cart, 1)
	assert.Equal(t, domain.CartItem{Subject: "TARI 2026", PayeeName: "Comune di Roma"}, data.Cart[0])
}

func TestMapEventRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*bizeventdomain.BizEvent)
	}{
		{"status not done", func(e *bizeventdomain.BizEvent) { e.EventStatus = bizeventdomain.EventStatusNA }},
		{"no valid fiscal code", func(e *bizeventdomain.BizEvent) {
			e.Debtor.EntityUniqueIdentifierValue = "bad"
			e.TransactionDetails.User = nil
		}},
		{"ecommerce client", func(e *bizeventdomain.BizEvent) {
			e.TransactionDetails.Info = &bizeventdomain.Info{ClientID: "CHECKOUT"}
		}},
		{"cart element", func(e *bizeventdomain.BizEvent) { e.PaymentInfo.TotalNotice = "3" }},
		{"bad total notice", func(e *bizeventdomain.BizEvent) { e.PaymentInfo.TotalNotice = "x" }},
		{"legacy cart", func(e *bizeventdomain.BizEvent) {
			e.PaymentInfo.TotalNotice = ""
			e.TransactionDetails.Transaction.Amount = 999
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := validEvent("E1")
			tc.mutate(event)
			_, err := testMapper().MapEvent(event)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMapping))
		})
	}
}

func TestPayerIgnoredFromUnauthenticatedOrigin(t *testing.T) {
	event := validEvent("E1")
	event.TransactionDetails.Transaction.Origin = "UNKNOWN"
	event.Payer = &bizeventdomain.Subject{EntityUniqueIdentifierValue: payerCF}

	data, err := testMapper().MapEvent(event)
	require.NoError(t, err)
	assert.Empty(t, data.PayerFiscalCode)
}

func TestAnonymousDebtorWithPayer(t *testing.T) {
	event := validEvent("E1")
	event.Debtor = nil

	data, err := testMapper().MapEvent(event)
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalCodeAnonymous, data.DebtorFiscalCode)
	assert.Equal(t, payerCF, data.PayerFiscalCode)
}

func TestItemSubjectFallsBackToLargestTransfer(t *testing.T) {
	event := validEvent("E1")
	event.PaymentInfo.RemittanceInformation = "pagamento multibeneficiario"
	event.TransferList = []bizeventdomain.Transfer{
		{Amount: "2.00", RemittanceInformation: "/RFB/small/TXT/small one"},
		{Amount: "10.00", RemittanceInformation: "/RFB/big/TXT/big one"},
		{Amount: "not-a-number", RemittanceInformation: "ignored"},
	}

	assert.Equal(t, "big one", testMapper().ItemSubject(event))
}

func TestMapCart(t *testing.T) {
	events := make([]*bizeventdomain.BizEvent, 0, 3)
	for _, id := range []string{"E1", "E2", "E3"} {
		event := validEvent(id)
		event.PaymentInfo.TotalNotice = "3"
		event.TransactionDetails.Transaction.GrandTotal = 0
		event.PaymentInfo.Amount = "10.10"
		events = append(events, event)
	}

	data, err := testMapper().MapCart("tx-1", events)
	require.NoError(t, err)
	assert.Equal(t, "30,30", data.Amount)
	assert.Len(t, data.Cart, 3)

	_, err = testMapper().MapCart("tx-1", events[:2])
	assert.ErrorIs(t, err, domain.ErrMapping)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.234.567,80", FormatAmount(decimal.RequireFromString("1234567.8")))
	assert.Equal(t, "0,05", FormatAmount(decimal.RequireFromString("0.05")))
	assert.Equal(t, "-12,00", FormatAmount(decimal.RequireFromString("-12")))
}

func TestIsValidFiscalCode(t *testing.T) {
	assert.True(t, IsValidFiscalCode(debtorCF))
	assert.True(t, IsValidFiscalCode("01234567890"))
	assert.False(t, IsValidFiscalCode("ANONIMO"))
	assert.False(t, IsValidFiscalCode(""))
}
