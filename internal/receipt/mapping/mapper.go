package mapping

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

const ecommerceClientID = "CHECKOUT"

var (
	remittanceInformationPattern = regexp.MustCompile(`/TXT/(.*)`)
	personalFiscalCodePattern    = regexp.MustCompile(`^[A-Z]{6}[0-9LMNPQRSTUV]{2}[ABCDEHLMPRST][0-9LMNPQRSTUV]{2}[A-Z][0-9LMNPQRSTUV]{3}[A-Z]$`)
	companyFiscalCodePattern     = regexp.MustCompile(`^[0-9]{11}$`)
)

type Options struct {
	ValidOrigins                   []string
	UnwantedRemittanceDescriptions []string
	EcommerceFilterEnabled         bool
}

// Mapper turns payment events into receipt event data.
type Mapper struct {
	ecommerceFilter bool
	origins         map[string]struct{}
	unwanted        map[string]struct{}
}

func New(opts Options) *Mapper {
	m := &Mapper{
		ecommerceFilter: opts.EcommerceFilterEnabled,
		origins:         make(map[string]struct{}, len(opts.ValidOrigins)),
		unwanted:        make(map[string]struct{}, len(opts.UnwantedRemittanceDescriptions)),
	}
	for _, origin := range opts.ValidOrigins {
		m.origins[strings.ToUpper(strings.TrimSpace(origin))] = struct{}{}
	}
	for _, desc := range opts.UnwantedRemittanceDescriptions {
		m.unwanted[strings.TrimSpace(desc)] = struct{}{}
	}
	return m
}

func NewFromConfig(cfg config.Config) *Mapper {
	return New(Options{
		ValidOrigins:                   cfg.Receipt.ValidOrigins,
		UnwantedRemittanceDescriptions: cfg.Receipt.UnwantedRemittanceDescriptions,
		EcommerceFilterEnabled:         true,
	})
}

// MapEvent validates a single payment event and builds its receipt data.
func (m *Mapper) MapEvent(event *bizeventdomain.BizEvent) (*domain.EventData, error) {
	if err := m.validate(event, false); err != nil {
		return nil, err
	}

	amount, err := Amount(event)
	if err != nil {
		return nil, &domain.MappingError{EventID: event.ID, Reason: err.Error()}
	}

	data := m.subjects(event)
	data.TransactionCreationDate = event.TransactionCreationDate()
	if !amount.IsZero() {
		data.Amount = FormatAmount(amount)
	}
	data.Cart = []domain.CartItem{m.cartItem(event)}
	return data, nil
}

// MapCart builds one receipt out of every event of a payment cart.
func (m *Mapper) MapCart(cartID string, events []*bizeventdomain.BizEvent) (*domain.EventData, error) {
	if len(events) == 0 {
		return nil, &domain.MappingError{EventID: cartID, Reason: "cart has no events"}
	}

	first := events[0]
	total, err := first.TotalNotice()
	if err != nil {
		return nil, &domain.MappingError{EventID: cartID, Reason: err.Error()}
	}
	if total != len(events) {
		return nil, &domain.MappingError{
			EventID: cartID,
			Reason:  fmt.Sprintf("cart expects %d notices, found %d", total, len(events)),
		}
	}

	sum := decimal.Zero
	items := make([]domain.CartItem, 0, len(events))
	for _, event := range events {
		if err := m.validate(event, true); err != nil {
			return nil, err
		}
		amount, err := Amount(event)
		if err != nil {
			return nil, &domain.MappingError{EventID: event.ID, Reason: err.Error()}
		}
		sum = sum.Add(amount)
		items = append(items, m.cartItem(event))
	}

	data := m.subjects(first)
	data.TransactionCreationDate = first.TransactionCreationDate()
	if !sum.IsZero() {
		data.Amount = FormatAmount(sum)
	}
	data.Cart = items
	return data, nil
}

func (m *Mapper) validate(event *bizeventdomain.BizEvent, inCart bool) error {
	if event == nil {
		return &domain.MappingError{Reason: "event is nil"}
	}
	reject := func(format string, args ...any) error {
		return &domain.MappingError{EventID: event.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if event.EventStatus != bizeventdomain.EventStatusDone && event.EventStatus != bizeventdomain.EventStatusIngested {
		return reject("event in status %s", event.EventStatus)
	}

	data := m.subjects(event)
	if data.DebtorFiscalCode == domain.FiscalCodeAnonymous && data.PayerFiscalCode == "" {
		return reject("debtor and payer identifiers are missing or not valid")
	}

	if m.ecommerceFilter && event.TransactionDetails != nil && event.TransactionDetails.Info != nil &&
		event.TransactionDetails.Info.ClientID == ecommerceClientID {
		return reject("event comes from e-commerce client %s", event.TransactionDetails.Info.ClientID)
	}

	if !isCurrentCartModel(event) {
		return reject("invalid amount or legacy cart element")
	}

	total, err := event.TotalNotice()
	if err != nil {
		return reject("invalid total notice %q", event.PaymentInfo.TotalNotice)
	}
	if !inCart && total > 1 {
		return reject("event is part of a payment cart (%d total notice)", total)
	}
	return nil
}

// subjects resolves debtor and payer fiscal codes. Payers are only trusted from authenticated origins.
func (m *Mapper) subjects(event *bizeventdomain.BizEvent) *domain.EventData {
	data := &domain.EventData{DebtorFiscalCode: domain.FiscalCodeAnonymous}
	if event.Debtor != nil && IsValidFiscalCode(event.Debtor.EntityUniqueIdentifierValue) {
		data.DebtorFiscalCode = event.Debtor.EntityUniqueIdentifierValue
	}
	if !m.isFromAuthenticatedOrigin(event) {
		return data
	}
	if user := event.TransactionDetails.User; user != nil && IsValidFiscalCode(user.FiscalCode) {
		data.PayerFiscalCode = user.FiscalCode
		return data
	}
	if event.Payer != nil && IsValidFiscalCode(event.Payer.EntityUniqueIdentifierValue) {
		data.PayerFiscalCode = event.Payer.EntityUniqueIdentifierValue
	}
	return data
}

func (m *Mapper) isFromAuthenticatedOrigin(event *bizeventdomain.BizEvent) bool {
	details := event.TransactionDetails
	if details == nil {
		return false
	}

	var origin, clientID string
	if details.Transaction != nil {
		origin = strings.ToUpper(strings.TrimSpace(details.Transaction.Origin))
	}
	if details.Info != nil {
		clientID = strings.ToUpper(strings.TrimSpace(details.Info.ClientID))
	}
	registered := details.User != nil && details.User.Type == bizeventdomain.UserTypeRegistered

	if (origin == ecommerceClientID || clientID == ecommerceClientID) && !registered {
		return false
	}

	_, originOK := m.origins[origin]
	_, clientOK := m.origins[clientID]
	return (origin != "" && originOK) || (clientID != "" && clientOK)
}

func (m *Mapper) cartItem(event *bizeventdomain.BizEvent) domain.CartItem {
	item := domain.CartItem{Subject: m.ItemSubject(event)}
	if event.Creditor != nil {
		item.PayeeName = event.Creditor.CompanyName
	}
	return item
}

// ItemSubject prefers the payment remittance information and falls back to the largest transfer.
func (m *Mapper) ItemSubject(event *bizeventdomain.BizEvent) string {
	if event.PaymentInfo != nil {
		info := event.PaymentInfo.RemittanceInformation
		if _, unwanted := m.unwanted[strings.TrimSpace(info)]; info != "" && !unwanted {
			return info
		}
	}

	var (
		largest    decimal.Decimal
		remittance string
		found      bool
	)
	for _, transfer := range event.TransferList {
		amount, err := decimal.NewFromString(strings.TrimSpace(transfer.Amount))
		if err != nil {
			continue
		}
		if !found || amount.GreaterThan(largest) {
			largest = amount
			remittance = transfer.RemittanceInformation
			found = true
		}
	}
	if !found {
		return ""
	}
	if match := remittanceInformationPattern.FindStringSubmatch(remittance); len(match) == 2 {
		return match[1]
	}
	return remittance
}

// Amount prefers the transaction grand total (euro cents) over the notice amount.
func Amount(event *bizeventdomain.BizEvent) (decimal.Decimal, error) {
	if details := event.TransactionDetails; details != nil && details.Transaction != nil && details.Transaction.GrandTotal != 0 {
		return decimal.New(details.Transaction.GrandTotal, -2), nil
	}
	if event.PaymentInfo != nil && strings.TrimSpace(event.PaymentInfo.Amount) != "" {
		amount, err := decimal.NewFromString(strings.TrimSpace(event.PaymentInfo.Amount))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", event.PaymentInfo.Amount)
		}
		return amount, nil
	}
	return decimal.Zero, nil
}

// FormatAmount renders an amount the way the receipt shows it: "1.234,50".
func FormatAmount(amount decimal.Decimal) string {
	fixed := amount.StringFixed(2)
	negative := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart, fracPart, _ := strings.Cut(fixed, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	out := b.String() + "," + fracPart
	if negative {
		return "-" + out
	}
	return out
}

func IsValidFiscalCode(fiscalCode string) bool {
	if fiscalCode == "" {
		return false
	}
	return personalFiscalCodePattern.MatchString(fiscalCode) || companyFiscalCodePattern.MatchString(fiscalCode)
}

// isCurrentCartModel rejects legacy cart elements, which carry no totalNotice and an amount
// that differs from the transaction amount.
func isCurrentCartModel(event *bizeventdomain.BizEvent) bool {
	if event.PaymentInfo == nil || strings.TrimSpace(event.PaymentInfo.TotalNotice) != "" {
		return true
	}
	details := event.TransactionDetails
	if details == nil || details.Transaction == nil {
		return false
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(event.PaymentInfo.Amount))
	if err != nil {
		return false
	}
	return amount.Equal(decimal.New(details.Transaction.Amount, -2))
}
