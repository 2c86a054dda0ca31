package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	// SchemaVersion tags the persisted receipt layout.
	SchemaVersion = "1"

	// FiscalCodeAnonymous marks a debtor that cannot receive a document.
	FiscalCodeAnonymous = "ANONIMO"
)

type ReceiptMetadata struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type ReasonError struct {
	Code    ReasonErrorCode `json:"code"`
	Message string          `json:"message"`
}

type CartItem struct {
	Subject   string `json:"subject,omitempty"`
	PayeeName string `json:"payeeName,omitempty"`
}

type EventData struct {
	PayerFiscalCode         string     `json:"payerFiscalCode,omitempty"`
	DebtorFiscalCode        string     `json:"debtorFiscalCode,omitempty"`
	TransactionCreationDate string     `json:"transactionCreationDate,omitempty"`
	Amount                  string     `json:"amount,omitempty"`
	Cart                    []CartItem `json:"cart,omitempty"`
}

type IOMessageData struct {
	IDMessageDebtor string `json:"idMessageDebtor,omitempty"`
	IDMessagePayer  string `json:"idMessagePayer,omitempty"`
}

// Receipt is the generated output for one payment event or one payment cart.
type Receipt struct {
	ID            string
	EventID       string
	SchemaVersion string
	// Version is bumped by every successful save and guards concurrent writers.
	Version int64

	Status ReceiptStatus
	IsCart bool

	EventData     *EventData
	IOMessageData *IOMessageData

	MdAttach      *ReceiptMetadata
	MdAttachPayer *ReceiptMetadata

	NumRetry             int
	NotificationNumRetry int
	ReasonErr            *ReasonError
	ReasonErrPayer       *ReasonError

	InsertedAt  int64
	GeneratedAt int64
	NotifiedAt  int64
}

func NewReceipt(eventID string, data *EventData, isCart bool, now time.Time) *Receipt {
	return &Receipt{
		ID:            eventID + "-" + uuid.NewString(),
		EventID:       eventID,
		SchemaVersion: SchemaVersion,
		Status:        ReceiptStatusInserted,
		IsCart:        isCart,
		EventData:     data,
		InsertedAt:    now.UnixMilli(),
	}
}

// DocumentRole identifies which recipient a rendered document belongs to.
type DocumentRole string

const (
	RoleDebtor DocumentRole = "debtor"
	RolePayer  DocumentRole = "payer"
)

func (r DocumentRole) Suffix() string {
	if r == RolePayer {
		return "p"
	}
	return "d"
}

func ParseDocumentRole(raw string) (DocumentRole, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleDebtor), "d":
		return RoleDebtor, true
	case string(RolePayer), "p":
		return RolePayer, true
	default:
		return "", false
	}
}

// TemplateRef selects the receipt layout handed to the renderer.
type TemplateRef string

const (
	// TemplateComplete shows payer and debtor details.
	TemplateComplete TemplateRef = "complete"
	// TemplatePartial hides payer details from the debtor copy.
	TemplatePartial TemplateRef = "partial"
)

// Document describes one PDF a receipt needs.
type Document struct {
	Role     DocumentRole
	Template TemplateRef
}

func (r *Receipt) RequiresDebtorDocument() bool {
	if r == nil || r.EventData == nil {
		return false
	}
	cf := strings.TrimSpace(r.EventData.DebtorFiscalCode)
	return cf != "" && cf != FiscalCodeAnonymous
}

func (r *Receipt) RequiresPayerDocument() bool {
	if r == nil || r.EventData == nil {
		return false
	}
	payer := strings.TrimSpace(r.EventData.PayerFiscalCode)
	return payer != "" && payer != strings.TrimSpace(r.EventData.DebtorFiscalCode)
}

// Documents lists the PDFs this receipt must have: the debtor copy unless anonymous,
// plus a payer copy when the payer differs from the debtor.
func (r *Receipt) Documents() []Document {
	payer := r.RequiresPayerDocument()
	docs := make([]Document, 0, 2)
	if r.RequiresDebtorDocument() {
		tmpl := TemplateComplete
		if payer {
			tmpl = TemplatePartial
		}
		docs = append(docs, Document{Role: RoleDebtor, Template: tmpl})
	}
	if payer {
		docs = append(docs, Document{Role: RolePayer, Template: TemplateComplete})
	}
	return docs
}

func (r *Receipt) Attachment(role DocumentRole) *ReceiptMetadata {
	if role == RolePayer {
		return r.MdAttachPayer
	}
	return r.MdAttach
}

func (r *Receipt) SetAttachment(role DocumentRole, meta *ReceiptMetadata) {
	if role == RolePayer {
		r.MdAttachPayer = meta
		return
	}
	r.MdAttach = meta
}

func (r *Receipt) MessageID(role DocumentRole) string {
	if r.IOMessageData == nil {
		return ""
	}
	if role == RolePayer {
		return r.IOMessageData.IDMessagePayer
	}
	return r.IOMessageData.IDMessageDebtor
}

func (r *Receipt) SetMessageID(role DocumentRole, id string) {
	if r.IOMessageData == nil {
		r.IOMessageData = &IOMessageData{}
	}
	if role == RolePayer {
		r.IOMessageData.IDMessagePayer = id
		return
	}
	r.IOMessageData.IDMessageDebtor = id
}

// FiscalCode returns the fiscal code of the recipient of role's document.
func (r *Receipt) FiscalCode(role DocumentRole) string {
	if r.EventData == nil {
		return ""
	}
	if role == RolePayer {
		return r.EventData.PayerFiscalCode
	}
	return r.EventData.DebtorFiscalCode
}

func (r *Receipt) SetReason(role DocumentRole, reason *ReasonError) {
	if role == RolePayer {
		r.ReasonErrPayer = reason
		return
	}
	r.ReasonErr = reason
}

func (r *Receipt) ClearReasons() {
	r.ReasonErr = nil
	r.ReasonErrPayer = nil
}

// HasAllDocuments reports whether every required document has been stored.
func (r *Receipt) HasAllDocuments() bool {
	docs := r.Documents()
	if len(docs) == 0 {
		return false
	}
	for _, doc := range docs {
		meta := r.Attachment(doc.Role)
		if meta == nil || meta.Name == "" || meta.URL == "" {
			return false
		}
	}
	return true
}

// MarkGenerated never moves GeneratedAt backwards.
func (r *Receipt) MarkGenerated(now time.Time) {
	if ms := now.UnixMilli(); ms > r.GeneratedAt {
		r.GeneratedAt = ms
	}
}

func (r *Receipt) MarkNotified(now time.Time) {
	if ms := now.UnixMilli(); ms > r.NotifiedAt {
		r.NotifiedAt = ms
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	if r.EventData != nil {
		data := *r.EventData
		data.Cart = append([]CartItem(nil), r.EventData.Cart...)
		out.EventData = &data
	}
	if r.IOMessageData != nil {
		msg := *r.IOMessageData
		out.IOMessageData = &msg
	}
	out.MdAttach = cloneMetadata(r.MdAttach)
	out.MdAttachPayer = cloneMetadata(r.MdAttachPayer)
	out.ReasonErr = cloneReason(r.ReasonErr)
	out.ReasonErrPayer = cloneReason(r.ReasonErrPayer)
	return &out
}

func cloneMetadata(m *ReceiptMetadata) *ReceiptMetadata {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

func cloneReason(r *ReasonError) *ReasonError {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// CartForReceipt aggregates the payments of one cart until all expected notices arrived.
type CartForReceipt struct {
	ID            string
	CartPaymentID []string
	TotalNotice   int
	Status        CartStatus
	ReasonError   *ReasonError
	Version       int64
	InsertedAt    int64
	DispatchedAt  int64
}

func NewCart(id string, totalNotice int, now time.Time) *CartForReceipt {
	return &CartForReceipt{
		ID:          id,
		TotalNotice: totalNotice,
		Status:      CartStatusInserted,
		InsertedAt:  now.UnixMilli(),
	}
}

func (c *CartForReceipt) HasPayment(paymentID string) bool {
	for _, id := range c.CartPaymentID {
		if id == paymentID {
			return true
		}
	}
	return false
}

// AddPayment keeps CartPaymentID a sorted set. It reports whether the id was new.
func (c *CartForReceipt) AddPayment(paymentID string) bool {
	if c.HasPayment(paymentID) {
		return false
	}
	c.CartPaymentID = append(c.CartPaymentID, paymentID)
	sort.Strings(c.CartPaymentID)
	return true
}

func (c *CartForReceipt) IsComplete() bool {
	return c.TotalNotice > 0 && len(c.CartPaymentID) >= c.TotalNotice
}

func (c *CartForReceipt) Clone() *CartForReceipt {
	if c == nil {
		return nil
	}
	out := *c
	out.CartPaymentID = append([]string(nil), c.CartPaymentID...)
	out.ReasonError = cloneReason(c.ReasonError)
	return &out
}

// ReceiptError records an event that could not be turned into a receipt at all.
type ReceiptError struct {
	ID             string
	BizEventID     string
	MessagePayload string
	MessageError   string
	Status         ReceiptErrorStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotificationMessage asks downstream to tell one recipient their receipt is ready.
type NotificationMessage struct {
	ReceiptID  string           `json:"receiptId"`
	EventID    string           `json:"eventId"`
	Role       DocumentRole     `json:"role"`
	FiscalCode string           `json:"fiscalCode"`
	IsCart     bool             `json:"isCart"`
	Attachment *ReceiptMetadata `json:"attachment"`
}

// GenerationRequest hands an inserted receipt to the asynchronous generation worker.
type GenerationRequest struct {
	ReceiptID string `json:"receiptId"`
	EventID   string `json:"eventId"`
	IsCart    bool   `json:"isCart"`
}

type Artifact struct {
	Content     []byte
	ContentType string
}

type ReceiptSummary struct {
	ID                   string        `json:"id"`
	EventID              string        `json:"event_id"`
	Status               ReceiptStatus `json:"status,omitempty"`
	NumRetry             int           `json:"num_retry"`
	NotificationNumRetry int           `json:"notification_num_retry"`
	Error                string        `json:"error,omitempty"`
}

func (r *Receipt) Summary() ReceiptSummary {
	return ReceiptSummary{
		ID:                   r.ID,
		EventID:              r.EventID,
		Status:               r.Status,
		NumRetry:             r.NumRetry,
		NotificationNumRetry: r.NotificationNumRetry,
	}
}

type RecoveryResult struct {
	ProcessedReceipts []ReceiptSummary `json:"processed_receipts"`
	ErrorCounter      int              `json:"error_counter"`
}

type CartSummary struct {
	ID          string     `json:"id"`
	Status      CartStatus `json:"status"`
	TotalNotice int        `json:"total_notice"`
	Payments    int        `json:"payments"`
	Error       string     `json:"error,omitempty"`
}

func (c *CartForReceipt) Summary() CartSummary {
	return CartSummary{
		ID:          c.ID,
		Status:      c.Status,
		TotalNotice: c.TotalNotice,
		Payments:    len(c.CartPaymentID),
	}
}

type CartRecoveryResult struct {
	ProcessedCarts []CartSummary `json:"processed_carts"`
	ErrorCounter   int           `json:"error_counter"`
}

// BlobName is the deterministic document name, so a re-run overwrites instead of duplicating.
func BlobName(prefix, eventID string, role DocumentRole, insertedAt int64) string {
	if prefix == "" {
		prefix = "pagopa-ricevuta"
	}
	date := time.UnixMilli(insertedAt).UTC().Format("060102")
	return fmt.Sprintf("%s-%s-%s-%s.pdf", prefix, date, slug.Make(eventID), role.Suffix())
}
