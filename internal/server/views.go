package server

import (
	"time"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

type receiptView struct {
	ID                   string                  `json:"id"`
	EventID              string                  `json:"event_id"`
	Status               domain.ReceiptStatus    `json:"status"`
	IsCart               bool                    `json:"is_cart"`
	NumRetry             int                     `json:"num_retry"`
	NotificationNumRetry int                     `json:"notification_num_retry"`
	Attachment           *domain.ReceiptMetadata `json:"md_attach,omitempty"`
	AttachmentPayer      *domain.ReceiptMetadata `json:"md_attach_payer,omitempty"`
	ReasonErr            *domain.ReasonError     `json:"reason_err,omitempty"`
	ReasonErrPayer       *domain.ReasonError     `json:"reason_err_payer,omitempty"`
	InsertedAt           int64                   `json:"inserted_at"`
	GeneratedAt          int64                   `json:"generated_at,omitempty"`
	NotifiedAt           int64                   `json:"notified_at,omitempty"`
}

func newReceiptView(r *domain.Receipt) *receiptView {
	if r == nil {
		return nil
	}
	return &receiptView{
		ID:                   r.ID,
		EventID:              r.EventID,
		Status:               r.Status,
		IsCart:               r.IsCart,
		NumRetry:             r.NumRetry,
		NotificationNumRetry: r.NotificationNumRetry,
		Attachment:           r.MdAttach,
		AttachmentPayer:      r.MdAttachPayer,
		ReasonErr:            r.ReasonErr,
		ReasonErrPayer:       r.ReasonErrPayer,
		InsertedAt:           r.InsertedAt,
		GeneratedAt:          r.GeneratedAt,
		NotifiedAt:           r.NotifiedAt,
	}
}

type messageView struct {
	MessageID string              `json:"message_id"`
	EventID   string              `json:"event_id"`
	ReceiptID string              `json:"receipt_id"`
	Role      domain.DocumentRole `json:"role"`
}

func newMessageView(r *domain.Receipt, messageID string) *messageView {
	role := domain.RoleDebtor
	if r.MessageID(domain.RolePayer) == messageID {
		role = domain.RolePayer
	}
	return &messageView{
		MessageID: messageID,
		EventID:   r.EventID,
		ReceiptID: r.ID,
		Role:      role,
	}
}

type cartView struct {
	ID            string              `json:"id"`
	Status        domain.CartStatus   `json:"status"`
	TotalNotice   int                 `json:"total_notice"`
	CartPaymentID []string            `json:"cart_payment_id"`
	ReasonError   *domain.ReasonError `json:"reason_error,omitempty"`
	InsertedAt    int64               `json:"inserted_at"`
	DispatchedAt  int64               `json:"dispatched_at,omitempty"`
}

func newCartView(c *domain.CartForReceipt) *cartView {
	if c == nil {
		return nil
	}
	return &cartView{
		ID:            c.ID,
		Status:        c.Status,
		TotalNotice:   c.TotalNotice,
		CartPaymentID: c.CartPaymentID,
		ReasonError:   c.ReasonError,
		InsertedAt:    c.InsertedAt,
		DispatchedAt:  c.DispatchedAt,
	}
}

type receiptErrorView struct {
	ID             string                    `json:"id"`
	BizEventID     string                    `json:"biz_event_id"`
	MessagePayload string                    `json:"message_payload,omitempty"`
	MessageError   string                    `json:"message_error"`
	Status         domain.ReceiptErrorStatus `json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

func newReceiptErrorView(e *domain.ReceiptError) *receiptErrorView {
	if e == nil {
		return nil
	}
	return &receiptErrorView{
		ID:             e.ID,
		BizEventID:     e.BizEventID,
		MessagePayload: e.MessagePayload,
		MessageError:   e.MessageError,
		Status:         e.Status,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}
