package domain

import (
	"errors"
	"strconv"
	"strings"
)

type EventStatus string

const (
	EventStatusDone     EventStatus = "DONE"
	EventStatusIngested EventStatus = "INGESTED"
	EventStatusNA       EventStatus = "NA"
	EventStatusRetry    EventStatus = "RETRY"
	EventStatusFailed   EventStatus = "FAILED"
)

type UserType string

const (
	UserTypeRegistered UserType = "REGISTERED"
	UserTypeGuest      UserType = "GUEST"
)

var (
	ErrEventNotFound      = errors.New("biz_event_not_found")
	ErrInvalidTotalNotice = errors.New("invalid_total_notice")
)

// BizEvent is the immutable payment event a receipt is generated from.
type BizEvent struct {
	ID                 string              `json:"id"`
	Version            string              `json:"version,omitempty"`
	ReceiptID          string              `json:"receiptId,omitempty"`
	EventStatus        EventStatus         `json:"eventStatus"`
	Debtor             *Subject            `json:"debtor,omitempty"`
	Payer              *Subject            `json:"payer,omitempty"`
	Creditor           *Creditor           `json:"creditor,omitempty"`
	DebtorPosition     *DebtorPosition     `json:"debtorPosition,omitempty"`
	PSP                *PSP                `json:"psp,omitempty"`
	PaymentInfo        *PaymentInfo        `json:"paymentInfo,omitempty"`
	TransferList       []Transfer          `json:"transferList,omitempty"`
	TransactionDetails *TransactionDetails `json:"transactionDetails,omitempty"`
}

type Subject struct {
	FullName                    string `json:"fullName,omitempty"`
	EntityUniqueIdentifierType  string `json:"entityUniqueIdentifierType,omitempty"`
	EntityUniqueIdentifierValue string `json:"entityUniqueIdentifierValue,omitempty"`
}

type Creditor struct {
	IdPA        string `json:"idPA,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	OfficeName  string `json:"officeName,omitempty"`
}

type DebtorPosition struct {
	ModelType    string `json:"modelType,omitempty"`
	NoticeNumber string `json:"noticeNumber,omitempty"`
	IUV          string `json:"iuv,omitempty"`
}

type PSP struct {
	IdPsp string `json:"idPsp,omitempty"`
	Psp   string `json:"psp,omitempty"`
}

type PaymentInfo struct {
	PaymentDateTime       string `json:"paymentDateTime,omitempty"`
	Amount                string `json:"amount,omitempty"`
	PaymentMethod         string `json:"paymentMethod,omitempty"`
	RemittanceInformation string `json:"remittanceInformation,omitempty"`
	TotalNotice           string `json:"totalNotice,omitempty"`
	IUR                   string `json:"IUR,omitempty"`
}

type Transfer struct {
	IdTransfer            string `json:"idTransfer,omitempty"`
	FiscalCodePA          string `json:"fiscalCodePA,omitempty"`
	CompanyName           string `json:"companyName,omitempty"`
	Amount                string `json:"amount,omitempty"`
	RemittanceInformation string `json:"remittanceInformation,omitempty"`
}

type TransactionDetails struct {
	User        *User        `json:"user,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Info        *Info        `json:"info,omitempty"`
}

type User struct {
	FullName   string   `json:"fullName,omitempty"`
	Type       UserType `json:"type,omitempty"`
	FiscalCode string   `json:"fiscalCode,omitempty"`
	Name       string   `json:"name,omitempty"`
	Surname    string   `json:"surname,omitempty"`
}

type Transaction struct {
	TransactionID string `json:"transactionId,omitempty"`
	GrandTotal    int64  `json:"grandTotal,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Fee           int64  `json:"fee,omitempty"`
	CreationDate  string `json:"creationDate,omitempty"`
	Origin        string `json:"origin,omitempty"`
}

type Info struct {
	ClientID          string `json:"clientId,omitempty"`
	Brand             string `json:"brand,omitempty"`
	PaymentMethodName string `json:"paymentMethodName,omitempty"`
}

// TotalNotice returns the number of notices in the payment, defaulting to 1 when absent.
func (e *BizEvent) TotalNotice() (int, error) {
	if e == nil || e.PaymentInfo == nil {
		return 1, nil
	}
	raw := strings.TrimSpace(e.PaymentInfo.TotalNotice)
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrInvalidTotalNotice
	}
	return n, nil
}

// CartID returns the transaction id shared by all events of a payment cart.
func (e *BizEvent) CartID() string {
	if e == nil || e.TransactionDetails == nil || e.TransactionDetails.Transaction == nil {
		return ""
	}
	return strings.TrimSpace(e.TransactionDetails.Transaction.TransactionID)
}

// OrganizationFiscalCode is the fiscal code of the creditor organization.
func (e *BizEvent) OrganizationFiscalCode() string {
	if e == nil || e.Creditor == nil {
		return ""
	}
	return strings.TrimSpace(e.Creditor.IdPA)
}

func (e *BizEvent) IUV() string {
	if e == nil || e.DebtorPosition == nil {
		return ""
	}
	return strings.TrimSpace(e.DebtorPosition.IUV)
}

// TransactionCreationDate prefers the transaction creation date over the payment date.
func (e *BizEvent) TransactionCreationDate() string {
	if e == nil {
		return ""
	}
	if e.TransactionDetails != nil && e.TransactionDetails.Transaction != nil {
		return e.TransactionDetails.Transaction.CreationDate
	}
	if e.PaymentInfo != nil {
		return e.PaymentInfo.PaymentDateTime
	}
	return ""
}
