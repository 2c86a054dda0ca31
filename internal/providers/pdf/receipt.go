package pdf

import (
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

type receiptView struct {
	Title           string
	ReceiptID       string
	TransactionDate string
	Amount          string
	DebtorCode      string
	PayerCode       string
	ShowPayer       bool
	PSP             string
	Items           []itemView
}

type itemView struct {
	Subject      string
	PayeeName    string
	NoticeNumber string
	IUR          string
	Amount       string
}

// buildView selects what a template may show: the partial copy omits the payer.
func buildView(req domain.RenderRequest) (receiptView, error) {
	if req.Receipt == nil || req.Receipt.EventData == nil {
		return receiptView{}, templateError(req, "receipt has no event data")
	}
	switch req.Template {
	case domain.TemplateComplete, domain.TemplatePartial:
	default:
		return receiptView{}, templateError(req, "unknown template %q", req.Template)
	}

	data := req.Receipt.EventData
	view := receiptView{
		Title:           "Payment receipt",
		ReceiptID:       req.Receipt.ID,
		TransactionDate: data.TransactionCreationDate,
		Amount:          data.Amount,
		DebtorCode:      data.DebtorFiscalCode,
		PayerCode:       data.PayerFiscalCode,
		ShowPayer:       req.Template == domain.TemplateComplete && data.PayerFiscalCode != "",
	}
	if req.Receipt.IsCart {
		view.Title = "Payment receipt (cart)"
	}

	for i, item := range data.Cart {
		iv := itemView{Subject: item.Subject, PayeeName: item.PayeeName}
		if i < len(req.Events) {
			enrichItem(&iv, req.Events[i])
		}
		view.Items = append(view.Items, iv)
	}
	if len(req.Events) > 0 && req.Events[0].PSP != nil {
		view.PSP = req.Events[0].PSP.Psp
	}
	return view, nil
}

func enrichItem(iv *itemView, event *bizeventdomain.BizEvent) {
	if event == nil {
		return
	}
	if event.DebtorPosition != nil {
		iv.NoticeNumber = event.DebtorPosition.NoticeNumber
	}
	if event.PaymentInfo != nil {
		iv.IUR = event.PaymentInfo.IUR
		iv.Amount = event.PaymentInfo.Amount
	}
}

func generate(view receiptView) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, view.Title, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt: "+view.ReceiptID, props.Text{Size: 9}),
			text.New("Transaction date: "+view.TransactionDate, props.Text{Top: 5, Size: 9}),
			text.New("PSP: "+view.PSP, props.Text{Top: 10, Size: 9}),
		),
		col.New(6).Add(
			text.New("Debtor: "+view.DebtorCode, props.Text{Size: 9, Align: align.Right}),
			text.New(payerLine(view), props.Text{Top: 5, Size: 9, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, "Amount paid: "+view.Amount+" EUR", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(5, "Subject", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Payee", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Notice", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, item := range view.Items {
		m.AddRow(12,
			text.NewCol(5, item.Subject, props.Text{Size: 9}),
			text.NewCol(3, item.PayeeName, props.Text{Size: 9}),
			text.NewCol(2, item.NoticeNumber, props.Text{Size: 8}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func payerLine(view receiptView) string {
	if !view.ShowPayer || strings.TrimSpace(view.PayerCode) == "" {
		return ""
	}
	return "Payer: " + view.PayerCode
}
