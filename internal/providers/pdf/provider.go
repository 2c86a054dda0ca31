package pdf

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/zap"
)

const contentTypePDF = "application/pdf"

// Provider renders receipt documents with maroto.
type Provider struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{log: log.Named("pdf.provider")}
}

type result struct {
	content []byte
	err     error
}

// Render builds the document off the caller goroutine so an expired ctx returns immediately.
func (p *Provider) Render(ctx context.Context, req domain.RenderRequest) (*domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, renderCtxError(req.Role, err)
	}
	view, err := buildView(req)
	if err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		content, err := generate(view)
		done <- result{content: content, err: err}
	}()

	select {
	case <-ctx.Done():
		p.log.Warn("render abandoned",
			zap.String("receipt_id", req.Receipt.ID),
			zap.String("role", string(req.Role)),
			zap.Error(ctx.Err()),
		)
		return nil, renderCtxError(req.Role, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, &domain.RenderError{
				Code:    domain.ReasonPDFEngine,
				Role:    req.Role,
				Message: res.err.Error(),
				Err:     res.err,
			}
		}
		return &domain.Artifact{Content: res.content, ContentType: contentTypePDF}, nil
	}
}

func renderCtxError(role domain.DocumentRole, err error) error {
	return &domain.RenderError{
		Code:    domain.ReasonPDFEngine,
		Role:    role,
		Message: err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

func templateError(req domain.RenderRequest, format string, args ...any) error {
	return &domain.RenderError{
		Code:    domain.ReasonTemplate,
		Role:    req.Role,
		Message: fmt.Sprintf(format, args...),
	}
}
