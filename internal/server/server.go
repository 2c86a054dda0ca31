package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/receiptflow/internal/authorization"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/receiptflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/receiptflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/receiptflow/internal/observability/tracing"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Server exposes the helpdesk operations over HTTP.
type Server struct {
	engine    *gin.Engine
	log       *zap.Logger
	generator domain.Generator
	recovery  domain.Recovery
	carts     domain.CartAggregator
	review    domain.ReceiptErrorService
	blobs     domain.BlobStore
	authzSvc  authorization.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Log       *zap.Logger
	Generator domain.Generator
	Recovery  domain.Recovery
	Carts     domain.CartAggregator
	Review    domain.ReceiptErrorService
	Blobs     domain.BlobStore
	AuthzSvc  authorization.Service
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:    p.Gin,
		log:       log.Named("http.server"),
		generator: p.Generator,
		recovery:  p.Recovery,
		carts:     p.Carts,
		review:    p.Review,
		blobs:     p.Blobs,
		authzSvc:  p.AuthzSvc,
	}

	svc.RegisterHelpdeskRoutes()
	return svc
}

func (s *Server) RegisterHelpdeskRoutes() {
	api := s.engine.Group("/", s.HelpdeskRole())

	api.GET("/receipts/:event_id", s.authorize(authorization.ObjectReceipt, authorization.ActionView), s.GetReceipt)
	api.GET("/receipts/io-message/:message_id", s.authorize(authorization.ObjectReceipt, authorization.ActionView), s.GetReceiptMessage)
	api.GET("/receipts/organizations/:organization_fiscal_code/iuvs/:iuv", s.authorize(authorization.ObjectReceipt, authorization.ActionView), s.GetReceiptByOrganizationAndIUV)
	api.GET("/receipts/:event_id/pdf/:role", s.authorize(authorization.ObjectReceipt, authorization.ActionView), s.GetReceiptPDF)
	api.POST("/receipts/:event_id/ingest", s.authorize(authorization.ObjectReceipt, authorization.ActionGenerate), s.IngestReceipt)
	api.POST("/receipts/:event_id/generate", s.authorize(authorization.ObjectReceipt, authorization.ActionGenerate), s.GenerateReceipt)
	api.POST("/receipts/:event_id/regenerate", s.authorize(authorization.ObjectReceipt, authorization.ActionRegenerate), s.RegenerateReceipt)
	api.POST("/receipts/:event_id/reset", s.authorize(authorization.ObjectReceipt, authorization.ActionReset), s.ResetRetries)

	api.POST("/recover-failed", s.authorize(authorization.ObjectRecovery, authorization.ActionRecover), s.RecoverFailed)
	api.POST("/recover-not-notified", s.authorize(authorization.ObjectRecovery, authorization.ActionRecover), s.RecoverNotNotified)
	api.POST("/recover-failed-carts", s.authorize(authorization.ObjectCart, authorization.ActionRecover), s.RecoverFailedCarts)

	api.GET("/carts/:cart_id", s.authorize(authorization.ObjectCart, authorization.ActionView), s.GetCart)
	api.POST("/carts/:cart_id/items", s.authorize(authorization.ObjectCart, authorization.ActionRecover), s.AddCartItem)

	api.GET("/receipt-errors/:event_id", s.authorize(authorization.ObjectReceiptError, authorization.ActionView), s.GetReceiptError)
	api.POST("/receipt-errors/reviewed", s.authorize(authorization.ObjectReceiptError, authorization.ActionReview), s.MarkAllReviewed)
	api.POST("/receipt-errors/:event_id/reviewed", s.authorize(authorization.ObjectReceiptError, authorization.ActionReview), s.MarkReviewed)
}
