package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	"github.com/smallbiznis/signflow/internal/observability"
	obslogger "github.com/smallbiznis/signflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/signflow/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/internal/ratelimit"
	"github.com/smallbiznis/signflow/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves HTTP. Binaries include core.Module and ratelimit.Module
// alongside it.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
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
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// JobRunner runs a named scheduler job on demand.
type JobRunner interface {
	RunJob(ctx context.Context, name string) error
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	contractSvc contractdomain.Service
	paymentSvc  paymentdomain.Service
	webhookSvc  paymentdomain.WebhookService
	eventSvc    eventdomain.Service
	limiter     *ratelimit.PublicLimiter
	obsMetrics  *obsmetrics.Metrics
	jobs        JobRunner
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	ContractSvc contractdomain.Service
	PaymentSvc  paymentdomain.Service
	WebhookSvc  paymentdomain.WebhookService
	EventSvc    eventdomain.Service
	Limiter     *ratelimit.PublicLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics      `optional:"true"`
	Scheduler   *scheduler.Scheduler     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http"),
		contractSvc: p.ContractSvc,
		paymentSvc:  p.PaymentSvc,
		webhookSvc:  p.WebhookSvc,
		eventSvc:    p.EventSvc,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
	}
	// A nil *Scheduler in the interface would look non-nil to the cron handlers.
	if p.Scheduler != nil {
		s.jobs = p.Scheduler
	}
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.registerAPIRoutes()
	s.registerPublicRoutes()
	s.registerProviderRoutes()
	s.registerInternalRoutes()
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	// -------- Contracts --------
	api.POST("/contracts", s.CreateContract)
	api.GET("/contracts", s.ListContracts)
	api.GET("/contracts/:id", s.GetContract)
	api.GET("/contracts/:id/events", s.ListContractEvents)
	api.GET("/contracts/:id/payments", s.GetContractPayments)
	api.POST("/contracts/:id/ready", s.MarkContractReady)
	api.POST("/contracts/:id/send", s.SendContract)
	api.POST("/contracts/:id/cancel", s.CancelContract)

	// -------- Payments --------
	api.POST("/contracts/:id/charge-remaining", s.ChargeRemaining)
}

func (s *Server) registerPublicRoutes() {
	sign := s.engine.Group("/sign")
	sign.GET("/:token", s.PublicRateLimit("sign_view"), s.GetSigningView)
	sign.POST("/:token", s.PublicRateLimit("sign_submit"), s.SubmitSignature)
	sign.GET("/:token/signature", s.PublicRateLimit("sign_view"), s.GetSignatureImage)

	pay := s.engine.Group("/pay")
	pay.GET("/:token", s.PublicRateLimit("pay_view"), s.GetPaymentView)
	pay.POST("/:token/checkout", s.PublicRateLimit("pay_checkout"), s.CreateCheckout)
	pay.POST("/:token/verify", s.PublicRateLimit("pay_verify"), s.VerifyCheckout)
	pay.POST("/:token/confirm-intent", s.PublicRateLimit("pay_confirm"), s.ConfirmIntent)
}

func (s *Server) registerProviderRoutes() {
	s.engine.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerInternalRoutes() {
	cron := s.engine.Group("/internal/cron", s.CronAuthRequired())
	cron.POST("/autopay", s.RunCronJob(scheduler.JobAutoPayRemainingBalance))
	cron.POST("/pending-sweep", s.RunCronJob(scheduler.JobPendingPaymentSweep))
}
