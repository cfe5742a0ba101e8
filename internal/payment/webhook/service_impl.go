package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/clock"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	"github.com/smallbiznis/signflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	PaymentSvc paymentdomain.Service
	Adapters   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	paymentSvc paymentdomain.Service
	adapters   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, stores and applies one provider delivery. A nil
// return acknowledges the delivery; errors make the provider retry.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider, s.clock.Now)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.recordEvent(ctx, provider, "ignored")
			return nil
		}
		s.log.Warn("payment webhook unparseable", zap.String("provider", provider), zap.Error(err))
		return err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	log := logger.WithContract(s.log, event.ContractID.String()).With(
		zap.String("provider", provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("provider_event_type", event.ProviderEventType),
	)

	record, err := s.storeEvent(ctx, event)
	if err != nil {
		return err
	}
	if record.ProcessedAt != nil {
		log.Info("payment webhook already processed")
		s.recordEvent(ctx, provider, "duplicate")
		return nil
	}

	if err := s.apply(ctx, event); err != nil {
		if errors.Is(err, contractdomain.ErrContractNotFound) {
			// Retrying cannot help; keep the payload for operators.
			log.Error("payment webhook for unknown contract")
		} else {
			log.Error("payment webhook processing failed", zap.Error(err))
			s.recordEvent(ctx, provider, "error")
			return err
		}
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, record.ID, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.recordEvent(ctx, provider, event.Type)
	return nil
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		_, err := s.paymentSvc.ReconcilePayment(ctx, paymentdomain.ReconcileRequest{
			ProviderReference: event.ProviderReference,
			ContractID:        event.ContractID,
			Amount:            event.Amount,
			Currency:          event.Currency,
			Provider:          event.Provider,
			Source:            paymentdomain.SourceWebhook,
			AutoPay:           event.AutoPay,
			CustomerRef:       event.CustomerRef,
			PaymentMethodRef:  event.PaymentMethodRef,
		})
		return err
	case paymentdomain.EventTypePaymentFailed:
		err := s.paymentSvc.RecordFailure(ctx, paymentdomain.FailureRequest{
			ProviderReference: event.ProviderReference,
			ContractID:        event.ContractID,
			Amount:            event.Amount,
			Currency:          event.Currency,
			ProviderStatus:    event.ProviderStatus,
			Message:           event.FailureMessage,
			Source:            paymentdomain.SourceWebhook,
			AutoPay:           event.AutoPay,
		})
		if errors.Is(err, paymentdomain.ErrPaymentFailed) {
			return nil
		}
		return err
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

// storeEvent keeps the raw delivery. A redelivery returns the stored row so
// its processed flag decides whether to run again.
func (s *Service) storeEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	contractID := event.ContractID
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.ProviderEventType,
		ContractID:      &contractID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		return record, nil
	}
	existing, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return existing, nil
}

func (s *Service) recordEvent(ctx context.Context, provider, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, outcome)
	}
}
