package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/contractevent/domain"
	obscontext "github.com/smallbiznis/signflow/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("contractevent.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

func (s *Service) LogEvent(ctx context.Context, req domain.LogEventRequest) error {
	return s.LogEventTx(ctx, s.db, req)
}

func (s *Service) LogEventTx(ctx context.Context, tx *gorm.DB, req domain.LogEventRequest) error {
	if req.ContractID == 0 {
		return domain.ErrInvalidContract
	}
	if strings.TrimSpace(string(req.EventType)) == "" {
		return domain.ErrInvalidEvent
	}

	actorType := req.ActorType
	if actorType == "" {
		actorType = domain.ActorSystem
	}

	payload := datatypes.JSONMap{}
	for key, value := range req.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	event := domain.Event{
		ID:                s.genID.Generate(),
		ContractID:        req.ContractID,
		CompanyID:         req.CompanyID,
		EventType:         req.EventType,
		ActorType:         actorType,
		ActorID:           optionalString(req.ActorID),
		ProviderReference: optionalString(req.ProviderReference),
		Metadata:          payload,
		CreatedAt:         s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, tx, &event); err != nil {
		s.log.Warn("failed to append contract event",
			zap.String("contract_id", req.ContractID.String()),
			zap.String("event_type", string(req.EventType)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, contractID snowflake.ID) ([]domain.Event, error) {
	if contractID == 0 {
		return nil, domain.ErrInvalidContract
	}
	return s.repo.ListByContract(ctx, s.db, contractID)
}

func (s *Service) HasPaymentCompleted(ctx context.Context, tx *gorm.DB, providerReference string) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ExistsForReference(ctx, tx, domain.EventPaymentCompleted, providerReference)
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
