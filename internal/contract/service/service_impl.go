package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	"github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	notificationdomain "github.com/smallbiznis/signflow/internal/notification/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	"github.com/smallbiznis/signflow/internal/signingtoken"
	"github.com/smallbiznis/signflow/pkg/db/pagination"
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
	Cfg        config.Config
	Repo       domain.Repository
	Codec      *signingtoken.Codec
	Events     eventdomain.Service
	Authz      authorization.Service
	Signatures domain.SignatureStore
	Notifier   notificationdomain.Dispatcher
	Policy     *config.PolicyHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	repo       domain.Repository
	codec      *signingtoken.Codec
	events     eventdomain.Service
	authz      authorization.Service
	signatures domain.SignatureStore
	notifier   notificationdomain.Dispatcher
	policy     *config.PolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("contract.service"),
		genID:      p.GenID,
		clock:      clk,
		cfg:        p.Cfg,
		repo:       p.Repo,
		codec:      p.Codec,
		events:     p.Events,
		authz:      p.Authz,
		signatures: p.Signatures,
		notifier:   p.Notifier,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.SendResult, error) {
	if err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectContract, authorization.ActionContractCreate); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.ErrTitleRequired
	}
	if req.ClientID == 0 {
		return nil, domain.ErrClientRequired
	}
	if err := domain.ValidateAmounts(req.DepositAmount, req.TotalAmount); err != nil {
		return nil, err
	}
	currency := req.Currency
	if strings.TrimSpace(currency) == "" {
		currency = s.cfg.Stripe.Currency
	}
	currency, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.ClientBelongsToCompany(ctx, s.db, req.ClientID, req.Actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrClientRequired
	}

	fields := datatypes.JSONMap{}
	for key, value := range req.FieldValues {
		if strings.TrimSpace(key) == "" {
			continue
		}
		fields[key] = value
	}

	now := s.clock.Now().UTC()
	contract := &domain.Contract{
		ID:             s.genID.Generate(),
		CompanyID:      req.Actor.CompanyID,
		ContractorID:   req.Actor.ContractorID,
		ClientID:       req.ClientID,
		Title:          title,
		Body:           req.Body,
		FieldValues:    fields,
		Currency:       currency,
		DepositAmount:  req.DepositAmount.Round(2),
		TotalAmount:    req.TotalAmount.Round(2),
		Status:         domain.StatusDraft,
		AutoPayEnabled: req.AutoPayEnabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var issued signingtoken.Issued
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, contract); err != nil {
			return err
		}
		if err := s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID: contract.ID,
			CompanyID:  contract.CompanyID,
			EventType:  eventdomain.EventCreated,
			ActorType:  eventdomain.ActorContractor,
			ActorID:    req.Actor.ContractorID.String(),
			Metadata: map[string]any{
				"total_amount":   contract.TotalAmount.StringFixed(2),
				"deposit_amount": contract.DepositAmount.StringFixed(2),
				"currency":       contract.Currency,
			},
		}); err != nil {
			return err
		}
		if !req.SendNow {
			return nil
		}
		issued, err = s.issueAndSend(ctx, tx, contract, req.Actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	log := logger.WithContract(s.log, contract.ID.String())
	log.Info("contract created", zap.Bool("sent", req.SendNow))
	s.recordTransition(ctx, "", domain.StatusDraft)
	if !req.SendNow {
		return &domain.SendResult{Contract: contract}, nil
	}

	s.recordTransition(ctx, domain.StatusDraft, domain.StatusSent)
	return s.afterSend(ctx, contract.ID, issued)
}

func (s *Service) Get(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*domain.Contract, error) {
	return s.loadAuthorized(ctx, actor, id, authorization.ActionContractView)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	filter := domain.ListFilter{CompanyID: req.Actor.CompanyID, Limit: req.Limit() + 1}

	err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectContract, authorization.ActionContractView)
	switch {
	case errors.Is(err, authorization.ErrForbidden):
		// Members only see their own contracts.
		if err := s.authz.AuthorizeOwned(ctx, req.Actor, authorization.ObjectContract, authorization.ActionContractView, req.Actor.ContractorID); err != nil {
			return domain.ListResponse{}, err
		}
		filter.ContractorID = req.Actor.ContractorID
	case err != nil:
		return domain.ListResponse{}, err
	}

	if strings.TrimSpace(req.Status) != "" {
		status, err := domain.ParseStatus(req.Status)
		if err != nil {
			return domain.ListResponse{}, err
		}
		filter.Status = status
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListResponse{}, err
	}
	if cursor != nil {
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}
	page, info := pagination.Page(items, req.Limit(), func(c domain.Contract) string { return c.ID.String() })
	if page == nil {
		page = []domain.Contract{}
	}
	return domain.ListResponse{Contracts: page, PageInfo: info}, nil
}

func (s *Service) MarkReady(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*domain.Contract, error) {
	contract, err := s.loadAuthorized(ctx, actor, id, authorization.ActionContractSend)
	if err != nil {
		return nil, err
	}
	if err := domain.CanTransition(contract.Status, domain.StatusReady); err != nil {
		return nil, err
	}
	if contract.Status == domain.StatusReady {
		return contract, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.MarkReady(ctx, tx, id, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if moved == 0 {
			return domain.ErrInvalidTransition
		}
		return s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID: contract.ID,
			CompanyID:  contract.CompanyID,
			EventType:  eventdomain.EventReady,
			ActorType:  eventdomain.ActorContractor,
			ActorID:    actor.ContractorID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, contract.Status, domain.StatusReady)
	return s.repo.FindByID(ctx, s.db, id)
}

// Send issues a fresh signing link. Sending an already sent contract rotates
// the token and re-sends the email; the old link stops working. Only the
// token hash is stored, so a resend has no raw token to put back in the
// email and must mint a new one even when the current token is still valid.
func (s *Service) Send(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*domain.SendResult, error) {
	contract, err := s.loadAuthorized(ctx, actor, id, authorization.ActionContractSend)
	if err != nil {
		return nil, err
	}
	if err := domain.CanTransition(contract.Status, domain.StatusSent); err != nil {
		return nil, err
	}

	var issued signingtoken.Issued
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		issued, err = s.issueAndSend(ctx, tx, contract, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, contract.Status, domain.StatusSent)
	return s.afterSend(ctx, id, issued)
}

func (s *Service) Cancel(ctx context.Context, actor authorization.Actor, id snowflake.ID, reason string) (*domain.Contract, error) {
	contract, err := s.loadAuthorized(ctx, actor, id, authorization.ActionContractCancel)
	if err != nil {
		return nil, err
	}
	if err := domain.CanTransition(contract.Status, domain.StatusCancelled); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.MarkCancelled(ctx, tx, id, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if moved == 0 {
			return domain.ErrContractClosed
		}
		metadata := map[string]any{"previous_status": string(contract.Status)}
		if reason = strings.TrimSpace(reason); reason != "" {
			metadata["reason"] = reason
		}
		return s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID: contract.ID,
			CompanyID:  contract.CompanyID,
			EventType:  eventdomain.EventCancelled,
			ActorType:  eventdomain.ActorContractor,
			ActorID:    actor.ContractorID.String(),
			Metadata:   metadata,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.WithContract(s.log, id.String()).Info("contract cancelled", zap.String("previous_status", string(contract.Status)))
	s.recordTransition(ctx, contract.Status, domain.StatusCancelled)
	// A draft was never shown to the client.
	if contract.Status != domain.StatusDraft && contract.Status != domain.StatusReady {
		s.notifier.Dispatch(ctx, notificationdomain.Notice{
			Kind:       notificationdomain.KindContractCancelled,
			ContractID: id,
		})
	}
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) issueAndSend(ctx context.Context, tx *gorm.DB, contract *domain.Contract, actor authorization.Actor) (signingtoken.Issued, error) {
	issued, err := s.codec.Issue()
	if err != nil {
		return signingtoken.Issued{}, err
	}
	moved, err := s.repo.MarkSent(ctx, tx, contract.ID, issued.Hash, issued.ExpiresAt, s.clock.Now().UTC())
	if err != nil {
		return signingtoken.Issued{}, err
	}
	if moved == 0 {
		return signingtoken.Issued{}, domain.ErrInvalidTransition
	}

	actorType := eventdomain.ActorContractor
	actorID := actor.ContractorID.String()
	if actor.System {
		actorType, actorID = eventdomain.ActorSystem, ""
	}
	err = s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
		ContractID: contract.ID,
		CompanyID:  contract.CompanyID,
		EventType:  eventdomain.EventSent,
		ActorType:  actorType,
		ActorID:    actorID,
		Metadata: map[string]any{
			"expires_at": issued.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
			"resend":     contract.Status == domain.StatusSent,
		},
	})
	return issued, err
}

func (s *Service) afterSend(ctx context.Context, id snowflake.ID, issued signingtoken.Issued) (*domain.SendResult, error) {
	link := s.signingURL(issued.Raw)
	s.notifier.Dispatch(ctx, notificationdomain.Notice{
		Kind:       notificationdomain.KindContractSent,
		ContractID: id,
		Link:       link,
	})
	contract, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &domain.SendResult{Contract: contract, SigningURL: link}, nil
}

// loadAuthorized hides contracts of other companies behind not found.
func (s *Service) loadAuthorized(ctx context.Context, actor authorization.Actor, id snowflake.ID, action string) (*domain.Contract, error) {
	if id == 0 {
		return nil, domain.ErrContractNotFound
	}
	contract, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if contract == nil || contract.CompanyID != actor.CompanyID {
		return nil, domain.ErrContractNotFound
	}
	if err := s.authz.AuthorizeOwned(ctx, actor, authorization.ObjectContract, action, contract.ContractorID); err != nil {
		return nil, err
	}
	return contract, nil
}

func (s *Service) recordTransition(ctx context.Context, from, to domain.Status) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordContractTransition(ctx, string(from), string(to))
	}
}

func (s *Service) signingURL(raw string) string {
	return s.cfg.PublicBaseURL + "/sign/" + raw
}

func (s *Service) paymentURL(raw string) string {
	return s.cfg.PublicBaseURL + "/pay/" + raw
}
