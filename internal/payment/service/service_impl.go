package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	notificationdomain "github.com/smallbiznis/signflow/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Repo        domain.Repository
	Contracts   contractdomain.Repository
	ContractSvc contractdomain.Service
	Events      eventdomain.Service
	Authz       authorization.Service
	Notifier    notificationdomain.Dispatcher
	Gateway     domain.Gateway                `optional:"true"`
	Directory   notificationdomain.Directory  `optional:"true"`
	Policy      *config.PolicyHolder          `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	repo        domain.Repository
	contracts   contractdomain.Repository
	contractSvc contractdomain.Service
	events      eventdomain.Service
	authz       authorization.Service
	notifier    notificationdomain.Dispatcher
	gateway     domain.Gateway
	directory   notificationdomain.Directory
	policy      *config.PolicyHolder
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       clk,
		cfg:         p.Cfg,
		repo:        p.Repo,
		contracts:   p.Contracts,
		contractSvc: p.ContractSvc,
		events:      p.Events,
		authz:       p.Authz,
		notifier:    p.Notifier,
		gateway:     p.Gateway,
		directory:   p.Directory,
		policy:      p.Policy,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Summary(ctx context.Context, contractID snowflake.ID) (domain.Summary, error) {
	contract, err := s.contracts.FindByID(ctx, s.db, contractID)
	if err != nil {
		return domain.Summary{}, err
	}
	if contract == nil {
		return domain.Summary{}, contractdomain.ErrContractNotFound
	}
	payments, err := s.repo.ListByContract(ctx, s.db, contractID)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.NewSummary(contract, payments), nil
}

func (s *Service) SummaryByToken(ctx context.Context, token string) (domain.Summary, error) {
	contract, err := s.payableByToken(ctx, token)
	if err != nil {
		return domain.Summary{}, err
	}
	payments, err := s.repo.ListByContract(ctx, s.db, contract.ID)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.NewSummary(contract, payments), nil
}

// payableByToken resolves the pay link. Payment opens once the contract is
// signed and stays readable after completion.
func (s *Service) payableByToken(ctx context.Context, token string) (*contractdomain.Contract, error) {
	contract, err := s.contractSvc.ViewByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !contract.Status.AtLeastSigned() {
		return nil, domain.ErrContractNotPayable
	}
	if !contract.RequiresPayment() {
		return nil, domain.ErrNothingDue
	}
	return contract, nil
}

func (s *Service) requireGateway() error {
	if s.gateway == nil {
		return domain.ErrProviderNotConfigured
	}
	return nil
}

func (s *Service) currentPolicy() config.Policy {
	if s.policy == nil {
		return config.DefaultPolicy()
	}
	return s.policy.Get()
}

func (s *Service) recordReconcile(ctx context.Context, source domain.Source, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReconcile(ctx, string(source), outcome)
	}
}

func (s *Service) recordFailure(ctx context.Context, source domain.Source, reason string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentFailure(ctx, string(source), reason)
	}
}

func (s *Service) recordOverpayment(ctx context.Context, source domain.Source) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordOverpayment(ctx, string(source))
	}
}

func (s *Service) recordTransition(ctx context.Context, from, to contractdomain.Status) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordContractTransition(ctx, string(from), string(to))
	}
}

func providerOrDefault(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ProviderStripe
	}
	return provider
}
