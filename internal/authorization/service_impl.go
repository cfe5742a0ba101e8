package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const ObjectContract = "contract"

const (
	ActionContractView   = "contract.view"
	ActionContractCreate = "contract.create"
	ActionContractSend   = "contract.send"
	ActionContractCancel = "contract.cancel"
	ActionPaymentCharge  = "payment.charge"

	ownSuffix = ".own"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

// NewMemoryEnforcer builds an enforcer without persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object, action string) error {
	subject, domain, err := s.prepare(ctx, actor, object, action)
	if err != nil {
		return err
	}
	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) AuthorizeOwned(ctx context.Context, actor Actor, object, action string, ownerID snowflake.ID) error {
	subject, domain, err := s.prepare(ctx, actor, object, action)
	if err != nil {
		return err
	}
	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed && !actor.System && ownerID != 0 && ownerID == actor.ContractorID {
		allowed, err = s.enforcer.Enforce(subject, domain, object, action+ownSuffix)
		if err != nil {
			return err
		}
	}
	if !allowed {
		s.logDenied(actor, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) prepare(ctx context.Context, actor Actor, object, action string) (string, string, error) {
	if actor.CompanyID == 0 {
		return "", "", ErrInvalidCompany
	}
	if !actor.System && actor.ContractorID == 0 {
		return "", "", ErrInvalidActor
	}
	if strings.TrimSpace(object) == "" {
		return "", "", ErrInvalidObject
	}
	if strings.TrimSpace(action) == "" {
		return "", "", ErrInvalidAction
	}

	roleName := "role:system"
	if !actor.System {
		role, err := s.roleForContractor(ctx, actor.CompanyID, actor.ContractorID)
		if err != nil {
			return "", "", err
		}
		roleName = fmt.Sprintf("role:%s", strings.ToLower(role))
	}

	subject := actor.Subject()
	domain := fmt.Sprintf("company:%s", actor.CompanyID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return "", "", err
	}
	return subject, domain, nil
}

func (s *ServiceImpl) roleForContractor(ctx context.Context, companyID, contractorID snowflake.ID) (string, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM contractors
		 WHERE company_id = ? AND id = ?
		 LIMIT 1`,
		companyID,
		contractorID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

// ensureGrouping keeps exactly one role link per subject and domain, so a
// role change in contractors takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject, roleName, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) logDenied(actor Actor, object, action string) {
	s.log.Info("authorization denied",
		zap.String("subject", actor.Subject()),
		zap.String("company_id", actor.CompanyID.String()),
		zap.String("object", object),
		zap.String("action", action),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members work on their own contracts only.
		{"role:member", ObjectContract, ActionContractCreate},
		{"role:member", ObjectContract, ActionContractView + ownSuffix},
		{"role:member", ObjectContract, ActionContractSend + ownSuffix},

		{"role:admin", ObjectContract, ActionContractView},
		{"role:admin", ObjectContract, ActionContractCreate},
		{"role:admin", ObjectContract, ActionContractSend},
		{"role:admin", ObjectContract, ActionContractCancel},
		{"role:admin", ObjectContract, ActionPaymentCharge},

		{"role:owner", ObjectContract, "*"},

		// Scheduler and CLI.
		{"role:system", ObjectContract, ActionContractView},
		{"role:system", ObjectContract, ActionPaymentCharge},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
