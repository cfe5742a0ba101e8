package authorization

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (Service, func(id int64, role string)) {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.Seed(t, db, 1, 10, 100)

	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)

	svc := NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer})
	addContractor := func(id int64, role string) {
		require.NoError(t, db.Exec(
			`INSERT INTO contractors (id, company_id, name, email, role) VALUES (?, 1, ?, ?, ?)`,
			id, "user", "user@acme.test", role,
		).Error)
	}
	return svc, addContractor
}

func TestOwnerCanDoEverything(t *testing.T) {
	svc, _ := newTestService(t)
	owner := Actor{ContractorID: 10, CompanyID: 1}

	for _, action := range []string{ActionContractView, ActionContractSend, ActionContractCancel, ActionPaymentCharge} {
		assert.NoError(t, svc.Authorize(context.Background(), owner, ObjectContract, action), action)
	}
}

func TestMemberLimitedToOwnContracts(t *testing.T) {
	svc, addContractor := newTestService(t)
	addContractor(11, "member")
	member := Actor{ContractorID: 11, CompanyID: 1}
	ctx := context.Background()

	assert.NoError(t, svc.Authorize(ctx, member, ObjectContract, ActionContractCreate))
	assert.NoError(t, svc.AuthorizeOwned(ctx, member, ObjectContract, ActionContractSend, snowflake.ID(11)))
	assert.ErrorIs(t, svc.AuthorizeOwned(ctx, member, ObjectContract, ActionContractSend, snowflake.ID(10)), ErrForbidden)
	assert.ErrorIs(t, svc.AuthorizeOwned(ctx, member, ObjectContract, ActionContractCancel, snowflake.ID(11)), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, member, ObjectContract, ActionPaymentCharge), ErrForbidden)
}

func TestAdminCannotViewAsUnknownContractor(t *testing.T) {
	svc, _ := newTestService(t)
	stranger := Actor{ContractorID: 999, CompanyID: 1}

	err := svc.Authorize(context.Background(), stranger, ObjectContract, ActionContractView)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRoleChangeTakesEffect(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.Seed(t, db, 1, 10, 100)
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer})
	actor := Actor{ContractorID: 10, CompanyID: 1}
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, actor, ObjectContract, ActionContractCancel))

	require.NoError(t, db.Exec(`UPDATE contractors SET role = 'member' WHERE id = 10`).Error)
	assert.ErrorIs(t, svc.Authorize(ctx, actor, ObjectContract, ActionContractCancel), ErrForbidden)
}

func TestSystemActor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	assert.NoError(t, svc.Authorize(ctx, SystemActor(1), ObjectContract, ActionPaymentCharge))
	assert.ErrorIs(t, svc.Authorize(ctx, SystemActor(0), ObjectContract, ActionPaymentCharge), ErrInvalidCompany)
	assert.ErrorIs(t, svc.Authorize(ctx, Actor{CompanyID: 1}, ObjectContract, ActionContractView), ErrInvalidActor)
}
