package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/notification/domain"
	"github.com/smallbiznis/signflow/internal/notification/repository"
	"github.com/smallbiznis/signflow/internal/providers/email"
	"github.com/smallbiznis/signflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *email.RecordingProvider, *Dispatcher) {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.Seed(t, db, 1, 10, 100)
	require.NoError(t, db.Exec(
		`INSERT INTO contracts (id, company_id, contractor_id, client_id, title, currency, status, created_at, updated_at)
		 VALUES (500, 1, 10, 100, 'Kitchen remodel', 'usd', 'sent', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
	).Error)

	rec := &email.RecordingProvider{}
	d := NewSyncDispatcher(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Directory: repository.Provide(),
		Email:     rec,
	})
	return db, rec, d
}

func TestDispatchSentGoesToClientWithLink(t *testing.T) {
	_, rec, d := setup(t)

	d.Dispatch(context.Background(), domain.Notice{
		Kind:       domain.KindContractSent,
		ContractID: snowflake.ID(500),
		Link:       "https://app.test/sign/tok",
	})

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"sam@client.test"}, msgs[0].To)
	assert.Contains(t, msgs[0].HTMLBody, "https://app.test/sign/tok")
}

func TestDispatchPaymentReceivedGoesToBoth(t *testing.T) {
	_, rec, d := setup(t)

	d.Dispatch(context.Background(), domain.Notice{
		Kind:       domain.KindPaymentReceived,
		ContractID: snowflake.ID(500),
		Amount:     decimal.RequireFromString("250"),
		AmountDue:  decimal.RequireFromString("750"),
	})

	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"sam@client.test"}, msgs[0].To)
	assert.Equal(t, []string{"dana@acme.test"}, msgs[1].To)
	assert.Contains(t, msgs[1].HTMLBody, "250.00 USD")
	assert.Contains(t, msgs[1].HTMLBody, "750.00 USD")
}

func TestDispatchPaymentFailedOnlyContractor(t *testing.T) {
	_, rec, d := setup(t)

	d.Dispatch(context.Background(), domain.Notice{
		Kind:       domain.KindPaymentFailed,
		ContractID: snowflake.ID(500),
		Reason:     "Your card was declined.",
	})

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"dana@acme.test"}, msgs[0].To)
}

func TestDispatchSwallowsFailures(t *testing.T) {
	_, rec, d := setup(t)
	rec.Err = errors.New("smtp down")

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), domain.Notice{Kind: domain.KindContractCompleted, ContractID: 500})
		d.Dispatch(context.Background(), domain.Notice{Kind: domain.KindContractCompleted, ContractID: 404})
	})
	assert.Empty(t, rec.Messages())
}

func TestAsyncDispatchDrains(t *testing.T) {
	db, rec, _ := setup(t)
	d := newDispatcher(Params{DB: db, Log: zap.NewNop(), Directory: repository.Provide(), Email: rec}, true)

	d.Dispatch(context.Background(), domain.Notice{Kind: domain.KindContractCancelled, ContractID: 500})
	d.Drain(context.Background())

	require.Len(t, rec.Messages(), 1)
}
