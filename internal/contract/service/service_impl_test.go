package service_test

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	"github.com/smallbiznis/signflow/internal/contract/domain"
	"github.com/smallbiznis/signflow/internal/contract/repository"
	"github.com/smallbiznis/signflow/internal/contract/service"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	eventrepo "github.com/smallbiznis/signflow/internal/contractevent/repository"
	eventservice "github.com/smallbiznis/signflow/internal/contractevent/service"
	notificationrepo "github.com/smallbiznis/signflow/internal/notification/repository"
	notificationservice "github.com/smallbiznis/signflow/internal/notification/service"
	"github.com/smallbiznis/signflow/internal/providers/email"
	"github.com/smallbiznis/signflow/internal/signingtoken"
	"github.com/smallbiznis/signflow/internal/storage"
	"github.com/smallbiznis/signflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pngDataURL = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

var owner = authorization.Actor{ContractorID: 10, CompanyID: 1}

type harness struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	svc    domain.Service
	events eventdomain.Service
	mail   *email.RecordingProvider
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.Seed(t, db, 1, 10, 100)

	cfg := config.Config{PublicBaseURL: "https://app.test"}
	cfg.SigningToken.Secret = "test-secret"
	cfg.SigningToken.TTLDays = 7
	cfg.SigningToken.MaxSignatureBytes = 2 << 20
	cfg.Stripe.Currency = "usd"
	for _, m := range mutate {
		m(&cfg)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	codec, err := signingtoken.NewCodec(cfg, clk)
	require.NoError(t, err)
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)

	log := zap.NewNop()
	events := eventservice.NewService(eventservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: eventrepo.Provide()})
	mail := &email.RecordingProvider{}
	notifier := notificationservice.NewSyncDispatcher(notificationservice.Params{
		DB: db, Log: log, Directory: notificationrepo.Provide(), Email: mail,
	})

	svc := service.NewService(service.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Cfg:        cfg,
		Repo:       repository.Provide(),
		Codec:      codec,
		Events:     events,
		Authz:      authorization.NewService(authorization.Params{DB: db, Log: log, Enforcer: enforcer}),
		Signatures: storage.NewDBStore(db, clk),
		Notifier:   notifier,
		Policy:     config.NewStaticPolicyHolder(config.DefaultPolicy()),
	})
	return &harness{db: db, clock: clk, svc: svc, events: events, mail: mail}
}

func (h *harness) createAndSend(t *testing.T) (*domain.Contract, string) {
	t.Helper()
	res, err := h.svc.Create(context.Background(), domain.CreateRequest{
		Actor:         owner,
		ClientID:      100,
		Title:         "Kitchen remodel",
		Body:          "Demolition and cabinets.",
		DepositAmount: decimal.RequireFromString("250"),
		TotalAmount:   decimal.RequireFromString("1000"),
		SendNow:       true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SigningURL)
	return res.Contract, strings.TrimPrefix(res.SigningURL, "https://app.test/sign/")
}

func eventTypes(t *testing.T, h *harness, id snowflake.ID) []eventdomain.EventType {
	t.Helper()
	items, err := h.events.List(context.Background(), id)
	require.NoError(t, err)
	out := make([]eventdomain.EventType, 0, len(items))
	for _, e := range items {
		out = append(out, e.EventType)
	}
	return out
}

func TestCreateAndSendStoresOnlyTokenHash(t *testing.T) {
	h := newHarness(t)
	contract, token := h.createAndSend(t)

	assert.Equal(t, domain.StatusSent, contract.Status)
	assert.Nil(t, contract.SigningToken)
	require.NotNil(t, contract.SigningTokenHash)
	assert.NotEqual(t, token, *contract.SigningTokenHash)
	assert.Equal(t, int64(0), dbtest.Count(t, h.db, `SELECT COUNT(1) FROM contracts WHERE signing_token IS NOT NULL`))
	require.NotNil(t, contract.SigningTokenExpiresAt)
	assert.WithinDuration(t, h.clock.Now().AddDate(0, 0, 7), *contract.SigningTokenExpiresAt, time.Second)

	assert.Equal(t, []eventdomain.EventType{eventdomain.EventCreated, eventdomain.EventSent}, eventTypes(t, h, contract.ID))

	msgs := h.mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"sam@client.test"}, msgs[0].To)
	assert.Contains(t, msgs[0].HTMLBody, "https://app.test/sign/"+token)
}

func TestCreateRejectsDepositAboveTotal(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), domain.CreateRequest{
		Actor:         owner,
		ClientID:      100,
		Title:         "Deck",
		DepositAmount: decimal.RequireFromString("500.01"),
		TotalAmount:   decimal.RequireFromString("500"),
	})
	assert.ErrorIs(t, err, domain.ErrDepositExceedsTotal)
	assert.Equal(t, int64(0), dbtest.Count(t, h.db, `SELECT COUNT(1) FROM contracts`))
}

func TestCreateRejectsClientOfOtherCompany(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Exec(`INSERT INTO clients (id, company_id, name, email) VALUES (200, 2, 'Other', 'o@x.test')`).Error)

	_, err := h.svc.Create(context.Background(), domain.CreateRequest{
		Actor: owner, ClientID: 200, Title: "Deck", TotalAmount: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrClientRequired)
}

func TestSignConsumesTokenAndNotifies(t *testing.T) {
	h := newHarness(t)
	contract, token := h.createAndSend(t)
	h.clock.Advance(time.Hour)

	res, err := h.svc.Sign(context.Background(), token, domain.SignRequest{
		FullName:         "Sam Client",
		SignatureDataURL: pngDataURL,
		IPAddress:        "203.0.113.7",
		UserAgent:        "Mozilla/5.0",
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadySigned)
	assert.Equal(t, domain.StatusSigned, res.Contract.Status)
	assert.Equal(t, "https://app.test/pay/"+token, res.PaymentURL)
	require.NotNil(t, res.Contract.SigningTokenUsedAt)
	require.NotNil(t, res.Contract.SignatureObjectKey)
	assert.Equal(t, int64(1), dbtest.Count(t, h.db, `SELECT COUNT(1) FROM signature_images WHERE object_key = ?`, *res.Contract.SignatureObjectKey))

	assert.Equal(t, []eventdomain.EventType{eventdomain.EventCreated, eventdomain.EventSent, eventdomain.EventSigned}, eventTypes(t, h, contract.ID))

	// sent + signed (client and contractor)
	msgs := h.mail.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "contract_signed", msgs[1].Template)

	data, contentType, err := h.svc.Signature(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.NotEmpty(t, data)
}

func TestSignReplaySameSignerReturnsExistingConfirmation(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)

	first, err := h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "Sam Client"})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	second, err := h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "sam  client"})
	require.NoError(t, err)
	assert.True(t, second.AlreadySigned)
	assert.Equal(t, first.Contract.SignedAt.UTC(), second.Contract.SignedAt.UTC())
	assert.Equal(t, int64(1), dbtest.Count(t, h.db, `SELECT COUNT(1) FROM contract_events WHERE event_type = 'signed'`))

	_, err = h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "Mallory"})
	assert.ErrorIs(t, err, domain.ErrAlreadySigned)
}

func TestSignRequiresName(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)

	_, err := h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "   "})
	assert.ErrorIs(t, err, domain.ErrSignerRequired)
}

func TestSignRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)

	_, err := h.svc.Sign(context.Background(), token, domain.SignRequest{
		FullName:         "Sam Client",
		SignatureDataURL: "data:image/gif;base64,R0lGODlhAQABAAAAACw=",
	})
	assert.ErrorIs(t, err, domain.ErrSignatureType)

	c, err := h.svc.ViewByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, c.Status)
}

func TestExpiredTokenCannotSignOrView(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)
	h.clock.Advance(7*24*time.Hour + time.Second)

	_, err := h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "Sam Client"})
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
	_, err = h.svc.ViewByToken(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestSignedContractViewableAfterExpiry(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)
	_, err := h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "Sam Client"})
	require.NoError(t, err)

	h.clock.Advance(30 * 24 * time.Hour)
	c, err := h.svc.ViewByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, c.Status)
}

func TestResendRotatesToken(t *testing.T) {
	h := newHarness(t)
	contract, oldToken := h.createAndSend(t)

	res, err := h.svc.Send(context.Background(), owner, contract.ID)
	require.NoError(t, err)
	newToken := strings.TrimPrefix(res.SigningURL, "https://app.test/sign/")
	assert.NotEqual(t, oldToken, newToken)
	assert.Equal(t, domain.StatusSent, res.Contract.Status)

	_, err = h.svc.ViewByToken(context.Background(), oldToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	_, err = h.svc.ViewByToken(context.Background(), newToken)
	assert.NoError(t, err)
}

func TestPercentEncodedTokenDecodedOnce(t *testing.T) {
	h := newHarness(t)
	_, token := h.createAndSend(t)

	encoded := fmt.Sprintf("%%%02X", token[0]) + token[1:]
	_, err := h.svc.ViewByToken(context.Background(), encoded)
	assert.NoError(t, err)

	_, err = h.svc.ViewByToken(context.Background(), url.PathEscape(encoded))
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestCancelClosesSigningLink(t *testing.T) {
	h := newHarness(t)
	contract, token := h.createAndSend(t)

	cancelled, err := h.svc.Cancel(context.Background(), owner, contract.ID, "client went elsewhere")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = h.svc.ViewByToken(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrContractClosed)
	_, err = h.svc.Sign(context.Background(), token, domain.SignRequest{FullName: "Sam Client"})
	assert.ErrorIs(t, err, domain.ErrContractClosed)

	_, err = h.svc.Cancel(context.Background(), owner, contract.ID, "")
	assert.ErrorIs(t, err, domain.ErrContractClosed)
	_, err = h.svc.Send(context.Background(), owner, contract.ID)
	assert.ErrorIs(t, err, domain.ErrContractClosed)
}

func TestMarkReadyThenSend(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Create(context.Background(), domain.CreateRequest{
		Actor: owner, ClientID: 100, Title: "Fence", TotalAmount: decimal.NewFromInt(300),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, res.Contract.Status)
	assert.Empty(t, h.mail.Messages())

	ready, err := h.svc.MarkReady(context.Background(), owner, res.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, ready.Status)

	sent, err := h.svc.Send(context.Background(), owner, res.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, sent.Contract.Status)
	assert.Equal(t,
		[]eventdomain.EventType{eventdomain.EventCreated, eventdomain.EventReady, eventdomain.EventSent},
		eventTypes(t, h, res.Contract.ID))
}

func TestLegacyRawTokenLookup(t *testing.T) {
	insertLegacy := func(t *testing.T, db *gorm.DB) {
		expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, db.Exec(
			`INSERT INTO contracts (id, company_id, contractor_id, client_id, title, status, signing_token, signing_token_expires_at, total_amount, created_at, updated_at)
			 VALUES (900, 1, 10, 100, 'Legacy', 'sent', 'legacy-raw-token', ?, '100.00', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
			expires,
		).Error)
	}

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		insertLegacy(t, h.db)
		_, err := h.svc.ViewByToken(context.Background(), "legacy-raw-token")
		assert.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) { c.SigningToken.LegacyLookup = true })
		insertLegacy(t, h.db)
		c, err := h.svc.ViewByToken(context.Background(), "legacy-raw-token")
		require.NoError(t, err)
		assert.Equal(t, snowflake.ID(900), c.ID)

		signed, err := h.svc.Sign(context.Background(), "legacy-raw-token", domain.SignRequest{FullName: "Sam Client"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSigned, signed.Contract.Status)
	})
}

func TestMemberCannotTouchOthersContracts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Exec(`INSERT INTO contractors (id, company_id, name, email, role) VALUES (11, 1, 'Mo', 'mo@acme.test', 'member')`).Error)
	member := authorization.Actor{ContractorID: 11, CompanyID: 1}
	contract, _ := h.createAndSend(t)

	_, err := h.svc.Send(context.Background(), member, contract.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)
	_, err = h.svc.Cancel(context.Background(), member, contract.ID, "")
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	list, err := h.svc.List(context.Background(), domain.ListRequest{Actor: member})
	require.NoError(t, err)
	assert.Empty(t, list.Contracts)

	other := authorization.Actor{ContractorID: 10, CompanyID: 2}
	_, err = h.svc.Get(context.Background(), other, contract.ID)
	assert.ErrorIs(t, err, domain.ErrContractNotFound)
}

func TestListPaginates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.svc.Create(context.Background(), domain.CreateRequest{
			Actor: owner, ClientID: 100, Title: "Job", TotalAmount: decimal.NewFromInt(10),
		})
		require.NoError(t, err)
	}

	req := domain.ListRequest{Actor: owner}
	req.PageSize = 2
	page, err := h.svc.List(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Contracts, 2)
	require.True(t, page.PageInfo.HasMore)

	req.PageToken = page.PageInfo.NextPageToken
	next, err := h.svc.List(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, next.Contracts, 1)
	assert.False(t, next.PageInfo.HasMore)
	assert.Less(t, int64(next.Contracts[0].ID), int64(page.Contracts[1].ID))
}
