package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	"github.com/smallbiznis/signflow/internal/observability"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/internal/ratelimit"
	"github.com/smallbiznis/signflow/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret  = "test-secret-for-contractor-tokens"
	testCronSecret = "cron-shared-secret"
)

type fakeContracts struct {
	contractdomain.Service

	created  contractdomain.CreateRequest
	signed   contractdomain.SignRequest
	viewErr  error
	signErr  error
	contract *contractdomain.Contract
}

func (f *fakeContracts) Create(_ context.Context, req contractdomain.CreateRequest) (*contractdomain.SendResult, error) {
	f.created = req
	return &contractdomain.SendResult{Contract: f.contract, SigningURL: "https://app.test/sign/raw-token"}, nil
}

func (f *fakeContracts) Get(_ context.Context, actor authorization.Actor, id snowflake.ID) (*contractdomain.Contract, error) {
	if f.contract == nil || f.contract.ID != id || f.contract.CompanyID != actor.CompanyID {
		return nil, contractdomain.ErrContractNotFound
	}
	return f.contract, nil
}

func (f *fakeContracts) ViewByToken(_ context.Context, _ string) (*contractdomain.Contract, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	return f.contract, nil
}

func (f *fakeContracts) Sign(_ context.Context, _ string, req contractdomain.SignRequest) (*contractdomain.SignResult, error) {
	f.signed = req
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &contractdomain.SignResult{Contract: f.contract, PaymentURL: "https://app.test/pay/raw-token"}, nil
}

type fakePayments struct {
	paymentdomain.Service

	chargeErr error
	charge    *paymentdomain.ChargeResult
	prepared  bool
	confirmed string
}

func (f *fakePayments) ChargeRemaining(_ context.Context, _ authorization.Actor, _ snowflake.ID) (*paymentdomain.ChargeResult, error) {
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.charge, nil
}

func (f *fakePayments) PrepareConfirmation(_ context.Context, _ string) (*paymentdomain.ConfirmationResult, error) {
	f.prepared = true
	return &paymentdomain.ConfirmationResult{PaymentIntentID: "pi_1", ClientSecret: "pi_1_secret"}, nil
}

func (f *fakePayments) ConfirmIntent(_ context.Context, _ string, paymentIntentID string) (*paymentdomain.VerifyResult, error) {
	f.confirmed = paymentIntentID
	return &paymentdomain.VerifyResult{Paid: true, Status: "succeeded"}, nil
}

type fakeWebhooks struct {
	err error
}

func (f *fakeWebhooks) IngestWebhook(context.Context, string, []byte, http.Header) error {
	return f.err
}

type fakeEvents struct {
	eventdomain.Service
}

type fakeJobs struct {
	ran []string
	err error
}

func (f *fakeJobs) RunJob(_ context.Context, name string) error {
	f.ran = append(f.ran, name)
	return f.err
}

type testServer struct {
	srv       *Server
	contracts *fakeContracts
	payments  *fakePayments
	webhooks  *fakeWebhooks
	jobs      *fakeJobs
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.AuthJWTSecret == "" {
		cfg.AuthJWTSecret = testJWTSecret
	}
	contract := &contractdomain.Contract{
		ID:            snowflake.ID(1001),
		CompanyID:     snowflake.ID(10),
		ContractorID:  snowflake.ID(20),
		Title:         "Kitchen remodel",
		Currency:      "usd",
		DepositAmount: decimal.RequireFromString("250.00"),
		TotalAmount:   decimal.RequireFromString("1000.00"),
		Status:        contractdomain.StatusSent,
	}

	ts := &testServer{
		contracts: &fakeContracts{contract: contract},
		payments:  &fakePayments{},
		webhooks:  &fakeWebhooks{},
		jobs:      &fakeJobs{},
	}
	ts.srv = &Server{
		engine:      NewEngine(observability.Config{}),
		cfg:         cfg,
		log:         zap.NewNop(),
		contractSvc: ts.contracts,
		paymentSvc:  ts.payments,
		webhookSvc:  ts.webhooks,
		eventSvc:    &fakeEvents{},
		limiter:     ratelimit.NewPublicLimiter(cfg, nil, zap.NewNop()),
		jobs:        ts.jobs,
	}
	ts.srv.RegisterRoutes()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func contractorToken(t *testing.T, method jwt.SigningMethod, subject, companyID string, expiresAt time.Time) string {
	t.Helper()
	claims := ContractorClaims{
		CompanyID: companyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func authedRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	req := jsonRequest(t, method, path, body)
	token := contractorToken(t, jwt.SigningMethodHS256, "20", "10", time.Now().Add(time.Hour))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "signflow-test/1.0")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestContractRoutesRequireBearer(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(jsonRequest(t, http.MethodGet, "/api/contracts/1001", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestAuthRequiredRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	cases := map[string]string{
		"expired":       contractorToken(t, jwt.SigningMethodHS256, "20", "10", time.Now().Add(-time.Hour)),
		"wrong method":  contractorToken(t, jwt.SigningMethodHS512, "20", "10", time.Now().Add(time.Hour)),
		"no subject":    contractorToken(t, jwt.SigningMethodHS256, "", "10", time.Now().Add(time.Hour)),
		"no company id": contractorToken(t, jwt.SigningMethodHS256, "20", "", time.Now().Add(time.Hour)),
		"garbage":       "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := jsonRequest(t, http.MethodGet, "/api/contracts/1001", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := ts.do(req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCreateContractPassesActorAndReturnsSigningURL(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(authedRequest(t, http.MethodPost, "/api/contracts", map[string]any{
		"client_id":      "30",
		"title":          "Kitchen remodel",
		"deposit_amount": "250.00",
		"total_amount":   "1000.00",
		"send":           true,
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := ts.contracts.created
	assert.Equal(t, snowflake.ID(20), got.Actor.ContractorID)
	assert.Equal(t, snowflake.ID(10), got.Actor.CompanyID)
	assert.Equal(t, snowflake.ID(30), got.ClientID)
	assert.True(t, got.SendNow)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("1000")))
	assert.Contains(t, rec.Body.String(), `"signing_url":"https://app.test/sign/raw-token"`)
}

func TestCreateContractRejectsBadClientID(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(authedRequest(t, http.MethodPost, "/api/contracts", map[string]any{
		"client_id": "abc",
		"title":     "x",
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "client_id", payload.Errors[0].Field)
}

func TestGetContractOfAnotherCompanyIsNotFound(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.contracts.contract.CompanyID = snowflake.ID(99)

	rec := ts.do(authedRequest(t, http.MethodGet, "/api/contracts/1001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChargeRemainingSurfacesCardDecline(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.payments.chargeErr = &paymentdomain.FailureError{Code: "card_declined", Message: "Your card was declined."}

	rec := ts.do(authedRequest(t, http.MethodPost, "/api/contracts/1001/charge-remaining", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "CARD_DECLINED", payload.Code)
	assert.Equal(t, "Your card was declined.", payload.Message)
}

func TestChargeRemainingHidesConfigurationErrors(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.payments.chargeErr = fmt.Errorf("stripe: api key rejected: %w", paymentdomain.ErrProviderNotConfigured)

	rec := ts.do(authedRequest(t, http.MethodPost, "/api/contracts/1001/charge-remaining", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stripe")
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
}

func TestChargeRemainingPendingIsAccepted(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.payments.charge = &paymentdomain.ChargeResult{PaymentIntentID: "pi_9", Pending: true}

	rec := ts.do(authedRequest(t, http.MethodPost, "/api/contracts/1001/charge-remaining", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "pi_9")
}

func TestSubmitSignatureCapturesClientDetails(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	req := jsonRequest(t, http.MethodPost, "/sign/raw-token", map[string]any{"full_name": "Jane Client"})
	req.RemoteAddr = "203.0.113.7:5555"
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "Jane Client", ts.contracts.signed.FullName)
	assert.Equal(t, "203.0.113.7", ts.contracts.signed.IPAddress)
	assert.Equal(t, "signflow-test/1.0", ts.contracts.signed.UserAgent)
	assert.Contains(t, rec.Body.String(), `"payment_url":"https://app.test/pay/raw-token"`)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSubmitSignatureRequiresName(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(jsonRequest(t, http.MethodPost, "/sign/raw-token", map[string]any{"full_name": "  "}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "full_name", decodeError(t, rec).Errors[0].Field)
}

func TestSigningLinkStates(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{contractdomain.ErrTokenExpired, http.StatusGone},
		{contractdomain.ErrTokenUsed, http.StatusGone},
		{contractdomain.ErrContractClosed, http.StatusGone},
		{contractdomain.ErrInvalidToken, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.contracts.viewErr = tc.err
			rec := ts.do(jsonRequest(t, http.MethodGet, "/sign/raw-token", nil))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestSigningViewHidesInternalFields(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ip := "198.51.100.1"
	pm := "pm_secret"
	ts.contracts.contract.SignerIP = &ip
	ts.contracts.contract.SavedPaymentMethodRef = &pm

	rec := ts.do(jsonRequest(t, http.MethodGet, "/sign/raw-token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Kitchen remodel")
	assert.NotContains(t, body, ip)
	assert.NotContains(t, body, pm)
	assert.NotContains(t, body, "contractor_id")
}

func TestConfirmIntentPhases(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(jsonRequest(t, http.MethodPost, "/pay/raw-token/confirm-intent", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, ts.payments.prepared)
	assert.Contains(t, rec.Body.String(), "pi_1_secret")

	rec = ts.do(jsonRequest(t, http.MethodPost, "/pay/raw-token/confirm-intent", map[string]any{"payment_intent_id": "pi_1"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pi_1", ts.payments.confirmed)
}

func TestPublicRoutesAreRateLimited(t *testing.T) {
	ts := newTestServer(t, config.Config{RateLimit: config.RateLimitConfig{
		Enabled:     true,
		PublicRate:  0.001,
		PublicBurst: 1,
	}})

	first := ts.do(jsonRequest(t, http.MethodGet, "/sign/raw-token", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := ts.do(jsonRequest(t, http.MethodGet, "/sign/raw-token", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, second).Type)
}

func TestPaymentWebhookResponses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"applied", nil, http.StatusOK},
		{"duplicate", paymentdomain.ErrEventAlreadyProcessed, http.StatusOK},
		{"bad signature", paymentdomain.ErrInvalidSignature, http.StatusBadRequest},
		{"unknown provider", paymentdomain.ErrProviderNotFound, http.StatusNotFound},
		{"transient", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.webhooks.err = tc.err
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{"id":"evt_1"}`))
			rec := ts.do(req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestCronEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		req := jsonRequest(t, http.MethodPost, "/internal/cron/autopay", nil)
		req.Header.Set("Authorization", "Bearer anything")
		assert.Equal(t, http.StatusNotFound, ts.do(req).Code)
		assert.Empty(t, ts.jobs.ran)
	})

	t.Run("wrong secret", func(t *testing.T) {
		ts := newTestServer(t, config.Config{CronSecret: testCronSecret})
		req := jsonRequest(t, http.MethodPost, "/internal/cron/autopay", nil)
		req.Header.Set("Authorization", "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)
		assert.Empty(t, ts.jobs.ran)
	})

	t.Run("runs job", func(t *testing.T) {
		ts := newTestServer(t, config.Config{CronSecret: testCronSecret})
		for _, path := range []string{"/internal/cron/autopay", "/internal/cron/pending-sweep"} {
			req := jsonRequest(t, http.MethodPost, path, nil)
			req.Header.Set("Authorization", "Bearer "+testCronSecret)
			assert.Equal(t, http.StatusOK, ts.do(req).Code)
		}
		assert.Equal(t, []string{scheduler.JobAutoPayRemainingBalance, scheduler.JobPendingPaymentSweep}, ts.jobs.ran)
	})
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
		code   string
	}{
		{"forbidden", authorization.ErrForbidden, http.StatusForbidden, "forbidden", ""},
		{"transition", fmt.Errorf("send: %w", contractdomain.ErrInvalidTransition), http.StatusConflict, "conflict", "invalid_contract_transition"},
		{"already signed", contractdomain.ErrAlreadySigned, http.StatusConflict, "conflict", "contract_already_signed"},
		{"reference conflict", paymentdomain.ErrReferenceConflict, http.StatusConflict, "conflict", "provider_reference_conflict"},
		{"deposit", contractdomain.ErrDepositExceedsTotal, http.StatusBadRequest, "validation_error", ""},
		{"requires action", fmt.Errorf("%w: %w", paymentdomain.ErrConfirmationRequired, &paymentdomain.FailureError{Code: "authentication_required"}), http.StatusPaymentRequired, "payment_error", "REQUIRES_ACTION"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.typ, payload.Type)
			assert.Equal(t, tc.code, payload.Code)
		})
	}

	_, payload := mapError(contractdomain.ErrDepositExceedsTotal)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "deposit_amount", payload.Errors[0].Field)
}
