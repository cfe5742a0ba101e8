package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCheckoutSessionEncodesForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "contract:1:deposit", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "5000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "1", r.PostForm.Get("payment_intent_data[metadata][contract_id]"))
		assert.Equal(t, "off_session", r.PostForm.Get("payment_intent_data[setup_future_usage]"))
		assert.Equal(t, "always", r.PostForm.Get("customer_creation"))
		_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://checkout.test/cs_1","status":"open","payment_status":"unpaid","amount_total":5000,"currency":"usd","metadata":{"contract_id":"1"}}`))
	}))
	defer srv.Close()

	client := NewClient("sk_test", srv.URL)
	session, err := client.CreateCheckoutSession(context.Background(), paymentdomain.CheckoutSessionParams{
		AmountMinor:    5000,
		Currency:       "USD",
		ProductName:    "Deposit",
		SuccessURL:     "https://app.test/pay/t",
		CancelURL:      "https://app.test/pay/t",
		SaveForOffline: true,
		Metadata:       map[string]string{"contract_id": "1"},
		IdempotencyKey: "contract:1:deposit",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "https://checkout.test/cs_1", session.URL)
	assert.Equal(t, "1", session.Metadata["contract_id"])
}

func TestRetrieveCheckoutSessionExpandsIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "payment_intent", r.URL.Query().Get("expand[]"))
		_, _ = w.Write([]byte(`{"id":"cs_1","status":"complete","payment_status":"paid","amount_total":5000,"currency":"usd","customer":"cus_1","payment_intent":{"id":"pi_1","payment_method":"pm_1","customer":"cus_1"}}`))
	}))
	defer srv.Close()

	session, err := NewClient("sk_test", srv.URL).RetrieveCheckoutSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", session.PaymentIntentID)
	assert.Equal(t, "pm_1", session.PaymentMethodID)
	assert.Equal(t, "cus_1", session.CustomerID)
}

func TestCardErrorIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds.","payment_intent":{"id":"pi_7"}}}`))
	}))
	defer srv.Close()

	_, err := NewClient("sk_test", srv.URL).CreatePaymentIntent(context.Background(), paymentdomain.PaymentIntentParams{
		AmountMinor: 100, Currency: "usd", OffSession: true,
	})
	var providerErr *paymentdomain.ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.True(t, providerErr.IsCardError())
	assert.Equal(t, "pi_7", providerErr.PaymentIntentID)
	assert.Equal(t, "Your card has insufficient funds.", providerErr.Message)
	assert.Equal(t, http.StatusPaymentRequired, providerErr.HTTPStatus)
}

func TestAuthFailureMasksAsNotConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided: sk_live_****"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("sk_bad", srv.URL).RetrievePaymentIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)

	_, err = NewClient("", srv.URL).RetrievePaymentIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
}
