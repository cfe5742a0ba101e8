package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/signflow/internal/config"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type stripeErrorResponse struct {
	Error *stripeError `json:"error"`
}

// Client is the form-encoded Stripe REST client behind paymentdomain.Gateway.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

// NewGateway returns nil when no secret key is configured; callers then
// report ErrProviderNotConfigured.
func NewGateway(cfg config.Config) paymentdomain.Gateway {
	if strings.TrimSpace(cfg.Stripe.SecretKey) == "" {
		return nil
	}
	return NewClient(cfg.Stripe.SecretKey, cfg.Stripe.APIBaseURL)
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params paymentdomain.CheckoutSessionParams) (*paymentdomain.CheckoutSession, error) {
	if params.AmountMinor <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", params.SuccessURL)
	values.Set("cancel_url", params.CancelURL)
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(params.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountMinor, 10))
	values.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	if params.CustomerEmail != "" {
		values.Set("customer_email", params.CustomerEmail)
	}
	for key, value := range params.Metadata {
		values.Set("metadata["+key+"]", value)
		values.Set("payment_intent_data[metadata]["+key+"]", value)
	}
	if params.SaveForOffline {
		values.Set("customer_creation", "always")
		values.Set("payment_intent_data[setup_future_usage]", "off_session")
	}

	var session stripeCheckoutSession
	if err := c.doRequest(ctx, http.MethodPost, "/v1/checkout/sessions", values, params.IdempotencyKey, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return session.toDomain(), nil
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, paymentdomain.ErrInvalidReference
	}
	var session stripeCheckoutSession
	path := "/v1/checkout/sessions/" + url.PathEscape(id) + "?expand[]=payment_intent"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, "", &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	out := session.toDomain()
	if len(session.PaymentIntent.Raw) > 0 {
		var intent stripePaymentIntent
		if err := json.Unmarshal(session.PaymentIntent.Raw, &intent); err == nil {
			out.PaymentMethodID = intent.PaymentMethod.ID
			if out.CustomerID == "" {
				out.CustomerID = intent.Customer.ID
			}
		}
	}
	return out, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params paymentdomain.PaymentIntentParams) (*paymentdomain.PaymentIntent, error) {
	if params.AmountMinor <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	values.Set("currency", strings.ToLower(params.Currency))
	values.Set("payment_method_types[]", "card")
	if params.CustomerID != "" {
		values.Set("customer", params.CustomerID)
	}
	if params.PaymentMethodID != "" {
		values.Set("payment_method", params.PaymentMethodID)
	}
	if params.OffSession {
		values.Set("off_session", "true")
		values.Set("confirm", "true")
	}
	for key, value := range params.Metadata {
		values.Set("metadata["+key+"]", value)
	}

	var intent stripePaymentIntent
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payment_intents", values, params.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return intent.toDomain(), nil
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*paymentdomain.PaymentIntent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, paymentdomain.ErrInvalidReference
	}
	var intent stripePaymentIntent
	if err := c.doRequest(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return intent.toDomain(), nil
}

func (c *Client) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return nil
	}
	var out struct {
		ID string `json:"id"`
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payment_methods/"+url.PathEscape(paymentMethodID)+"/detach", url.Values{}, "", &out)
}

func (c *Client) doRequest(
	ctx context.Context,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	out any,
) error {
	if c.apiKey == "" {
		return paymentdomain.ErrProviderNotConfigured
	}
	var bodyReader *strings.Reader
	if values != nil {
		bodyReader = strings.NewReader(values.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		// A rejected key is a configuration problem, not something to show a payer.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return paymentdomain.ErrProviderNotConfigured
		}
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil || stripeErr.Error == nil {
			return &paymentdomain.ProviderError{HTTPStatus: resp.StatusCode, Message: "stripe_request_failed"}
		}
		return stripeErr.Error.toDomain(resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (s stripeCheckoutSession) toDomain() *paymentdomain.CheckoutSession {
	return &paymentdomain.CheckoutSession{
		ID:              s.ID,
		URL:             s.URL,
		Status:          s.Status,
		PaymentStatus:   s.PaymentStatus,
		PaymentIntentID: s.PaymentIntent.ID,
		CustomerID:      s.Customer.ID,
		AmountTotal:     s.AmountTotal,
		Currency:        strings.ToLower(s.Currency),
		Metadata:        stringMetadata(s.Metadata),
	}
}

func (p stripePaymentIntent) toDomain() *paymentdomain.PaymentIntent {
	out := &paymentdomain.PaymentIntent{
		ID:              p.ID,
		Status:          p.Status,
		ClientSecret:    p.ClientSecret,
		Amount:          p.Amount,
		AmountReceived:  p.AmountReceived,
		Currency:        strings.ToLower(p.Currency),
		CustomerID:      p.Customer.ID,
		PaymentMethodID: p.PaymentMethod.ID,
		Metadata:        stringMetadata(p.Metadata),
	}
	if p.LastPaymentError != nil {
		out.LastError = p.LastPaymentError.toDomain(0)
	}
	return out
}
