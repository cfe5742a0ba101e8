package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
)

const DefaultTolerance = 5 * time.Minute

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}

	tolerance := DefaultTolerance
	if v, ok := cfg.Config["tolerance"].(time.Duration); ok && v > 0 {
		tolerance = v
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	// Replayed deliveries outside the tolerance window are rejected.
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.now().Sub(time.Unix(unix, 0))
	if age > a.tolerance || age < -a.tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return a.parseCheckoutSession(event, payload)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	PaymentStatus string           `json:"payment_status"`
	PaymentIntent expandable       `json:"payment_intent"`
	Customer      expandable       `json:"customer"`
	AmountTotal   int64            `json:"amount_total"`
	Currency      string           `json:"currency"`
	URL           string           `json:"url"`
	Created       int64            `json:"created"`
	Metadata      map[string]any   `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	ClientSecret     string         `json:"client_secret"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	Currency         string         `json:"currency"`
	Customer         expandable     `json:"customer"`
	PaymentMethod    expandable     `json:"payment_method"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *stripeError   `json:"last_payment_error"`
}

type stripeError struct {
	Type          string     `json:"type"`
	Code          string     `json:"code"`
	DeclineCode   string     `json:"decline_code"`
	Message       string     `json:"message"`
	PaymentIntent expandable `json:"payment_intent"`
}

func (e *stripeError) toDomain(status int) *paymentdomain.ProviderError {
	if e == nil {
		return nil
	}
	return &paymentdomain.ProviderError{
		HTTPStatus:      status,
		Type:            strings.TrimSpace(e.Type),
		Code:            strings.TrimSpace(e.Code),
		DeclineCode:     strings.TrimSpace(e.DeclineCode),
		Message:         strings.TrimSpace(e.Message),
		PaymentIntentID: e.PaymentIntent.ID,
	}
}

// expandable decodes a Stripe field that is either an id or an object.
type expandable struct {
	ID  string
	Raw json.RawMessage
}

func (e *expandable) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// Delayed methods complete the session before funds move; the
	// async_payment_succeeded event follows.
	if session.PaymentStatus != "paid" {
		return nil, paymentdomain.ErrEventIgnored
	}
	if session.PaymentIntent.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	contractID, err := parseContractID(session.Metadata)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   event.ID,
		ProviderEventType: event.Type,
		Type:              paymentdomain.EventTypePaymentSucceeded,
		ProviderReference: session.PaymentIntent.ID,
		ContractID:        contractID,
		Amount:            paymentdomain.FromMinorUnits(session.AmountTotal),
		Currency:          strings.ToLower(strings.TrimSpace(session.Currency)),
		AutoPay:           readMetadataValue(session.Metadata, "auto_pay") == "true",
		CustomerRef:       session.Customer.ID,
		ProviderStatus:    session.PaymentStatus,
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	contractID, err := parseContractID(intent.Metadata)
	if err != nil {
		return nil, err
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	out := &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   event.ID,
		ProviderEventType: event.Type,
		Type:              eventType,
		ProviderReference: intent.ID,
		ContractID:        contractID,
		Amount:            paymentdomain.FromMinorUnits(amount),
		Currency:          strings.ToLower(strings.TrimSpace(intent.Currency)),
		AutoPay:           readMetadataValue(intent.Metadata, "auto_pay") == "true",
		CustomerRef:       intent.Customer.ID,
		PaymentMethodRef:  intent.PaymentMethod.ID,
		ProviderStatus:    intent.Status,
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}
	if intent.LastPaymentError != nil {
		out.FailureMessage = strings.TrimSpace(intent.LastPaymentError.Message)
	}
	return out, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseContractID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "contract_id")
	if raw == "" {
		return 0, paymentdomain.ErrInvalidContract
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidContract
	}
	return id, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case bool:
		return strconv.FormatBool(cast)
	}
	return ""
}

func stringMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for key := range metadata {
		out[key] = readMetadataValue(metadata, key)
	}
	return out
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
