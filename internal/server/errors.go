package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/signflow/internal/authorization"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/internal/storage"
	"github.com/smallbiznis/signflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// Card declines are the only provider failure whose message reaches the caller.
const cardDeclinedCode = "CARD_DECLINED"

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	// Configuration problems never leak provider detail.
	if errors.Is(err, paymentdomain.ErrProviderNotConfigured) {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if errors.Is(err, paymentdomain.ErrConfirmationRequired) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_error",
			Code:    "REQUIRES_ACTION",
			Message: "payment requires customer confirmation",
		}
	}

	var failure *paymentdomain.FailureError
	if errors.As(err, &failure) {
		message := strings.TrimSpace(failure.Message)
		if message == "" {
			message = "payment declined"
		}
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_error",
			Code:    cardDeclinedCode,
			Message: message,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isGoneError(err):
		return http.StatusGone, errorPayload{
			Type:    "gone",
			Code:    err.Error(),
			Message: "link is no longer valid",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    conflictCode(err),
			Message: "conflict",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger a type and code pair.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	contractdomain.ErrInvalidStatus,
	contractdomain.ErrInvalidAmount,
	contractdomain.ErrDepositExceedsTotal,
	contractdomain.ErrInvalidCurrency,
	contractdomain.ErrTitleRequired,
	contractdomain.ErrClientRequired,
	contractdomain.ErrSignerRequired,
	contractdomain.ErrSignatureInvalid,
	contractdomain.ErrSignatureTooLarge,
	contractdomain.ErrSignatureType,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidSignature,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrCurrencyMismatch,
	paymentdomain.ErrInvalidCheckoutKind,
	paymentdomain.ErrSessionMismatch,
	paymentdomain.ErrInvalidReference,
}

func isValidationError(err error) bool {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, contractdomain.ErrContractNotFound),
		errors.Is(err, contractdomain.ErrInvalidToken),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrInvalidContract),
		errors.Is(err, storage.ErrObjectNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isGoneError(err error) bool {
	return errors.Is(err, contractdomain.ErrTokenExpired) ||
		errors.Is(err, contractdomain.ErrTokenUsed) ||
		errors.Is(err, contractdomain.ErrContractClosed)
}

var conflictSentinels = []error{
	contractdomain.ErrInvalidTransition,
	contractdomain.ErrAlreadySigned,
	contractdomain.ErrContractNotAvailable,
	paymentdomain.ErrReferenceConflict,
	paymentdomain.ErrContractNotPayable,
	paymentdomain.ErrNothingDue,
	paymentdomain.ErrAutoPayDisabled,
	paymentdomain.ErrNoSavedPaymentMethod,
	paymentdomain.ErrAttemptLimit,
	paymentdomain.ErrPaymentPending,
}

func isConflictError(err error) bool {
	return conflictCode(err) != ""
}

func conflictCode(err error) string {
	for _, sentinel := range conflictSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "deposit_exceeds_total":
		return "deposit_amount"
	case "title_required":
		return "title"
	case "client_required":
		return "client_id"
	case "signer_name_required":
		return "full_name"
	case "signature_invalid", "signature_too_large", "signature_type_not_allowed":
		return "signature"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "deposit_exceeds_total":
		return "deposit cannot exceed the total amount"
	case "signature_too_large":
		return "signature image is too large"
	default:
		if strings.HasSuffix(code, "_required") {
			return "required"
		}
		return "invalid value"
	}
}
