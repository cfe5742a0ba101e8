package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
)

type checkoutRequest struct {
	Kind string `json:"kind"`
}

type verifyCheckoutRequest struct {
	SessionID string `json:"session_id"`
}

type confirmIntentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (s *Server) GetPaymentView(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("token")

	contract, err := s.contractSvc.ViewByToken(ctx, token)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextContractIDKey, contract.ID.String())

	summary, err := s.paymentSvc.SummaryByToken(ctx, token)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	noStore(c)

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"contract": newPublicContractView(contract),
			"summary":  summary,
		},
	})
}

// CreateCheckout opens a hosted checkout session. Kind defaults to the
// deposit while one is still due.
func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	kind := paymentdomain.CheckoutKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = paymentdomain.CheckoutDeposit
	}

	res, err := s.paymentSvc.CreateCheckout(c.Request.Context(), c.Param("token"), kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	noStore(c)

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// VerifyCheckout reconciles a session on return from the hosted page so the
// client sees the outcome before the webhook arrives.
func (s *Server) VerifyCheckout(c *gin.Context) {
	var req verifyCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		AbortWithError(c, newValidationError("session_id", "required", "session_id is required"))
		return
	}

	res, err := s.paymentSvc.VerifyCheckout(c.Request.Context(), c.Param("token"), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	noStore(c)

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// ConfirmIntent has two phases. Without an intent id it prepares one and
// returns the client secret; with an id it reconciles the confirmed intent.
func (s *Server) ConfirmIntent(c *gin.Context) {
	var req confirmIntentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ctx := c.Request.Context()
	token := c.Param("token")
	noStore(c)

	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		res, err := s.paymentSvc.PrepareConfirmation(ctx, token)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
		return
	}

	res, err := s.paymentSvc.ConfirmIntent(ctx, token, intentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
