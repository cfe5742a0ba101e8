package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
)

// Signature images are capped well above the policy limit; the service
// enforces the real bound.
const maxSignBodyBytes = 4 << 20

type signContractRequest struct {
	FullName  string `json:"full_name"`
	Signature string `json:"signature"`
}

// publicContractView is what a token holder may see. Internal references and
// signer network details stay out.
type publicContractView struct {
	ID             snowflake.ID          `json:"id"`
	Title          string                `json:"title"`
	Body           string                `json:"body"`
	FieldValues    map[string]any        `json:"field_values"`
	Currency       string                `json:"currency"`
	DepositAmount  decimal.Decimal       `json:"deposit_amount"`
	TotalAmount    decimal.Decimal       `json:"total_amount"`
	Status         contractdomain.Status `json:"status"`
	SignerName     *string               `json:"signer_name,omitempty"`
	SignedAt       *time.Time            `json:"signed_at,omitempty"`
	LinkExpiresAt  *time.Time            `json:"link_expires_at,omitempty"`
	HasSignature   bool                  `json:"has_signature"`
	AutoPayEnabled bool                  `json:"auto_pay_enabled"`
}

func newPublicContractView(c *contractdomain.Contract) publicContractView {
	return publicContractView{
		ID:             c.ID,
		Title:          c.Title,
		Body:           c.Body,
		FieldValues:    c.FieldValues,
		Currency:       c.Currency,
		DepositAmount:  c.DepositAmount,
		TotalAmount:    c.TotalAmount,
		Status:         c.Status,
		SignerName:     c.SignerName,
		SignedAt:       c.SignedAt,
		LinkExpiresAt:  c.SigningTokenExpiresAt,
		HasSignature:   c.SignatureObjectKey != nil && *c.SignatureObjectKey != "",
		AutoPayEnabled: c.AutoPayEnabled,
	}
}

func (s *Server) GetSigningView(c *gin.Context) {
	contract, err := s.contractSvc.ViewByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextContractIDKey, contract.ID.String())
	noStore(c)

	c.JSON(http.StatusOK, gin.H{"data": newPublicContractView(contract)})
}

// SubmitSignature records the client's acceptance. Resubmitting as the same
// signer returns the stored confirmation.
func (s *Server) SubmitSignature(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSignBodyBytes)

	var req signContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.FullName) == "" {
		AbortWithError(c, contractdomain.ErrSignerRequired)
		return
	}

	res, err := s.contractSvc.Sign(c.Request.Context(), c.Param("token"), contractdomain.SignRequest{
		FullName:         req.FullName,
		SignatureDataURL: req.Signature,
		IPAddress:        c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextContractIDKey, res.Contract.ID.String())
	noStore(c)

	c.JSON(http.StatusOK, gin.H{
		"data":           newPublicContractView(res.Contract),
		"already_signed": res.AlreadySigned,
		"payment_url":    res.PaymentURL,
	})
}

func (s *Server) GetSignatureImage(c *gin.Context) {
	data, contentType, err := s.contractSvc.Signature(c.Request.Context(), c.Param("token"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	noStore(c)
	c.Data(http.StatusOK, contentType, data)
}

// Token pages must not be cached by shared proxies.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Referrer-Policy", "no-referrer")
}
