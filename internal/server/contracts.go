package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"github.com/smallbiznis/signflow/pkg/db/pagination"
)

type createContractRequest struct {
	ClientID       string          `json:"client_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	FieldValues    map[string]any  `json:"field_values"`
	Currency       string          `json:"currency"`
	DepositAmount  decimal.Decimal `json:"deposit_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	AutoPayEnabled bool            `json:"auto_pay_enabled"`
	Send           bool            `json:"send"`
}

type cancelContractRequest struct {
	Reason string `json:"reason"`
}

// contractResponse carries the signing link only on the call that issued it.
type contractResponse struct {
	*contractdomain.Contract
	SigningURL string `json:"signing_url,omitempty"`
}

func (s *Server) CreateContract(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	clientID, err := snowflake.ParseString(strings.TrimSpace(req.ClientID))
	if err != nil || clientID == 0 {
		AbortWithError(c, newValidationError("client_id", "invalid_client_id", "invalid client_id"))
		return
	}

	res, err := s.contractSvc.Create(c.Request.Context(), contractdomain.CreateRequest{
		Actor:          actor,
		ClientID:       clientID,
		Title:          req.Title,
		Body:           req.Body,
		FieldValues:    req.FieldValues,
		Currency:       req.Currency,
		DepositAmount:  req.DepositAmount,
		TotalAmount:    req.TotalAmount,
		AutoPayEnabled: req.AutoPayEnabled,
		SendNow:        req.Send,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextContractIDKey, res.Contract.ID.String())

	c.JSON(http.StatusCreated, gin.H{"data": contractResponse{Contract: res.Contract, SigningURL: res.SigningURL}})
}

func (s *Server) ListContracts(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.contractSvc.List(c.Request.Context(), contractdomain.ListRequest{
		Actor:      actor,
		Status:     strings.TrimSpace(c.Query("status")),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Contracts, "page_info": resp.PageInfo})
}

func (s *Server) GetContract(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	contract, err := s.contractSvc.Get(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

func (s *Server) ListContractEvents(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := s.contractSvc.Get(ctx, actor, id); err != nil {
		AbortWithError(c, err)
		return
	}
	events, err := s.eventSvc.List(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) GetContractPayments(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := s.contractSvc.Get(ctx, actor, id); err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.paymentSvc.Summary(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) MarkContractReady(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	contract, err := s.contractSvc.MarkReady(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

func (s *Server) SendContract(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	res, err := s.contractSvc.Send(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contractResponse{Contract: res.Contract, SigningURL: res.SigningURL}})
}

func (s *Server) CancelContract(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	var req cancelContractRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	contract, err := s.contractSvc.Cancel(c.Request.Context(), actor, id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

// ChargeRemaining charges the saved instrument for the outstanding balance.
// A pending charge answers 202; the webhook settles it later.
func (s *Server) ChargeRemaining(c *gin.Context) {
	actor, id, ok := s.contractParams(c)
	if !ok {
		return
	}

	res, err := s.paymentSvc.ChargeRemaining(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": res})
}

func (s *Server) contractParams(c *gin.Context) (actor authorization.Actor, id snowflake.ID, ok bool) {
	actor, ok = actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return actor, 0, false
	}
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, ErrNotFound)
		return actor, 0, false
	}
	c.Set(contextContractIDKey, id.String())
	return actor, id, true
}
