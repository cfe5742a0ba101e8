package server

import (
	"crypto/subtle"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/signflow/internal/authorization"
	obscontext "github.com/smallbiznis/signflow/internal/observability/context"
	"go.uber.org/zap"
)

const (
	contextActorKey      = "actor"
	contextContractIDKey = "contract_id"
)

// ContractorClaims is the bearer token minted by the account service.
// The subject is the contractor id.
type ContractorClaims struct {
	CompanyID string `json:"company_id"`
	jwt.RegisteredClaims
}

// AuthRequired authenticates a contractor from an HS256 bearer token.
func (s *Server) AuthRequired() gin.HandlerFunc {
	secret := []byte(s.cfg.AuthJWTSecret)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer := strings.TrimSpace(s.cfg.AuthJWTIssuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			s.log.Error("AUTH_JWT_SECRET not set, rejecting contractor request")
			AbortWithError(c, ErrUnauthorized)
			return
		}
		raw, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := &ContractorClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor, err := actorFromClaims(claims)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = obscontext.WithActor(ctx, "contractor", actor.ContractorID.String())
		ctx = obscontext.WithCompanyID(ctx, actor.CompanyID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func actorFromClaims(claims *ContractorClaims) (authorization.Actor, error) {
	contractorID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
	if err != nil || contractorID == 0 {
		return authorization.Actor{}, authorization.ErrInvalidActor
	}
	companyID, err := snowflake.ParseString(strings.TrimSpace(claims.CompanyID))
	if err != nil || companyID == 0 {
		return authorization.Actor{}, authorization.ErrInvalidCompany
	}
	return authorization.Actor{ContractorID: contractorID, CompanyID: companyID}, nil
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	value, ok := c.Get(contextActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	return actor, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PublicRateLimit throttles the token routes per client IP. Limiter errors
// fail open.
func (s *Server) PublicRateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, endpoint+":"+c.ClientIP())
		if err != nil {
			s.log.Warn("public rate limit unavailable", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			}
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

var errCronSecretMissing = errors.New("cron_secret_missing")

// CronAuthRequired checks the shared cron secret in constant time.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.CronSecret))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			s.log.Warn("cron endpoint called without CRON_SECRET configured", zap.Error(errCronSecretMissing))
			AbortWithError(c, ErrNotFound)
			return
		}
		presented, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextActorKey, authorization.Actor{System: true})
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "system", "cron"))
		c.Next()
	}
}
