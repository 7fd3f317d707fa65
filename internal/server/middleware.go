package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nidaanhealth/carebill/internal/tenantctx"
	"go.uber.org/zap"
)

const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderCompany   = "X-Company-ID"
	HeaderBranch    = "X-Branch-ID"
	HeaderActor     = "X-Actor-ID"
	HeaderRole      = "X-Actor-Role"
	HeaderRequestID = "X-Request-Id"

	roleAdmin = "admin"
)

// RequestLog assigns each request a correlation id and logs it on
// completion with method, route, status and duration.
func RequestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		log.Info("http request", fields...)
	}
}

// TenantContext resolves the caller's tenant identity from headers and
// injects it into the request context. Authentication itself happens
// upstream; the engine trusts the gateway-provided headers.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err1 := parseIDHeader(c, HeaderTenant)
		companyID, err2 := parseIDHeader(c, HeaderCompany)
		if err1 != nil || err2 != nil || tenantID == 0 || companyID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		branchID, _ := parseIDHeader(c, HeaderBranch)
		actorID, _ := parseIDHeader(c, HeaderActor)

		identity := tenantctx.Identity{
			TenantID:  tenantID,
			CompanyID: companyID,
			BranchID:  branchID,
			ActorID:   actorID,
			IsAdmin:   strings.EqualFold(c.GetHeader(HeaderRole), roleAdmin),
		}
		c.Request = c.Request.WithContext(tenantctx.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

func parseIDHeader(c *gin.Context, header string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.GetHeader(header))
	if raw == "" {
		return 0, nil
	}
	return snowflake.ParseString(raw)
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(c.Param(name)))
}
