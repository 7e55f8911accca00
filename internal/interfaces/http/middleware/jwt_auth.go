package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// AdminTokenVerifier verifies admin bearer tokens.
type AdminTokenVerifier interface {
	Verify(token string) (*crypto.AdminClaims, error)
}

// AdminActionRecorder audits admin API access.
type AdminActionRecorder interface {
	RecordAdminAction(ctx context.Context, actor, sourceIP, resource, action, outcome string) error
}

// extractBearer extracts the token from the Authorization header.
func extractBearer(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireAdmin protects the admin API. It requires a valid HS256 bearer token whose role claim is admin and
// stores the claims under constants.ContextKeyAdminClaims. Denied calls are audited against the request
// path when audit is set.
func RequireAdmin(verifier AdminTokenVerifier, audit AdminActionRecorder, log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("AdminAuth")
	deny := func(c *gin.Context, actor string, err error) {
		if audit != nil {
			if recErr := audit.RecordAdminAction(c.Request.Context(), actor, c.ClientIP(), c.Request.URL.Path, c.Request.Method, "denied"); recErr != nil {
				log.Error(c.Request.Context(), "failed to audit denied admin call", recErr)
			}
		}
		AbortWithProblem(c, err)
	}
	return func(c *gin.Context) {
		tokenStr := extractBearer(c.GetHeader(constants.HeaderAuthorization))
		if tokenStr == "" {
			deny(c, "anonymous", errors.ErrAuthentication("bearer token required"))
			return
		}

		claims, err := verifier.Verify(tokenStr)
		if err != nil {
			log.Warn(c.Request.Context(), "admin token verification failed",
				logger.Err(err),
				logger.String("client_ip", c.ClientIP()),
			)
			deny(c, "anonymous", err)
			return
		}
		if claims.Role != crypto.RoleAdmin {
			log.Warn(c.Request.Context(), "admin api called without admin role",
				logger.String("subject", claims.Subject),
				logger.String("role", claims.Role),
			)
			deny(c, claims.Subject, errors.ErrAuthorization("admin role required"))
			return
		}

		c.Set(string(constants.ContextKeyAdminClaims), claims)
		c.Next()
	}
}

// AdminClaimsFrom returns the verified admin claims stored on c, or nil.
func AdminClaimsFrom(c *gin.Context) *crypto.AdminClaims {
	v, ok := c.Get(string(constants.ContextKeyAdminClaims))
	if !ok {
		return nil
	}
	claims, _ := v.(*crypto.AdminClaims)
	return claims
}
