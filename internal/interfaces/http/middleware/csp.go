package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/logger"
)

// NonceIssuer issues CSP nonces and renders the policy header around them.
type NonceIssuer interface {
	Issue(ctx context.Context) (models.NonceRecord, error)
	Header(nonce string) string
}

// CSPNonce sets a Content-Security-Policy header with a fresh single-use nonce on every response.
// Handlers read the nonce from constants.ContextKeyCSPNonce. When no nonce can be issued the policy is still
// sent, without one.
func CSPNonce(nonces NonceIssuer, log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("CSPMiddleware")
	return func(c *gin.Context) {
		record, err := nonces.Issue(c.Request.Context())
		if err != nil {
			log.Warn(c.Request.Context(), "failed to issue csp nonce", logger.Err(err))
			c.Header(constants.HeaderCSP, nonces.Header(""))
			c.Next()
			return
		}
		c.Set(string(constants.ContextKeyCSPNonce), record.Nonce)
		c.Header(constants.HeaderCSP, nonces.Header(record.Nonce))
		c.Next()
	}
}
