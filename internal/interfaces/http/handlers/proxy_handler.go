package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/internal/interfaces/http/middleware"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// ProxyHandler forwards requests that passed the gate to the upstream payment API.
type ProxyHandler struct {
	proxy *httputil.ReverseProxy
	log   logger.Logger
}

// NewProxyHandler creates a proxy to upstream.
func NewProxyHandler(upstream string, log logger.Logger) (*ProxyHandler, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, errors.ErrValidation("gate.upstream_url must be an absolute URL")
	}
	h := &ProxyHandler{log: log.WithComponent("ProxyHandler")}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Only the gate asserts client identity to the upstream.
			pr.Out.Header.Del(constants.HeaderGateClientID)
			ctx := pr.In.Context()
			if clientID, ok := ctx.Value(constants.ContextKeyClientID).(string); ok && clientID != "" {
				pr.Out.Header.Set(constants.HeaderGateClientID, clientID)
			}
			if requestID, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && requestID != "" {
				pr.Out.Header.Set(constants.HeaderRequestID, requestID)
			}
		},
		ErrorHandler: h.upstreamError,
	}
	return h, nil
}

// Forward proxies the request.
func (h *ProxyHandler) Forward(c *gin.Context) {
	h.proxy.ServeHTTP(c.Writer, c.Request)
}

func (h *ProxyHandler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error(r.Context(), "upstream request failed", err, logger.String("path", r.URL.Path))
	body, _ := json.Marshal(errors.Problem{
		Type:   "https://paygate.dev/problems/bad_gateway",
		Title:  "Bad gateway",
		Status: http.StatusBadGateway,
		Detail: "the payment API is unavailable",
	})
	w.Header().Set("Content-Type", constants.ContentTypeProblem)
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(body)
}

// Authorize answers requests that passed the gate when no upstream is configured, so the gate can serve as an
// external authorization check in front of another proxy.
func Authorize(c *gin.Context) {
	if sc := middleware.SecurityContextFrom(c); sc != nil && sc.ClientID != "" {
		c.Header(constants.HeaderGateClientID, sc.ClientID)
	}
	c.Status(http.StatusNoContent)
}
