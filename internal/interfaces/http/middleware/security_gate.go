package middleware

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// GateEvaluator runs the Request Gate on one request.
type GateEvaluator interface {
	Evaluate(ctx context.Context, req *models.GateRequest) *models.GateDecision
}

// IdempotencyRecorder records the final status of a request that registered an idempotency key.
type IdempotencyRecorder interface {
	Complete(ctx context.Context, method, key string, status int) error
}

// SecurityGate returns a Gin middleware that evaluates every request with the Request Gate.
// Rejections are rendered as problem+json. Allowed requests carry the SecurityContext in the gin context
// (constants.ContextKeySecurity) and the client ID in the request context. After the handler runs, a
// registered idempotency key is completed with the response status.
// SecurityGate 返回一个 Gin 中间件，用请求网关评估每个请求。
func SecurityGate(gate GateEvaluator, idem IdempotencyRecorder, maxBodyBytes int64, log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("SecurityGateMiddleware")
	return func(c *gin.Context) {
		req, err := NewGateRequest(c, maxBodyBytes)
		if err != nil {
			log.Warn(c.Request.Context(), "failed to read request body", logger.Err(err))
			AbortWithProblem(c, errors.ErrValidation("request body could not be read").WithCause(err))
			return
		}

		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, req.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(constants.HeaderRequestID, req.RequestID)

		decision := gate.Evaluate(ctx, req)
		if rl := decision.RateLimit; rl != nil && rl.Limit > 0 {
			c.Header(constants.HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
			c.Header(constants.HeaderRateLimitRemaining, strconv.Itoa(rl.Remaining()))
		}
		if !decision.Allowed {
			log.Info(ctx, "request rejected by gate",
				logger.String("step", string(decision.FailedStep)),
				logger.String("client_ip", decision.Event.ClientIP),
				logger.String("path", req.Path),
			)
			if _, known := errors.AsGateError(decision.Err); !known {
				log.Error(ctx, "gate rejected with an unclassified error", decision.Err)
			}
			AbortWithProblem(c, decision.Err)
			return
		}

		sc := decision.Security
		if sc != nil && sc.ClientID != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyClientID, sc.ClientID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Set(string(constants.ContextKeySecurity), sc)

		c.Next()

		if decision.IdempotencyKey != "" && idem != nil {
			if err := idem.Complete(context.WithoutCancel(ctx), req.Method, decision.IdempotencyKey, c.Writer.Status()); err != nil {
				log.Warn(ctx, "failed to record idempotent request completion", logger.Err(err))
			}
		}
	}
}

// SecurityContextFrom returns the SecurityContext the gate attached to c, or nil.
func SecurityContextFrom(c *gin.Context) *models.SecurityContext {
	v, ok := c.Get(string(constants.ContextKeySecurity))
	if !ok {
		return nil
	}
	sc, _ := v.(*models.SecurityContext)
	return sc
}

// NewGateRequest builds the transport-neutral view of c's request. At most maxBodyBytes+1 bytes are read so
// oversized bodies reach the gate's size check without being buffered whole. The body is restored for the
// handler.
func NewGateRequest(c *gin.Context, maxBodyBytes int64) (*models.GateRequest, error) {
	r := c.Request
	var body []byte
	if r.Body != nil {
		var reader io.Reader = r.Body
		if maxBodyBytes > 0 {
			reader = io.LimitReader(r.Body, maxBodyBytes+1)
		}
		var err error
		body, err = io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	requestID := strings.TrimSpace(r.Header.Get(constants.HeaderRequestID))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}

	endpoint := c.FullPath()
	if endpoint == "" || strings.ContainsAny(endpoint, "*:") {
		endpoint = r.URL.Path
	}

	return &models.GateRequest{
		RequestID:   requestID,
		Method:      r.Method,
		Path:        r.URL.Path,
		Endpoint:    r.Method + " " + endpoint,
		Protocol:    requestProtocol(c),
		Headers:     headers,
		Query:       r.URL.Query(),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		RemoteAddr:  r.RemoteAddr,
	}, nil
}

func requestProtocol(c *gin.Context) string {
	if c.Request.TLS != nil {
		return "https"
	}
	if proto := c.GetHeader(constants.HeaderForwardedProto); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return "http"
}
