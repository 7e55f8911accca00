package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

type gateFunc func(ctx context.Context, req *models.GateRequest) *models.GateDecision

func (f gateFunc) Evaluate(ctx context.Context, req *models.GateRequest) *models.GateDecision {
	return f(ctx, req)
}

type completion struct {
	method, key string
	status      int
}

type recordingIdempotency struct{ calls []completion }

func (r *recordingIdempotency) Complete(_ context.Context, method, key string, status int) error {
	r.calls = append(r.calls, completion{method, key, status})
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityGate_Allowed(t *testing.T) {
	var seen *models.GateRequest
	gate := gateFunc(func(_ context.Context, req *models.GateRequest) *models.GateDecision {
		seen = req
		return &models.GateDecision{
			Allowed:        true,
			RateLimit:      &models.RateLimitDecision{Allowed: true, Limit: 100, Current: 7},
			Security:       &models.SecurityContext{RequestID: req.RequestID, ClientID: "acme"},
			IdempotencyKey: "order-2026-0001",
		}
	})
	idem := &recordingIdempotency{}

	router := gin.New()
	router.POST("/api/v1/payments", SecurityGate(gate, idem, 1024, logger.NewNoopLogger()), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		sc := SecurityContextFrom(c)
		require.NotNil(t, sc)
		assert.Equal(t, "acme", c.Request.Context().Value(constants.ContextKeyClientID))
		c.JSON(http.StatusCreated, gin.H{"client": sc.ClientID, "echo": string(body)})
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments?currency=EUR", strings.NewReader(`{"amount":100}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.HeaderRequestID, "req-123")
	req.Header.Set(constants.HeaderForwardedProto, "https")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"echo":"{\"amount\":100}"`, "body is restored for the handler")
	assert.Equal(t, "req-123", w.Header().Get(constants.HeaderRequestID))
	assert.Equal(t, "100", w.Header().Get(constants.HeaderRateLimitLimit))
	assert.Equal(t, "93", w.Header().Get(constants.HeaderRateLimitRemaining))

	require.NotNil(t, seen)
	assert.Equal(t, "POST /api/v1/payments", seen.Endpoint)
	assert.Equal(t, "https", seen.Protocol)
	assert.Equal(t, "EUR", seen.Query.Get("currency"))
	assert.Equal(t, "application/json", seen.ContentType)

	assert.Equal(t, []completion{{"POST", "order-2026-0001", http.StatusCreated}}, idem.calls)
}

func TestSecurityGate_Rejected(t *testing.T) {
	gate := gateFunc(func(_ context.Context, req *models.GateRequest) *models.GateDecision {
		return &models.GateDecision{
			Allowed:    false,
			FailedStep: models.StepRateLimit,
			Err:        errors.ErrRateLimited("POST /api/v1/payments", 100, 42),
			RateLimit:  &models.RateLimitDecision{Limit: 100, Current: 101, RetryAfterSeconds: 42},
		}
	})
	handlerCalled := false
	router := gin.New()
	router.POST("/api/v1/payments", SecurityGate(gate, nil, 0, logger.NewNoopLogger()), func(c *gin.Context) {
		handlerCalled = true
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil))

	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, constants.ContentTypeProblem, w.Header().Get("Content-Type"))
	assert.Equal(t, "42", w.Header().Get(constants.HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(constants.HeaderRateLimitRemaining))
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRequestID), "a request ID is generated")

	var problem errors.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusTooManyRequests, problem.Status)
	assert.True(t, strings.HasSuffix(problem.Type, string(errors.CodeRateLimited)))
}

func TestNewGateRequest_OversizedBodyIsTruncatedForTheGate(t *testing.T) {
	router := gin.New()
	var got *models.GateRequest
	router.POST("/upload", func(c *gin.Context) {
		var err error
		got, err = NewGateRequest(c, 8)
		require.NoError(t, err)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("x", 100))))
	require.NotNil(t, got)
	assert.Len(t, got.Body, 9, "one byte past the limit so the gate sees the overflow")
	assert.Equal(t, "http", got.Protocol)
}

type stubNonces struct{ fail bool }

func (s stubNonces) Issue(context.Context) (models.NonceRecord, error) {
	if s.fail {
		return models.NonceRecord{}, errors.New("store down")
	}
	return models.NonceRecord{Nonce: "bm9uY2U=", Expiry: time.Now().Add(time.Minute)}, nil
}

func (stubNonces) Header(nonce string) string {
	if nonce == "" {
		return "default-src 'self'"
	}
	return "default-src 'self'; script-src 'self' 'nonce-" + nonce + "'"
}

func TestCSPNonce(t *testing.T) {
	router := gin.New()
	router.GET("/page", CSPNonce(stubNonces{}, logger.NewNoopLogger()), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(string(constants.ContextKeyCSPNonce)))
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, "default-src 'self'; script-src 'self' 'nonce-bm9uY2U='", w.Header().Get(constants.HeaderCSP))
	assert.Equal(t, "bm9uY2U=", w.Body.String())

	router = gin.New()
	router.GET("/page", CSPNonce(stubNonces{fail: true}, logger.NewNoopLogger()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default-src 'self'", w.Header().Get(constants.HeaderCSP))
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.NewNoopLogger()))
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "kaboom", "panic values are not leaked")
}
