package paygate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/pkg/constants"
)

type recorded struct {
	path, idempotencyKey, apiKey string
	signatureErr                 error
}

func newGate(t *testing.T, statuses ...int) (*httptest.Server, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		n := len(calls)
		calls = append(calls, recorded{
			path:           r.URL.RequestURI(),
			idempotencyKey: r.Header.Get(constants.HeaderIdempotencyKey),
			apiKey:         r.Header.Get(constants.HeaderAPIKey),
			signatureErr:   crypto.Verify(body, r.Header.Get(constants.HeaderSignature), []string{"whsec_test"}, time.Now(), time.Minute),
		})
		mu.Unlock()

		status := http.StatusCreated
		if n < len(statuses) {
			status = statuses[n]
		}
		if status >= 400 {
			w.Header().Set("Content-Type", constants.ContentTypeProblem)
			w.Header().Set(constants.HeaderRetryAfter, "1")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`))
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"pay_1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := NewClient(baseURL, "pk_live_acme_0001", append([]Option{WithSigningSecret("whsec_test")}, opts...)...)
	require.NoError(t, err)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestClient_SignsAndSendsIdempotencyKey(t *testing.T) {
	srv, calls := newGate(t)
	c, _ := newTestClient(t, srv.URL+"/api")

	resp, err := c.PostJSON(context.Background(), "/v1/payments?expand=card", map[string]int{"amount": 1000}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"pay_1"}`, string(resp.Body))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/api/v1/payments?expand=card", call.path)
	assert.Equal(t, "pk_live_acme_0001", call.apiKey)
	assert.NoError(t, call.signatureErr)
	assert.NotEmpty(t, call.idempotencyKey)
	assert.Equal(t, call.idempotencyKey, resp.IdempotencyKey)
}

func TestClient_RetriesWithSameKey(t *testing.T) {
	srv, calls := newGate(t, http.StatusTooManyRequests, http.StatusServiceUnavailable)
	c, waits := newTestClient(t, srv.URL)

	resp, err := c.Do(context.Background(), http.MethodPost, "/api/v1/payments", []byte(`{"amount":5}`), "order-42")
	require.NoError(t, err)
	assert.Equal(t, "order-42", resp.IdempotencyKey)

	require.Len(t, *calls, 3)
	for _, call := range *calls {
		assert.Equal(t, "order-42", call.idempotencyKey)
		assert.NoError(t, call.signatureErr)
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *waits)
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	srv, calls := newGate(t, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests)
	c, _ := newTestClient(t, srv.URL, WithRetries(1, 500*time.Millisecond))

	_, err := c.Do(context.Background(), http.MethodPost, "/api/v1/payments", []byte(`{}`), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate limit exceeded", apiErr.Detail)
	assert.Equal(t, time.Second, apiErr.RetryAfter)
	assert.Len(t, *calls, 2)
}

func TestClient_ReadsCarryNoIdempotencyKey(t *testing.T) {
	srv, calls := newGate(t, http.StatusOK)
	c, _ := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodGet, "/api/v1/payments/pay_1", nil, "")
	require.NoError(t, err)
	assert.Empty(t, (*calls)[0].idempotencyKey)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("not a url", "key")
	assert.Error(t, err)
	_, err = NewClient("https://gate.example.com", "")
	assert.Error(t, err)
}
