package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

type recordedReport struct {
	report models.CSPReport
	ip, ua string
}

type fakeCSPRecorder struct {
	reports []recordedReport
	fail    bool
}

func (f *fakeCSPRecorder) RecordCSPReport(_ context.Context, report models.CSPReport, ip, ua string) error {
	if f.fail {
		return errors.New("queue full")
	}
	f.reports = append(f.reports, recordedReport{report, ip, ua})
	return nil
}

type fakeNonces map[string]bool

func (f fakeNonces) Consume(_ context.Context, nonce string) (bool, error) {
	live := f[nonce]
	delete(f, nonce)
	return live, nil
}

func newCSPRouter(recorder CSPReportRecorder, events service.EventSink) *gin.Engine {
	return newCSPRouterWithNonces(recorder, nil, events)
}

func newCSPRouterWithNonces(recorder CSPReportRecorder, nonces NonceConsumer, events service.EventSink) *gin.Engine {
	h := NewCSPReportHandler(recorder, nonces, events, scheduler.NewManualScheduler(t0), logger.NewNoopLogger())
	r := gin.New()
	r.POST(constants.PathCSPReport, h.Report)
	return r
}

func postReport(r *gin.Engine, body string) *httptest.ResponseRecorder {
	return postReportTo(r, constants.PathCSPReport, body)
}

func postReportTo(r *gin.Engine, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/csp-report")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.RemoteAddr = "198.51.100.7:5123"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCSPReportHandler_Report(t *testing.T) {
	recorder := &fakeCSPRecorder{}
	var events []models.SecurityEvent
	r := newCSPRouter(recorder, service.EventSinkFunc(func(e models.SecurityEvent) { events = append(events, e) }))

	envelope := `{"csp-report":{"document-uri":"https://pay.example.com/checkout","violated-directive":"script-src-elem","blocked-uri":"https://evil.example.net/x.js"}}`
	assert.Equal(t, http.StatusNoContent, postReport(r, envelope).Code)

	bare := `{"document-uri":"https://pay.example.com/","effective-directive":"style-src","blocked-uri":"inline"}`
	assert.Equal(t, http.StatusNoContent, postReport(r, bare).Code)

	require.Len(t, recorder.reports, 2)
	assert.Equal(t, "https://evil.example.net/x.js", recorder.reports[0].report.BlockedURI)
	assert.Equal(t, "198.51.100.7", recorder.reports[0].ip)
	assert.Equal(t, "Mozilla/5.0", recorder.reports[0].ua)
	assert.Equal(t, "style-src", recorder.reports[1].report.EffectiveDirective)

	require.Len(t, events, 2)
	assert.Equal(t, constants.SourceCSPReport, events[0].Source)
	assert.Equal(t, models.SeverityLow, events[0].Severity)
	assert.Equal(t, []string{"csp violation: script-src-elem"}, events[0].Reasons)
	assert.Equal(t, t0, events[0].Timestamp)
}

func TestCSPReportHandler_ConsumesNonce(t *testing.T) {
	recorder := &fakeCSPRecorder{}
	var events []models.SecurityEvent
	nonces := fakeNonces{"n0nce+/=": true}
	r := newCSPRouterWithNonces(recorder, nonces, service.EventSinkFunc(func(e models.SecurityEvent) { events = append(events, e) }))
	report := `{"violated-directive":"script-src","blocked-uri":"inline"}`
	target := constants.PathCSPReport + "?nonce=n0nce%2B%2F%3D"

	assert.Equal(t, http.StatusNoContent, postReportTo(r, target, report).Code)
	assert.Equal(t, http.StatusNoContent, postReportTo(r, target, report).Code, "later reports are still accepted")
	assert.Equal(t, http.StatusNoContent, postReport(r, report).Code)

	require.Len(t, recorder.reports, 3)
	assert.True(t, recorder.reports[0].report.NonceVerified)
	assert.False(t, recorder.reports[1].report.NonceVerified, "a nonce vouches for one report")
	assert.False(t, recorder.reports[2].report.NonceVerified)
	assert.Empty(t, nonces)
	require.Len(t, events, 3)
	assert.Equal(t, true, events[0].Payload["nonce_verified"])
}

func TestCSPReportHandler_Rejects(t *testing.T) {
	recorder := &fakeCSPRecorder{}
	r := newCSPRouter(recorder, nil)

	tests := map[string]string{
		"not json":     `csp`,
		"no directive": `{"csp-report":{"document-uri":"https://pay.example.com/"}}`,
		"too large":    `{"csp-report":{"violated-directive":"img-src","blocked-uri":"` + strings.Repeat("a", 70<<10) + `"}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := postReport(r, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, constants.ContentTypeProblem, w.Header().Get("Content-Type"))
		})
	}
	assert.Empty(t, recorder.reports)

	long := `{"violated-directive":"img-src","blocked-uri":"https://x.example/` + strings.Repeat("a", 4000) + `"}`
	assert.Equal(t, http.StatusNoContent, postReport(r, long).Code)
	require.Len(t, recorder.reports, 1)
	assert.Len(t, recorder.reports[0].report.BlockedURI, 2048)

	recorder.fail = true
	assert.Equal(t, http.StatusServiceUnavailable, postReport(r, long).Code)
}
