package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/interfaces/http/middleware"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// maxCSPReportBytes bounds a report body; browsers send a few hundred bytes.
const maxCSPReportBytes = 64 << 10

// CSPReportRecorder archives CSP violation reports.
type CSPReportRecorder interface {
	RecordCSPReport(ctx context.Context, report models.CSPReport, sourceIP, userAgent string) error
}

// NonceConsumer invalidates a CSP nonce and reports whether it was live.
type NonceConsumer interface {
	Consume(ctx context.Context, nonce string) (bool, error)
}

// CSPReportHandler accepts browser Content-Security-Policy violation reports.
type CSPReportHandler struct {
	recorder CSPReportRecorder
	nonces   NonceConsumer
	events   service.EventSink
	clock    service.Clock
	log      logger.Logger
}

// NewCSPReportHandler creates the handler. Each report is archived through recorder and published to events
// as a low-severity security event. A report whose nonce query parameter is consumed through nonces is marked
// verified. nonces and events may be nil.
func NewCSPReportHandler(recorder CSPReportRecorder, nonces NonceConsumer, events service.EventSink, clock service.Clock, log logger.Logger) *CSPReportHandler {
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &CSPReportHandler{
		recorder: recorder,
		nonces:   nonces,
		events:   events,
		clock:    clock,
		log:      log.WithComponent("CSPReportHandler"),
	}
}

// Report handles POST /csp-report. It accepts the classic {"csp-report": {...}} envelope and a bare report.
func (h *CSPReportHandler) Report(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCSPReportBytes+1))
	if err != nil || len(body) > maxCSPReportBytes {
		middleware.AbortWithProblem(c, errors.ErrValidation("csp report too large or unreadable"))
		return
	}
	report, err := decodeCSPReport(body)
	if err != nil {
		middleware.AbortWithProblem(c, errors.ErrValidation("malformed csp report").WithCause(err))
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	ua := c.GetHeader("User-Agent")
	if nonce := c.Query("nonce"); nonce != "" && h.nonces != nil {
		verified, err := h.nonces.Consume(ctx, nonce)
		if err != nil {
			h.log.Warn(ctx, "csp nonce lookup failed", logger.Err(err))
		}
		report.NonceVerified = verified
	}
	if err := h.recorder.RecordCSPReport(ctx, report, ip, ua); err != nil {
		h.log.Error(ctx, "failed to record csp report", err, logger.String("client_ip", ip))
		middleware.AbortWithProblem(c, errors.ErrUnavailable("audit pipeline").WithCause(err))
		return
	}
	h.publish(report, ip, ua)
	c.Status(http.StatusNoContent)
}

func (h *CSPReportHandler) publish(report models.CSPReport, ip, ua string) {
	if h.events == nil {
		return
	}
	event := models.NewSecurityEvent(constants.SourceCSPReport, "", ip, h.clock.Now())
	event.Severity = models.SeverityLow
	event.Outcome = models.OutcomeAllowed
	event.Reasons = []string{"csp violation: " + directiveOf(report)}
	event.Payload[models.PayloadUserAgent] = ua
	event.Payload[models.PayloadPath] = constants.PathCSPReport
	event.Payload["blocked_uri"] = report.BlockedURI
	event.Payload["document_uri"] = report.DocumentURI
	event.Payload["nonce_verified"] = report.NonceVerified
	h.events.Publish(event)
}

func decodeCSPReport(body []byte) (models.CSPReport, error) {
	var envelope models.CSPReportEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.CSPReport{}, err
	}
	report := envelope.Report
	if directiveOf(report) == "" {
		var bare models.CSPReport
		if err := json.Unmarshal(body, &bare); err != nil {
			return models.CSPReport{}, err
		}
		report = bare
	}
	if directiveOf(report) == "" {
		return models.CSPReport{}, errors.New("report names no violated directive")
	}
	report.DocumentURI = truncate(report.DocumentURI, 2048)
	report.BlockedURI = truncate(report.BlockedURI, 2048)
	return report, nil
}

func directiveOf(r models.CSPReport) string {
	if r.EffectiveDirective != "" {
		return r.EffectiveDirective
	}
	return strings.TrimSpace(r.ViolatedDirective)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
