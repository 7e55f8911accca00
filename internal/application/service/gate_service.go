package service

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

const gateTracerName = "github.com/turtacn/paygate/gate"

// GateDeps are the collaborators of the Request Gate. Nil optional fields disable the matching check.
type GateDeps struct {
	Limiter     domainService.RateLimitService         // optional
	Enforcement domainService.EnforcementState         // optional
	Geo         domainService.GeoResolver              // optional
	Keys        *APIKeyValidator                       // required when the gate requires keys
	Signatures  domainService.RequestSignatureVerifier // required when any key requires signatures
	Content     domainService.ContentScanner           // optional
	Idempotency *IdempotencyGuard                      // optional
	Anomaly     *AnomalyScorer                         // optional
	Policies    domainService.PolicyChecker            // optional
	Events      domainService.EventSink                // optional
	Metrics     domainService.Metrics
	Clock       domainService.Clock
}

// GateService runs the synchronous request checks in fixed precedence and emits one SecurityEvent per call.
type GateService struct {
	deps             GateDeps
	cfg              config.GateConfig
	anomalyCfg       config.AnomalyConfig
	maxDepth         int
	allowed          []*net.IPNet
	denied           []*net.IPNet
	blockedCountries map[string]bool
	contentTypes     map[string]bool
	tracer           trace.Tracer
	logger           logger.Logger
}

// NewGateService builds the gate from configuration. Invalid CIDRs fail construction.
func NewGateService(cfg *config.Config, deps GateDeps, log logger.Logger) (*GateService, error) {
	if deps.Metrics == nil {
		deps.Metrics = domainService.NoopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = domainService.SystemClock{}
	}
	if cfg.Gate.RequireAPIKey && deps.Keys == nil {
		return nil, fmt.Errorf("gate requires api keys but no key validator is configured")
	}
	if cfg.Gate.RequireSignature && deps.Signatures == nil {
		return nil, fmt.Errorf("gate requires signatures but no signature verifier is configured")
	}
	allowed, err := parseCIDRs(cfg.Gate.AllowedCIDRs)
	if err != nil {
		return nil, err
	}
	denied, err := parseCIDRs(cfg.Gate.DeniedCIDRs)
	if err != nil {
		return nil, err
	}
	g := &GateService{
		deps:             deps,
		cfg:              cfg.Gate,
		maxDepth:         cfg.Sanitizer.MaxDepth,
		allowed:          allowed,
		denied:           denied,
		blockedCountries: make(map[string]bool),
		contentTypes:     make(map[string]bool),
		tracer:           otel.Tracer(gateTracerName),
		logger:           log.WithComponent("RequestGate"),
	}
	if cfg.Anomaly.Enabled {
		g.anomalyCfg = cfg.Anomaly
	}
	for _, c := range cfg.Gate.BlockedCountries {
		g.blockedCountries[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	for _, ct := range cfg.Gate.AllowedContentTypes {
		g.contentTypes[strings.ToLower(strings.TrimSpace(ct))] = true
	}
	return g, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// gateState accumulates what the checks learn about one request.
type gateState struct {
	req       *models.GateRequest
	endpoint  string
	clientIP  string
	userAgent string
	security  *models.SecurityContext
	decision  *models.GateDecision
	tags      []string
	payload   map[string]interface{}
}

func (s *gateState) tag(t string) {
	for _, existing := range s.tags {
		if existing == t {
			return
		}
	}
	s.tags = append(s.tags, t)
}

// gateRejection is a failed check: the step, the error returned to the client and the event severity.
type gateRejection struct {
	step     models.GateStep
	err      error
	severity models.Severity
	reason   string
}

// Evaluate runs the checks and returns the decision. It never returns nil and always publishes exactly one
// SecurityEvent, whatever the outcome.
func (g *GateService) Evaluate(ctx context.Context, req *models.GateRequest) *models.GateDecision {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gate.evaluate")
	defer span.End()

	state := g.newState(ctx, req)
	rejection := g.run(ctx, state)

	decision := state.decision
	if rejection != nil {
		decision.Allowed = false
		decision.FailedStep = rejection.step
		decision.Err = rejection.err
		decision.Severity = models.MaxSeverity(decision.Severity, rejection.severity)
		decision.Reasons = append(decision.Reasons, rejection.reason)
		span.SetStatus(codes.Error, string(rejection.step))
	} else {
		decision.Allowed = true
	}
	span.SetAttributes(
		attribute.Bool("gate.allowed", decision.Allowed),
		attribute.String("gate.failed_step", string(decision.FailedStep)),
	)

	decision.Event = g.buildEvent(state)
	g.publish(ctx, decision.Event)

	step := string(decision.FailedStep)
	if step == "" {
		step = "complete"
	}
	g.deps.Metrics.RecordGateDecision(step, string(decision.Event.Outcome), time.Since(start))
	return decision
}

// run executes the steps, converting a panic into an internal rejection so the gate fails closed.
func (g *GateService) run(ctx context.Context, state *gateState) (rejection *gateRejection) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("gate panic: %v", r)
			g.logger.Error(ctx, "request gate panicked", err, logger.String("request_id", state.req.RequestID))
			rejection = &gateRejection{step: models.StepInternal, err: errors.ErrInternal(err), severity: models.SeverityHigh, reason: "internal error"}
		}
	}()

	// The idempotency key is claimed only once every other check has passed, so a rejected request
	// never leaves its key pending.
	steps := []struct {
		name  string
		check func(context.Context, *gateState) *gateRejection
	}{
		{string(models.StepOrigin), g.checkOrigin},
		{string(models.StepRateLimit), g.checkRateLimit},
		{string(models.StepAPIKey), g.checkAPIKey},
		{string(models.StepSignature), g.checkSignature},
		{string(models.StepContent), g.checkContent},
		{string(models.StepAnomaly), g.checkAnomaly},
		{string(models.StepPolicy), g.checkPolicy},
		{"idempotency", g.claimIdempotencyKey},
	}
	for _, s := range steps {
		stepCtx, span := g.tracer.Start(ctx, "gate."+s.name)
		r := s.check(stepCtx, state)
		if r != nil {
			span.SetStatus(codes.Error, r.reason)
		}
		span.End()
		if r != nil {
			return r
		}
	}
	return nil
}

func (g *GateService) newState(ctx context.Context, req *models.GateRequest) *gateState {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = strings.ToUpper(req.Method) + " " + req.Path
	}
	clientIP := ResolveClientIP(req)
	userAgent := req.Header("User-Agent")
	sc := &models.SecurityContext{
		RequestID: req.RequestID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
		sc.TraceID = spanCtx.TraceID().String()
	}
	payload := map[string]interface{}{
		models.PayloadMethod:    req.Method,
		models.PayloadPath:      req.Path,
		models.PayloadEndpoint:  endpoint,
		models.PayloadProtocol:  strings.ToLower(req.Protocol),
		models.PayloadUserAgent: userAgent,
		models.PayloadSize:      int64(len(req.Body)),
	}
	if v := req.Header(constants.HeaderExternalDestination); v != "" {
		payload[models.PayloadDestinationExternal] = strings.EqualFold(v, "true") || v == "1"
	}
	return &gateState{
		req:       req,
		endpoint:  endpoint,
		clientIP:  clientIP,
		userAgent: userAgent,
		security:  sc,
		decision:  &models.GateDecision{Severity: models.SeverityInfo, Security: sc},
		payload:   payload,
	}
}

// ================================================================================
// Checks
// ================================================================================

func (g *GateService) checkOrigin(ctx context.Context, s *gateState) *gateRejection {
	ip := net.ParseIP(s.clientIP)
	if len(g.allowed) > 0 && (ip == nil || !containsIP(g.allowed, ip)) {
		return originRejection("source address not in allow list")
	}
	if ip != nil && containsIP(g.denied, ip) {
		return originRejection("source address denied")
	}
	if g.deps.Enforcement != nil {
		if reason, blocked := g.deps.Enforcement.Blocked(s.clientIP); blocked {
			return originRejection("source address blocked: " + reason)
		}
	}
	if g.deps.Geo != nil && ip != nil {
		country, err := g.deps.Geo.Country(ctx, s.clientIP)
		if err != nil {
			g.logger.Debug(ctx, "geo lookup failed", logger.Err(err))
		}
		s.security.Country = country
		if country != "" {
			s.payload[models.PayloadCountry] = country
			if g.blockedCountries[country] {
				return originRejection("requests from " + country + " are not accepted")
			}
		}
	}
	return nil
}

func originRejection(reason string) *gateRejection {
	return &gateRejection{step: models.StepOrigin, err: errors.ErrAuthorization(reason), severity: models.SeverityHigh, reason: reason}
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// checkRateLimit counts the request against its source address. Presented keys are not trusted yet, so
// inventing keys does not buy a fresh window; the client window is counted once the key is valid.
func (g *GateService) checkRateLimit(ctx context.Context, s *gateState) *gateRejection {
	if r := g.countWindow(ctx, s, "ip:"+s.clientIP, "source"); r != nil {
		return r
	}
	return g.checkThrottle(s.clientIP, s.endpoint)
}

func (g *GateService) countWindow(ctx context.Context, s *gateState, subject, scope string) *gateRejection {
	if g.deps.Limiter == nil {
		return nil
	}
	decision, err := g.deps.Limiter.Check(ctx, subject, s.endpoint)
	if err != nil {
		return &gateRejection{step: models.StepRateLimit, err: errors.ErrUnavailable("rate limiter").WithCause(err), severity: models.SeverityMedium, reason: "rate limiter unavailable"}
	}
	if s.decision.RateLimit == nil || decision.Remaining() <= s.decision.RateLimit.Remaining() {
		s.decision.RateLimit = &decision
	}
	if decision.Allowed {
		return nil
	}
	g.deps.Metrics.RecordRateLimitHit(s.endpoint, scope)
	return &gateRejection{
		step:     models.StepRateLimit,
		err:      errors.ErrRateLimited(scope, decision.Limit, decision.RetryAfterSeconds),
		severity: models.SeverityMedium,
		reason:   fmt.Sprintf("%s rate limit of %d per window exceeded", scope, decision.Limit),
	}
}

func (g *GateService) checkThrottle(subject, endpoint string) *gateRejection {
	if g.deps.Enforcement == nil || subject == "" {
		return nil
	}
	allowed, wait := g.deps.Enforcement.AllowThrottled(subject)
	if allowed {
		return nil
	}
	g.deps.Metrics.RecordRateLimitHit(endpoint, "throttle")
	retry := int(wait.Seconds() + 0.999)
	if retry < 1 {
		retry = 1
	}
	return &gateRejection{step: models.StepRateLimit, err: errors.ErrRateLimited("throttle", 0, retry), severity: models.SeverityMedium, reason: "client is throttled"}
}

func (g *GateService) checkAPIKey(ctx context.Context, s *gateState) *gateRejection {
	key := ExtractAPIKey(s.req)
	if key == "" && !g.cfg.RequireAPIKey {
		return nil
	}
	if g.deps.Keys == nil {
		return nil
	}
	info, err := g.deps.Keys.Validate(ctx, key, s.req.Method, s.req.Path)
	if err != nil {
		if errors.IsAuthenticationError(err) {
			s.tag(constants.TagFailed)
		}
		severity := models.SeverityMedium
		if errors.HasCode(err, errors.CodeUnavailable) {
			severity = models.SeverityHigh
		}
		return &gateRejection{step: models.StepAPIKey, err: err, severity: severity, reason: detailOf(err)}
	}
	s.security.APIKey = info
	s.security.ClientID = info.ClientID

	// Identity-based enforcement applies as soon as the client is known.
	if g.deps.Enforcement != nil {
		if reason, blocked := g.deps.Enforcement.Blocked(info.ClientID); blocked {
			return &gateRejection{step: models.StepOrigin, err: errors.ErrAuthorization("client blocked: " + reason), severity: models.SeverityHigh, reason: "client blocked: " + reason}
		}
	}
	if r := g.countWindow(ctx, s, "client:"+info.ClientID, "client"); r != nil {
		return r
	}
	return g.checkThrottle(info.ClientID, s.endpoint)
}

func (g *GateService) checkSignature(ctx context.Context, s *gateState) *gateRejection {
	required := g.cfg.RequireSignature || (s.security.APIKey != nil && s.security.APIKey.RequireSignature)
	if !required {
		return nil
	}
	if g.deps.Signatures == nil {
		return &gateRejection{step: models.StepSignature, err: errors.ErrInternal(fmt.Errorf("no signature verifier")), severity: models.SeverityHigh, reason: "signature verification unavailable"}
	}
	signature, timestamp := s.req.Header(constants.HeaderSignature), s.req.Header(constants.HeaderTimestamp)
	if err := g.deps.Signatures.VerifyRequest(ctx, s.security.ClientID, s.req.Body, signature, timestamp); err != nil {
		s.tag(constants.TagFailed)
		return &gateRejection{step: models.StepSignature, err: err, severity: models.SeverityHigh, reason: "invalid request signature"}
	}
	return nil
}

func (g *GateService) checkContent(ctx context.Context, s *gateState) *gateRejection {
	req := s.req
	hasBody := len(req.Body) > 0
	if hasBody && len(g.contentTypes) > 0 {
		mediaType, _, err := mime.ParseMediaType(req.ContentType)
		if err != nil || !g.contentTypes[strings.ToLower(mediaType)] {
			return contentRejection(errors.ErrValidation("unsupported content type"), models.SeverityLow, "unsupported content type "+req.ContentType)
		}
	}
	if g.cfg.MaxBodyBytes > 0 && int64(len(req.Body)) > g.cfg.MaxBodyBytes {
		return contentRejection(errors.ErrValidation(fmt.Sprintf("request body exceeds %d bytes", g.cfg.MaxBodyBytes)), models.SeverityMedium, "request body too large")
	}

	if g.deps.Content != nil {
		if err := g.deps.Content.Allow(ctx, s.clientIP); err != nil {
			g.deps.Metrics.RecordRateLimitHit(s.endpoint, "sanitizer")
			return &gateRejection{step: models.StepContent, err: errors.ErrRateLimited("sanitizer", 0, 1), severity: models.SeverityMedium, reason: "content scan rate exceeded"}
		}
		threats := g.deps.Content.ScanQuery(req.Query)
		if hasBody && isJSON(req.ContentType) {
			bodyThreats, err := g.deps.Content.ScanJSON(req.Body, g.maxDepth)
			if err != nil {
				return contentRejection(errors.ErrValidation(err.Error()), models.SeverityLow, "malformed JSON body")
			}
			threats = append(threats, bodyThreats...)
		}
		if r := g.judgeThreats(s, threats); r != nil {
			return r
		}
	} else if hasBody && isJSON(req.ContentType) && !json.Valid(req.Body) {
		return contentRejection(errors.ErrValidation("malformed JSON body"), models.SeverityLow, "malformed JSON body")
	}

	if g.deps.Idempotency != nil {
		key := strings.TrimSpace(req.Header(constants.HeaderIdempotencyKey))
		if err := g.deps.Idempotency.CheckKey(req.Method, key); err != nil {
			return contentRejection(err, models.SeverityLow, detailOf(err))
		}
	}
	return nil
}

// claimIdempotencyKey registers the key after every check passed. Conflicts are reported as content failures.
func (g *GateService) claimIdempotencyKey(ctx context.Context, s *gateState) *gateRejection {
	if g.deps.Idempotency == nil || !g.deps.Idempotency.Requires(s.req.Method) {
		return nil
	}
	key := strings.TrimSpace(s.req.Header(constants.HeaderIdempotencyKey))
	if err := g.deps.Idempotency.Register(ctx, s.req.Method, key); err != nil {
		return contentRejection(err, models.SeverityLow, detailOf(err))
	}
	s.decision.IdempotencyKey = key
	return nil
}

func contentRejection(err error, severity models.Severity, reason string) *gateRejection {
	return &gateRejection{step: models.StepContent, err: err, severity: severity, reason: reason}
}

// judgeThreats records sanitizer findings. High and Critical reject with 403, Medium with 400; Low findings
// are recorded and allowed.
func (g *GateService) judgeThreats(s *gateState, threats []models.ContentThreat) *gateRejection {
	if len(threats) == 0 {
		return nil
	}
	severity := models.SeverityInfo
	names := make(map[string]bool)
	for _, t := range threats {
		severity = models.MaxSeverity(severity, t.Severity)
		names[t.Detector] = true
	}
	detectors := make([]string, 0, len(names))
	for n := range names {
		detectors = append(detectors, n)
	}
	sort.Strings(detectors)
	s.payload[models.PayloadContentThreats] = detectors
	s.tag(constants.TagContentThreat)

	if severity < models.SeverityMedium {
		s.decision.Severity = models.MaxSeverity(s.decision.Severity, severity)
		s.decision.Reasons = append(s.decision.Reasons, "low severity content: "+strings.Join(detectors, ","))
		return nil
	}
	blocking := severity >= models.SeverityHigh
	return contentRejection(errors.ErrContentViolation(severity.String(), blocking), severity,
		"content threat detected: "+strings.Join(detectors, ","))
}

func (g *GateService) checkAnomaly(_ context.Context, s *gateState) *gateRejection {
	if g.deps.Anomaly == nil || !g.anomalyCfg.Enabled {
		return nil
	}
	subject := s.security.ClientID
	if subject == "" {
		subject = s.clientIP
	}
	at := s.req.ReceivedAt
	if at.IsZero() {
		at = g.deps.Clock.Now()
	}
	score := g.deps.Anomaly.Score(subject, s.endpoint, s.userAgent, int64(len(s.req.Body)), at)
	s.decision.AnomalyScore = score.Score
	s.payload[models.PayloadAnomalyScore] = score.Score

	switch {
	case score.Score > g.anomalyCfg.BlockThreshold:
		reason := fmt.Sprintf("anomaly score %.2f above block threshold", score.Score)
		return &gateRejection{step: models.StepAnomaly, err: errors.ErrAuthorization("request rejected as anomalous"), severity: models.SeverityHigh, reason: reason}
	case score.Score > g.anomalyCfg.WarnThreshold:
		s.tag(constants.TagSuspicious)
		s.decision.Severity = models.MaxSeverity(s.decision.Severity, models.SeverityMedium)
		s.decision.Reasons = append(s.decision.Reasons, fmt.Sprintf("anomaly score %.2f above warn threshold", score.Score))
	}
	return nil
}

func (g *GateService) checkPolicy(ctx context.Context, s *gateState) *gateRejection {
	if g.deps.Policies == nil {
		return nil
	}
	attrs := make(map[string]interface{}, len(s.payload)+4)
	for k, v := range s.payload {
		attrs[k] = v
	}
	attrs["client_id"] = s.security.ClientID
	attrs["client_ip"] = s.clientIP
	attrs["tags"] = append([]string(nil), s.tags...)
	attrs["severity"] = s.decision.Severity.String()

	violations, err := g.deps.Policies.Check(ctx, attrs)
	for _, v := range violations {
		s.decision.Reasons = append(s.decision.Reasons, fmt.Sprintf("policy %s/%s: %s", v.PolicyID, v.RuleID, v.Action))
	}
	if err != nil {
		severity := models.SeverityHigh
		for _, v := range violations {
			if v.Action.Aborts() {
				severity = v.Severity
				break
			}
		}
		return &gateRejection{step: models.StepPolicy, err: err, severity: severity, reason: "request violates a security policy"}
	}
	return nil
}

// ================================================================================
// Event emission
// ================================================================================

func (g *GateService) buildEvent(s *gateState) models.SecurityEvent {
	d := s.decision
	at := s.req.ReceivedAt
	if at.IsZero() {
		at = g.deps.Clock.Now()
	}
	source := s.req.Source
	if source == "" {
		source = constants.SourceHTTPGate
	}
	event := models.NewSecurityEvent(source, s.security.ClientID, s.clientIP, at)
	event.RequestID = s.req.RequestID
	event.Severity = d.Severity
	event.Reasons = append([]string(nil), d.Reasons...)
	for k, v := range s.payload {
		event.Payload[k] = v
	}
	switch {
	case !d.Allowed:
		event.Outcome = models.OutcomeBlocked
		event.Payload[models.PayloadFailedStep] = string(d.FailedStep)
		event.Payload[models.PayloadStatus] = statusOf(d.Err)
	case containsString(s.tags, constants.TagSuspicious):
		event.Outcome = models.OutcomeSuspicious
	default:
		event.Outcome = models.OutcomeAllowed
	}
	event.Tags = append([]string(nil), s.tags...)
	return event
}

func (g *GateService) publish(ctx context.Context, event models.SecurityEvent) {
	if g.deps.Events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(ctx, "security event sink panicked", fmt.Errorf("%v", r))
		}
	}()
	g.deps.Events.Publish(event)
}

// ResolveClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the remote address host.
func ResolveClientIP(req *models.GateRequest) string {
	if xff := req.Header(constants.HeaderForwardedFor); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if real := strings.TrimSpace(req.Header(constants.HeaderRealIP)); net.ParseIP(real) != nil {
		return real
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

func statusOf(err error) int {
	if ge, ok := errors.AsGateError(err); ok {
		return ge.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func detailOf(err error) string {
	if ge, ok := errors.AsGateError(err); ok && ge.Detail() != "" {
		return ge.Detail()
	}
	return err.Error()
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
