package handlers

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/internal/application/dto"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/interfaces/http/middleware"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// defaultReportWindow is used when a report request names no range.
const defaultReportWindow = 24 * time.Hour

// PolicyStore manages the active security policies.
type PolicyStore interface {
	Policies() []*models.SecurityPolicy
	Policy(id string) (*models.SecurityPolicy, bool)
	AddPolicy(p *models.SecurityPolicy) error
	RemovePolicy(id string) error
	EnablePolicy(id string) error
	DisablePolicy(id string) error
}

// AuditReporter builds audit and compliance reports and records admin actions.
type AuditReporter interface {
	GenerateReport(ctx context.Context, from, to time.Time) (*models.AuditReport, error)
	ComplianceReport(ctx context.Context, framework string, from, to time.Time) (*models.ComplianceReport, error)
	RecordAdminAction(ctx context.Context, actor, sourceIP, resource, action, outcome string) error
}

// ThreatStatus exposes the Threat Detector state.
type ThreatStatus interface {
	Level() int
	QueueDepth() int
	QueueCapacity() int
	Dropped() int64
	RecentThreats() []models.DetectedThreat
}

// BlockRegistry exposes the dynamic blocklist.
type BlockRegistry interface {
	Snapshot() map[string]time.Time
	Unblock(subject string)
}

// KeyRevoker revokes API keys.
type KeyRevoker interface {
	Revoke(ctx context.Context, key string) error
}

// AdminHandler serves the admin API. Every mutating call is recorded in the audit trail.
type AdminHandler struct {
	policies PolicyStore
	audit    AuditReporter
	threats  ThreatStatus
	blocks   BlockRegistry
	keys     KeyRevoker
	clock    service.Clock
	log      logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(policies PolicyStore, audit AuditReporter, threats ThreatStatus, blocks BlockRegistry, keys KeyRevoker, clock service.Clock, log logger.Logger) *AdminHandler {
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &AdminHandler{
		policies: policies,
		audit:    audit,
		threats:  threats,
		blocks:   blocks,
		keys:     keys,
		clock:    clock,
		log:      log.WithComponent("AdminHandler"),
	}
}

// ================================================================================
// Policies
// ================================================================================

// ListPolicies handles GET /admin/v1/policies.
func (h *AdminHandler) ListPolicies(c *gin.Context) {
	policies := h.policies.Policies()
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	start, end, meta := dto.Paginate(page, pageSize, len(policies))
	resp := dto.SuccessResponse(map[string]interface{}{"policies": policies[start:end]}, middleware.TraceID(c))
	c.JSON(http.StatusOK, resp.WithMetadata("pagination", meta))
}

// GetPolicy handles GET /admin/v1/policies/:id.
func (h *AdminHandler) GetPolicy(c *gin.Context) {
	p, ok := h.policies.Policy(c.Param("id"))
	if !ok {
		middleware.AbortWithProblem(c, errors.ErrNotFound("policy"))
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(p, middleware.TraceID(c)))
}

// UpsertPolicy handles POST /admin/v1/policies. A policy with the same ID is replaced.
func (h *AdminHandler) UpsertPolicy(c *gin.Context) {
	var req dto.PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithProblem(c, errors.ErrValidation("malformed policy document").WithCause(err))
		return
	}
	policy, err := req.ToModel()
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	_, existed := h.policies.Policy(policy.ID)
	err = h.policies.AddPolicy(policy)
	h.recordAction(c, "policy:"+policy.ID, "upsert", err)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, dto.SuccessResponse(policy, middleware.TraceID(c)))
}

// DeletePolicy handles DELETE /admin/v1/policies/:id.
func (h *AdminHandler) DeletePolicy(c *gin.Context) {
	id := c.Param("id")
	err := h.policies.RemovePolicy(id)
	h.recordAction(c, "policy:"+id, "delete", err)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EnablePolicy handles POST /admin/v1/policies/:id/enable.
func (h *AdminHandler) EnablePolicy(c *gin.Context) {
	h.togglePolicy(c, true)
}

// DisablePolicy handles POST /admin/v1/policies/:id/disable.
func (h *AdminHandler) DisablePolicy(c *gin.Context) {
	h.togglePolicy(c, false)
}

func (h *AdminHandler) togglePolicy(c *gin.Context, enabled bool) {
	id := c.Param("id")
	action, toggle := "disable", h.policies.DisablePolicy
	if enabled {
		action, toggle = "enable", h.policies.EnablePolicy
	}
	err := toggle(id)
	h.recordAction(c, "policy:"+id, action, err)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(gin.H{"id": id, "enabled": enabled}, middleware.TraceID(c)))
}

// ================================================================================
// Reports
// ================================================================================

// Report handles GET /admin/v1/reports?from=&to= with RFC 3339 bounds. The range defaults to the last 24h.
func (h *AdminHandler) Report(c *gin.Context) {
	from, to, err := h.reportRange(c)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	report, err := h.audit.GenerateReport(c.Request.Context(), from, to)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(report, middleware.TraceID(c)))
}

// Compliance handles GET /admin/v1/compliance/:framework.
func (h *AdminHandler) Compliance(c *gin.Context) {
	from, to, err := h.reportRange(c)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	report, err := h.audit.ComplianceReport(c.Request.Context(), c.Param("framework"), from, to)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(report, middleware.TraceID(c)))
}

func (h *AdminHandler) reportRange(c *gin.Context) (time.Time, time.Time, error) {
	to := h.clock.Now()
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.ErrValidation("to must be an RFC 3339 timestamp")
		}
		to = parsed
	}
	from := to.Add(-defaultReportWindow)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.ErrValidation("from must be an RFC 3339 timestamp")
		}
		from = parsed
	}
	return from, to, nil
}

// ================================================================================
// Threats and enforcement
// ================================================================================

// ThreatLevel handles GET /admin/v1/threat-level.
func (h *AdminHandler) ThreatLevel(c *gin.Context) {
	recent := h.threats.RecentThreats()
	if recent == nil {
		recent = []models.DetectedThreat{}
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(dto.ThreatLevelResponse{
		Level:         h.threats.Level(),
		QueueDepth:    h.threats.QueueDepth(),
		QueueCapacity: h.threats.QueueCapacity(),
		Dropped:       h.threats.Dropped(),
		RecentThreats: recent,
	}, middleware.TraceID(c)))
}

// ListBlocks handles GET /admin/v1/blocks.
func (h *AdminHandler) ListBlocks(c *gin.Context) {
	snapshot := h.blocks.Snapshot()
	blocks := make([]dto.BlockResponse, 0, len(snapshot))
	for subject, until := range snapshot {
		blocks = append(blocks, dto.BlockResponse{Subject: subject, Until: until})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Subject < blocks[j].Subject })
	c.JSON(http.StatusOK, dto.SuccessResponse(blocks, middleware.TraceID(c)))
}

// Unblock handles DELETE /admin/v1/blocks/:subject. Only this instance's entry is lifted.
func (h *AdminHandler) Unblock(c *gin.Context) {
	subject := c.Param("subject")
	h.blocks.Unblock(subject)
	h.recordAction(c, "block:"+subject, "unblock", nil)
	c.Status(http.StatusNoContent)
}

// RevokeKey handles POST /admin/v1/keys/:key/revoke.
func (h *AdminHandler) RevokeKey(c *gin.Context) {
	key := c.Param("key")
	err := h.keys.Revoke(c.Request.Context(), key)
	h.recordAction(c, "api_key:"+maskKey(key), "revoke", err)
	if err != nil {
		middleware.AbortWithProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) recordAction(c *gin.Context, resource, action string, err error) {
	actor := "unknown"
	if claims := middleware.AdminClaimsFrom(c); claims != nil && claims.Subject != "" {
		actor = claims.Subject
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if recErr := h.audit.RecordAdminAction(c.Request.Context(), actor, c.ClientIP(), resource, action, outcome); recErr != nil {
		h.log.Error(c.Request.Context(), "failed to audit admin action", recErr,
			logger.String("resource", resource),
			logger.String("action", action),
		)
	}
}

// maskKey keeps API keys out of the audit trail.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}
