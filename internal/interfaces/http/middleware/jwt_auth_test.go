package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/pkg/logger"
)

type adminAction struct {
	actor, resource, action, outcome string
}

type recordingAdminAudit struct{ actions []adminAction }

func (r *recordingAdminAudit) RecordAdminAction(_ context.Context, actor, _, resource, action, outcome string) error {
	r.actions = append(r.actions, adminAction{actor, resource, action, outcome})
	return nil
}

func TestRequireAdmin(t *testing.T) {
	tokens := crypto.NewAdminTokenManager("admin-secret-for-tests-0123456789", "paygate")
	audit := &recordingAdminAudit{}

	router := gin.New()
	router.GET("/admin/v1/threat-level", RequireAdmin(tokens, audit, logger.NewNoopLogger()), func(c *gin.Context) {
		c.String(http.StatusOK, AdminClaimsFrom(c).Subject)
	})
	call := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/threat-level", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	admin, err := tokens.Issue("alice", crypto.RoleAdmin, time.Hour)
	require.NoError(t, err)
	w := call("Bearer " + admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Basic YWxpY2U6cHc=").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+admin+"x").Code)

	other, err := crypto.NewAdminTokenManager("some-other-secret-0123456789abcd", "paygate").Issue("mallory", crypto.RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+other).Code)

	viewer, err := tokens.Issue("bob", "viewer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+viewer).Code)

	require.Len(t, audit.actions, 5, "every denied call is audited")
	assert.Equal(t, adminAction{"bob", "/admin/v1/threat-level", http.MethodGet, "denied"}, audit.actions[4])
	assert.Equal(t, "anonymous", audit.actions[0].actor)
}
