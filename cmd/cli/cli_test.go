package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/internal/infrastructure/crypto"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSignAndVerify(t *testing.T) {
	body := `{"amount":1000,"currency":"USD"}`
	ts := time.Now().Unix()

	out, err := run(t, body, "sign", "--secret", "whsec_test", "--timestamp", strconv.FormatInt(ts, 10))
	require.NoError(t, err)
	header := strings.TrimSpace(out)
	assert.Equal(t, crypto.GenerateSignature([]byte(body), "whsec_test", time.Unix(ts, 0)), header)

	out, err = run(t, body, "verify", "--secret", "whsec_old,whsec_test", "--header", header)
	require.NoError(t, err)
	assert.Contains(t, out, "signature valid")

	_, err = run(t, body+" ", "verify", "--secret", "whsec_test", "--header", header)
	assert.Error(t, err)
}

func TestSign_RequiresSecret(t *testing.T) {
	_, err := run(t, "{}", "sign", "--secret", "")
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
policies:
  - id: refunds
    name: Refund limits
    enabled: true
    rules:
      - id: large_refund
        condition: amount > 10000
        action: reject
        severity: high
        enabled: true
`), 0o600))

	out, err := run(t, "", "policy", "validate", good, "--attrs", `{"amount":20000}`)
	require.NoError(t, err)
	assert.Contains(t, out, "1 policies, 1 rules OK")
	assert.Contains(t, out, "violation refunds/large_refund action=reject")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("policies:\n  - id: x\n    rules:\n      - id: r\n        condition: 'a =='\n        action: log\n"), 0o600))
	_, err = run(t, "", "policy", "validate", bad, "--attrs", "")
	assert.Error(t, err)
}

func TestTokenIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin:\n  jwt_secret: test-admin-secret\n  issuer: paygate\n"), 0o600))

	out, err := run(t, "", "--config", path, "token", "issue", "ops@example.com")
	require.NoError(t, err)

	claims, err := crypto.NewAdminTokenManager("test-admin-secret", "paygate").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, crypto.RoleAdmin, claims.Role)
}

func TestAuditReport_NeedsDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  backend: memory\n"), 0o600))

	_, err := run(t, "", "--config", path, "audit", "report")
	assert.ErrorContains(t, err, "audit.backend=gorm")
}
