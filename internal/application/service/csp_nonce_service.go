package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/logger"
)

const defaultCSPPolicy = "default-src 'self'; script-src 'self'; style-src 'self'; object-src 'none'; frame-ancestors 'none'; base-uri 'self'"

// NonceService issues single-use CSP nonces and builds the per-response Content-Security-Policy header.
type NonceService struct {
	store     domainService.AtomicStore
	clock     domainService.Clock
	ttl       time.Duration
	policy    string
	reportURI string
	logger    logger.Logger
}

// NewNonceService creates a nonce service backed by store.
func NewNonceService(store domainService.AtomicStore, cfg config.CSPConfig, clock domainService.Clock, log logger.Logger) *NonceService {
	if clock == nil {
		clock = domainService.SystemClock{}
	}
	ttl := cfg.NonceTTL
	if ttl <= 0 {
		ttl = constants.DefaultNonceTTL
	}
	policy := strings.TrimSpace(cfg.Policy)
	if policy == "" {
		policy = defaultCSPPolicy
	}
	return &NonceService{
		store:     store,
		clock:     clock,
		ttl:       ttl,
		policy:    policy,
		reportURI: cfg.ReportURI,
		logger:    log.WithComponent("NonceService"),
	}
}

// Issue creates and stores a fresh nonce.
func (s *NonceService) Issue(ctx context.Context) (models.NonceRecord, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return models.NonceRecord{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	record := models.NonceRecord{
		Nonce:  base64.StdEncoding.EncodeToString(buf),
		Expiry: s.clock.Now().Add(s.ttl),
	}
	stored, err := s.store.PutIfAbsent(ctx, nonceKey(record.Nonce), record.Expiry.UTC().Format(time.RFC3339Nano), s.ttl)
	if err != nil {
		return models.NonceRecord{}, fmt.Errorf("failed to store nonce: %w", err)
	}
	if !stored {
		return models.NonceRecord{}, fmt.Errorf("nonce collision")
	}
	return record, nil
}

// Consume validates nonce and invalidates it. It reports false for unknown, used or expired nonces.
func (s *NonceService) Consume(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	raw, ok, err := s.store.Take(ctx, nonceKey(nonce))
	if err != nil || !ok {
		return false, err
	}
	expiry, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn(ctx, "stored nonce has malformed expiry")
		return false, nil
	}
	return !(models.NonceRecord{Nonce: nonce, Expiry: expiry}).Expired(s.clock.Now()), nil
}

// Header returns the policy with nonce appended to script-src and style-src. The report URI carries the
// nonce too, so Consume can vouch for the first report a page sends.
func (s *NonceService) Header(nonce string) string {
	return BuildCSPHeader(s.policy, nonce, s.reportURI)
}

// BuildCSPHeader appends 'nonce-<nonce>' to the script-src and style-src directives of policy, adding
// the directives when missing, and a report-uri directive when reportURI is set. The nonce is added to the
// report URI as the nonce query parameter.
func BuildCSPHeader(policy, nonce, reportURI string) string {
	token := "'nonce-" + nonce + "'"
	var directives []string
	seen := map[string]bool{}
	for _, d := range strings.Split(policy, ";") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		name := strings.ToLower(strings.Fields(d)[0])
		if nonce != "" && (name == "script-src" || name == "style-src") {
			d += " " + token
		}
		seen[name] = true
		directives = append(directives, d)
	}
	if nonce != "" {
		for _, name := range []string{"script-src", "style-src"} {
			if !seen[name] {
				directives = append(directives, name+" 'self' "+token)
			}
		}
	}
	if reportURI != "" && !seen["report-uri"] {
		if nonce != "" {
			sep := "?"
			if strings.Contains(reportURI, "?") {
				sep = "&"
			}
			reportURI += sep + "nonce=" + url.QueryEscape(nonce)
		}
		directives = append(directives, "report-uri "+reportURI)
	}
	return strings.Join(directives, "; ")
}

func nonceKey(nonce string) string { return "csp-nonce:" + nonce }
