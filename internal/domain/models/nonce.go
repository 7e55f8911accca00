package models

import "time"

// NonceRecord is a single-use token. Validation both checks and invalidates it.
type NonceRecord struct {
	Nonce  string    `json:"nonce"`
	Expiry time.Time `json:"expiry"`
}

// Expired reports whether the nonce can no longer be used.
func (n NonceRecord) Expired(now time.Time) bool {
	return !now.Before(n.Expiry)
}

// CSPReport is the body of a browser Content-Security-Policy violation report.
type CSPReport struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer,omitempty"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive,omitempty"`
	OriginalPolicy     string `json:"original-policy,omitempty"`
	BlockedURI         string `json:"blocked-uri"`
	SourceFile         string `json:"source-file,omitempty"`
	LineNumber         int    `json:"line-number,omitempty"`
	Disposition        string `json:"disposition,omitempty"`

	// NonceVerified is set when the report URI carried a nonce this gate issued and had not yet seen.
	NonceVerified bool `json:"-"`
}

// CSPReportEnvelope wraps a report as browsers send it.
type CSPReportEnvelope struct {
	Report CSPReport `json:"csp-report"`
}
