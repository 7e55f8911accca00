// Package audit signs audit events and ships them to external sinks.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.AuditSigner = (*Signer)(nil)

// Signer computes HMAC-SHA256 signatures over audit events.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. The key must not be empty.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, fmt.Errorf("audit signing key is empty")
	}
	return &Signer{key: []byte(key)}, nil
}

// digest signs the JSON encoding of the event with its Signature field cleared.
// encoding/json sorts map keys, so Details encode deterministically.
func (s *Signer) digest(event *models.AuditEvent) ([]byte, error) {
	unsigned := *event
	unsigned.Signature = ""
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	h := hmac.New(sha256.New, s.key)
	h.Write(payload)
	return h.Sum(nil), nil
}

// Sign sets event.Signature.
func (s *Signer) Sign(event *models.AuditEvent) error {
	sum, err := s.digest(event)
	if err != nil {
		return err
	}
	event.Signature = base64.StdEncoding.EncodeToString(sum)
	return nil
}

// Verify reports whether event.Signature matches its content.
func (s *Signer) Verify(event *models.AuditEvent) bool {
	got, err := base64.StdEncoding.DecodeString(event.Signature)
	if err != nil || len(got) == 0 {
		return false
	}
	want, err := s.digest(event)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}
