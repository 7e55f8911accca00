package kms

import (
	"context"
	"strings"

	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/errors"
)

var _ service.SecretProvider = StaticSecretProvider(nil)

// StaticSecretProvider serves secrets from configuration. Lookups are case-insensitive on the client ID
// since viper lower-cases map keys.
type StaticSecretProvider map[string][]string

// NewStaticSecretProvider copies secrets keyed by client ID.
func NewStaticSecretProvider(secrets map[string][]string) StaticSecretProvider {
	p := make(StaticSecretProvider, len(secrets))
	for clientID, list := range secrets {
		p[strings.ToLower(clientID)] = append([]string(nil), list...)
	}
	return p
}

// SigningSecrets returns the configured secrets for clientID.
func (p StaticSecretProvider) SigningSecrets(_ context.Context, clientID string) ([]string, error) {
	secrets := p[strings.ToLower(clientID)]
	if len(secrets) == 0 {
		return nil, errors.ErrNotFound("signing secret")
	}
	return secrets, nil
}
