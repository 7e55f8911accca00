package models

import (
	"strings"
	"time"
)

// ApiKeyInfo describes an issued API key. Keys are immutable once issued except for revocation.
type ApiKeyInfo struct {
	Key              string    `json:"-" gorm:"column:api_key;primaryKey;size:128"`
	ClientID         string    `json:"client_id" gorm:"index;size:64;not null"`
	Active           bool      `json:"active" gorm:"not null"`
	ExpiresAt        time.Time `json:"expires_at"`
	AllowedEndpoints []string  `json:"allowed_endpoints" gorm:"serializer:json"`
	AllowedMethods   []string  `json:"allowed_methods" gorm:"serializer:json"`
	RequireSignature bool      `json:"require_signature"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName pins the gorm table name.
func (ApiKeyInfo) TableName() string { return "api_keys" }

// Expired reports whether the key is past its expiry. A zero expiry never expires.
func (k *ApiKeyInfo) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// PermitsMethod reports whether method may be used with this key. An empty list permits all.
func (k *ApiKeyInfo) PermitsMethod(method string) bool {
	if len(k.AllowedMethods) == 0 {
		return true
	}
	for _, m := range k.AllowedMethods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// PermitsEndpoint reports whether path is covered by the key's endpoint list.
// Entries ending in "*" match by prefix. An empty list permits all.
func (k *ApiKeyInfo) PermitsEndpoint(path string) bool {
	if len(k.AllowedEndpoints) == 0 {
		return true
	}
	for _, e := range k.AllowedEndpoints {
		if e == "*" || e == path {
			return true
		}
		if strings.HasSuffix(e, "*") && strings.HasPrefix(path, strings.TrimSuffix(e, "*")) {
			return true
		}
	}
	return false
}
