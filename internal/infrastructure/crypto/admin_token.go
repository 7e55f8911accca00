package crypto

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/turtacn/paygate/pkg/errors"
)

// RoleAdmin is the role claim required by the admin API.
const RoleAdmin = "admin"

// AdminClaims are the claims carried by admin API bearer tokens.
// AdminClaims 是管理 API Bearer 令牌携带的声明。
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokenManager issues and verifies HS256 admin tokens.
type AdminTokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAdminTokenManager creates a manager signing with secret.
func NewAdminTokenManager(secret, issuer string) *AdminTokenManager {
	return &AdminTokenManager{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject with role, valid for ttl.
func (m *AdminTokenManager) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.ErrInternal(err)
	}
	return signed, nil
}

// Verify parses tokenString and returns its claims. Only HS256 tokens from the configured issuer are accepted.
func (m *AdminTokenManager) Verify(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrAuthentication("admin token expired").WithCause(err)
		}
		return nil, errors.ErrAuthentication("invalid admin token").WithCause(err)
	}
	if !token.Valid {
		return nil, errors.ErrAuthentication("invalid admin token")
	}
	return claims, nil
}
