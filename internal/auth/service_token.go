package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingServiceSecret = errors.New("service token validator: secret required")
	ErrMissingServiceToken  = errors.New("service token validator: token required")
	ErrInvalidServiceToken  = errors.New("service token validator: invalid token")
)

// ServiceTokenValidatorConfig describes the shared secret accepted by the
// scheduler-facing entry points.
type ServiceTokenValidatorConfig struct {
	Secret string
}

// ServiceTokenValidator accepts bearer tokens equal to the configured secret.
type ServiceTokenValidator struct {
	secret []byte
}

func NewServiceTokenValidator(cfg ServiceTokenValidatorConfig) (*ServiceTokenValidator, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingServiceSecret
	}
	return &ServiceTokenValidator{secret: []byte(cfg.Secret)}, nil
}

// ValidateToken compares the token with the secret byte for byte.
func (v *ServiceTokenValidator) ValidateToken(token string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(token), v.secret) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *ServiceTokenValidator) ValidateRequest(r *http.Request) error {
	if r == nil {
		return ErrMissingServiceToken
	}
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return ErrMissingServiceToken
	}
	return v.ValidateToken(token)
}

// BearerToken returns the credential of a "Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, bearerPrefix)
	if token == "" {
		return "", false
	}
	return token, true
}
