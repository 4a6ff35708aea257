package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testServiceSecret = "s3cret-value"

func newTestValidator(t *testing.T) *ServiceTokenValidator {
	t.Helper()
	validator, err := NewServiceTokenValidator(ServiceTokenValidatorConfig{Secret: testServiceSecret})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestNewServiceTokenValidatorRequiresSecret(t *testing.T) {
	if _, err := NewServiceTokenValidator(ServiceTokenValidatorConfig{}); !errors.Is(err, ErrMissingServiceSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestValidateTokenRequiresExactMatch(t *testing.T) {
	validator := newTestValidator(t)
	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "exact", token: testServiceSecret},
		{name: "empty", token: "", wantErr: ErrMissingServiceToken},
		{name: "prefix", token: "s3cret", wantErr: ErrInvalidServiceToken},
		{name: "padded", token: " " + testServiceSecret, wantErr: ErrInvalidServiceToken},
		{name: "case", token: "S3CRET-VALUE", wantErr: ErrInvalidServiceToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("got %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	validator := newTestValidator(t)

	request := httptest.NewRequest(http.MethodPost, "/jobs/weather", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+testServiceSecret)
	if err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}

	request.Header.Set("Authorization", "Basic "+testServiceSecret)
	if err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingServiceToken) {
		t.Fatalf("expected missing token for non-bearer header, got %v", err)
	}

	request.Header.Del("Authorization")
	if err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingServiceToken) {
		t.Fatalf("expected missing token without header, got %v", err)
	}
}
