package ingress_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/ingress"
)

type fakeSecrets struct {
	payload map[string]any
	err     error
}

func (f fakeSecrets) ReadSecret(id string) (map[string]any, *domain.Secret, error) {
	return f.payload, nil, f.err
}

func hs256JWT(t *testing.T, key string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := header + "." + payload
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}

func TestVerifyJWTAcceptsValidSignatureAndClaims(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantJWT, JWTAlg: domain.JWTAlgHS256,
		JWTIssuer: "flowengine", JWTAudience: "ingress",
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	token := hs256JWT(t, "super-secret", map[string]any{
		"iss": "flowengine", "aud": "ingress", "exp": time.Now().Add(time.Hour).Unix(),
	})
	v := ingress.CredentialValidator{Secrets: fakeSecrets{payload: map[string]any{"signing_key": "super-secret"}}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	err := v.Validate(context.Background(), adapter, req)
	assert.NoError(t, err)
}

func TestVerifyJWTRejectsBadSignature(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantJWT, JWTAlg: domain.JWTAlgHS256,
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	token := hs256JWT(t, "correct-key", map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	v := ingress.CredentialValidator{Secrets: fakeSecrets{payload: map[string]any{"signing_key": "wrong-key"}}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	err := v.Validate(context.Background(), adapter, req)
	assert.Error(t, err)
}

func TestVerifyJWTRejectsExpiredToken(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantJWT, JWTAlg: domain.JWTAlgHS256,
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	token := hs256JWT(t, "super-secret", map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	v := ingress.CredentialValidator{Secrets: fakeSecrets{payload: map[string]any{"signing_key": "super-secret"}}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	err := v.Validate(context.Background(), adapter, req)
	assert.ErrorContains(t, err, "expired")
}

func TestValidateRejectsMissingCredential(t *testing.T) {
	adapter := domain.AuthAdapter{ID: "a1", Grant: domain.GrantJWT, HeaderName: "Authorization", HeaderPrefix: "Bearer "}
	v := ingress.CredentialValidator{}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	err := v.Validate(context.Background(), adapter, req)
	assert.Error(t, err)
}

func TestValidateExtractsFromQueryParam(t *testing.T) {
	adapter := domain.AuthAdapter{ID: "a1", Grant: domain.GrantCookieSession, QueryParam: "token"}
	v := ingress.CredentialValidator{}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x?token=abc", nil)
	err := v.Validate(context.Background(), adapter, req)
	assert.NoError(t, err)
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestIntrospectAcceptsActiveToken(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantClientCredentials, TokenURL: "https://idp.example/introspect",
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	v := ingress.CredentialValidator{
		HTTP: doerFunc(func(r *http.Request) (*http.Response, error) {
			body := `{"active": true}`
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	err := v.Validate(context.Background(), adapter, req)
	assert.NoError(t, err)
}

func TestIntrospectRejectsInactiveToken(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantRefreshToken, TokenURL: "https://idp.example/introspect",
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	v := ingress.CredentialValidator{
		HTTP: doerFunc(func(r *http.Request) (*http.Response, error) {
			body := `{"active": false}`
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	err := v.Validate(context.Background(), adapter, req)
	assert.ErrorContains(t, err, "inactive")
}

func TestIntrospectRejectsNonOKStatus(t *testing.T) {
	adapter := domain.AuthAdapter{
		ID: "a1", Grant: domain.GrantClientCredentials, TokenURL: "https://idp.example/introspect",
		HeaderName: "Authorization", HeaderPrefix: "Bearer ",
	}
	v := ingress.CredentialValidator{
		HTTP: doerFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader(""))}, nil
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/x", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	err := v.Validate(context.Background(), adapter, req)
	assert.Error(t, err)
}
