package tokencache

import (
	"bytes"
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// HTTPDoer is the subset of *http.Client the grant implementations need,
// narrowed for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OAuth2ClientCredentials implements the client_credentials grant: POST
// clientId/clientSecret to tokenUrl and parse the standard OAuth2 token
// response.
type OAuth2ClientCredentials struct {
	HTTP HTTPDoer
}

func (g OAuth2ClientCredentials) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (RefreshResult, error) {
	clientID, _ := secret["clientId"].(string)
	clientSecret, _ := secret["clientSecret"].(string)
	if clientID == "" || clientSecret == "" {
		return RefreshResult{}, fmt.Errorf("oauth2 client_credentials: vault payload missing clientId/clientSecret")
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	return postTokenRequest(ctx, g.HTTP, adapter.TokenURL, form)
}

// OAuth2RefreshToken implements the refresh_token grant: POST the stored
// refresh token and rotate it if the response includes a new one.
type OAuth2RefreshToken struct {
	HTTP    HTTPDoer
	Decrypt func([]byte) ([]byte, error)
}

func (g OAuth2RefreshToken) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (RefreshResult, error) {
	if current == nil || len(current.EncryptedRefresh) == 0 {
		return RefreshResult{}, fmt.Errorf("oauth2 refresh_token: no stored refresh token for adapter %s", adapter.ID)
	}
	refreshToken, err := g.Decrypt(current.EncryptedRefresh)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("oauth2 refresh_token: decrypt stored refresh token: %w", err)
	}

	clientID, _ := secret["clientId"].(string)
	clientSecret, _ := secret["clientSecret"].(string)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {string(refreshToken)},
	}
	if clientID != "" {
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
	}
	return postTokenRequest(ctx, g.HTTP, adapter.TokenURL, form)
}

// tokenResponse is the standard RFC 6749 token endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}

func postTokenRequest(ctx context.Context, client HTTPDoer, tokenURL string, form url.Values) (RefreshResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return RefreshResult{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RefreshResult{}, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("token endpoint response missing access_token")
	}

	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

// JWTMinter mints a signed JWT locally rather than calling a remote
// endpoint, for adapters configured with the jwt grant.
type JWTMinter struct{}

func (g JWTMinter) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (RefreshResult, error) {
	ttl := adapter.JWTExpiresIn
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := map[string]any{
		"iss": adapter.JWTIssuer,
		"aud": adapter.JWTAudience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	header := map[string]string{"alg": string(adapter.JWTAlg), "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)
	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	sig, err := signJWT(adapter.JWTAlg, secret, signingInput)
	if err != nil {
		return RefreshResult{}, err
	}

	token := signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
	return RefreshResult{AccessToken: token, ExpiresAt: now.Add(ttl)}, nil
}

func signJWT(alg domain.JWTAlgorithm, secret map[string]any, signingInput string) ([]byte, error) {
	switch alg {
	case domain.JWTAlgHS256, domain.JWTAlgHS512:
		key, _ := secret["signing_key"].(string)
		if key == "" {
			return nil, fmt.Errorf("jwt %s: vault payload missing signing_key", alg)
		}
		if alg == domain.JWTAlgHS256 {
			h := hmac.New(sha256.New, []byte(key))
			h.Write([]byte(signingInput))
			return h.Sum(nil), nil
		}
		h := hmac.New(sha512.New, []byte(key))
		h.Write([]byte(signingInput))
		return h.Sum(nil), nil

	case domain.JWTAlgRS256, domain.JWTAlgRS512:
		pemKey, _ := secret["private_key"].(string)
		if pemKey == "" {
			return nil, fmt.Errorf("jwt %s: vault payload missing private_key", alg)
		}
		block, _ := pem.Decode([]byte(pemKey))
		if block == nil {
			return nil, fmt.Errorf("jwt %s: invalid PEM private key", alg)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			parsedAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err2 != nil {
				return nil, fmt.Errorf("jwt %s: parse private key: %w", alg, err)
			}
			rsaKey, ok := parsedAny.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("jwt %s: private key is not RSA", alg)
			}
			key = rsaKey
		}

		hash := crypto.SHA256
		var sum [32]byte
		if alg == domain.JWTAlgRS512 {
			hash = crypto.SHA512
			full := sha512.Sum512([]byte(signingInput))
			return rsa.SignPKCS1v15(rand.Reader, key, hash, full[:])
		}
		sum = sha256.Sum256([]byte(signingInput))
		return rsa.SignPKCS1v15(rand.Reader, key, hash, sum[:])

	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", alg)
	}
}

// CookieSession implements the cookie/session grant: perform a login POST
// and cache whatever session cookie or body-provided session id the
// response carries.
type CookieSession struct {
	HTTP HTTPDoer
}

func (g CookieSession) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (RefreshResult, error) {
	username, _ := secret["username"].(string)
	password, _ := secret["password"].(string)

	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, adapter.LoginURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return RefreshResult{}, fmt.Errorf("login endpoint returned %d", resp.StatusCode)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == adapter.CookieName {
			ttl := time.Hour
			if ck.MaxAge > 0 {
				ttl = time.Duration(ck.MaxAge) * time.Second
			} else if !ck.Expires.IsZero() {
				ttl = time.Until(ck.Expires)
			}
			return RefreshResult{AccessToken: ck.Value, ExpiresAt: time.Now().Add(ttl)}, nil
		}
	}

	body, _ := io.ReadAll(resp.Body)
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if sid, ok := parsed["session_id"].(string); ok && sid != "" {
			return RefreshResult{AccessToken: sid, ExpiresAt: time.Now().Add(time.Hour)}, nil
		}
	}
	return RefreshResult{}, fmt.Errorf("login response carried no recognizable session cookie or session_id")
}
