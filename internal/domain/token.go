package domain

import "time"

// TokenType is the closed set of credential kinds a TokenCache entry holds.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeSession TokenType = "session"
)

// GrantType is how an AuthAdapter obtains a fresh token.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantJWT               GrantType = "jwt"
	GrantCookieSession     GrantType = "cookie_session"
	GrantAPIKey            GrantType = "api_key"
)

// JWTAlgorithm is the closed set of signing algorithms the token lifecycle
// supports for locally-minted JWTs.
type JWTAlgorithm string

const (
	JWTAlgHS256 JWTAlgorithm = "HS256"
	JWTAlgHS512 JWTAlgorithm = "HS512"
	JWTAlgRS256 JWTAlgorithm = "RS256"
	JWTAlgRS512 JWTAlgorithm = "RS512"
)

// TokenCacheKey identifies one cached credential.
type TokenCacheKey struct {
	AdapterID string    `json:"adapter_id"`
	TokenType TokenType `json:"token_type"`
	Scope     string    `json:"scope"`
}

// TokenCacheEntry is the CAS-guarded, optimistically-locked credential
// record behind the guarded-refresh protocol.
type TokenCacheEntry struct {
	Key              TokenCacheKey `json:"key"`
	EncryptedAccess  []byte        `json:"encrypted_access,omitempty"`
	EncryptedRefresh []byte        `json:"encrypted_refresh,omitempty"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	LastUsedAt       time.Time     `json:"last_used_at"`
	Version          int64         `json:"version"`
	RefreshInFlight  bool          `json:"refresh_in_flight"`
	RefreshStartedAt *time.Time    `json:"refresh_started_at,omitempty"`
	LastRefreshError string        `json:"last_refresh_error,omitempty"`
}

// NeedsRefresh reports whether the cached access token is absent or within
// refreshSkew of expiry.
func (e *TokenCacheEntry) NeedsRefresh(now time.Time, refreshSkew time.Duration) bool {
	if e.EncryptedAccess == nil {
		return true
	}
	return e.ExpiresAt.Sub(now) <= refreshSkew
}

// RefreshStuck reports whether an in-flight refresh's heartbeat has gone
// stale and should be treated as reclaimable.
func (e *TokenCacheEntry) RefreshStuck(now time.Time, staleness time.Duration) bool {
	return e.RefreshInFlight && e.RefreshStartedAt != nil && now.Sub(*e.RefreshStartedAt) > staleness
}

// AuthAdapter describes how to obtain a credential (outbound) or validate
// one presented on an inbound request.
type AuthAdapter struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Grant      GrantType    `json:"grant"`
	TokenURL   string       `json:"token_url,omitempty"`
	SecretID   string       `json:"secret_id"` // vault reference for client credentials / signing key
	JWTAlg     JWTAlgorithm `json:"jwt_alg,omitempty"`
	JWTExpiresIn time.Duration `json:"jwt_expires_in,omitempty"`
	JWTIssuer  string       `json:"jwt_issuer,omitempty"`
	JWTAudience string      `json:"jwt_audience,omitempty"`
	LoginURL   string       `json:"login_url,omitempty"` // cookie/session grant
	// Placement describes where an outbound-bound or inbound-extracted token lives.
	HeaderName   string `json:"header_name,omitempty"`
	HeaderPrefix string `json:"header_prefix,omitempty"`
	CookieName   string `json:"cookie_name,omitempty"`
	QueryParam   string `json:"query_param,omitempty"`
}

// EnforcementMode is how strictly an InboundAuthPolicy enforces its adapter.
type EnforcementMode string

const (
	EnforcementBypass   EnforcementMode = "bypass"
	EnforcementOptional EnforcementMode = "optional"
	EnforcementRequired EnforcementMode = "required"
)

// InboundAuthPolicy binds a route pattern + method to an AuthAdapter with an
// enforcement mode.
type InboundAuthPolicy struct {
	ID          string          `json:"id"`
	RoutePattern string         `json:"route_pattern"`
	Method      string          `json:"method"`
	AdapterID   string          `json:"adapter_id"`
	Enforcement EnforcementMode `json:"enforcement"`
}

// APIKey is an org-scoped credential for the GrantAPIKey inbound adapter:
// the key's identifying half (KeyID) is looked up directly, its secret
// half is checked against KeyHash.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	Scopes    []string   `json:"scopes,omitempty"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
