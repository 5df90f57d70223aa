package domain

import "time"

// TokenType classifies refresh tokens.
type TokenType string

const (
	// TokenTypeNormal tokens belong to interactive clients and carry a
	// client id and a sliding expiry.
	TokenTypeNormal TokenType = "normal"
	// TokenTypeSystem tokens belong to system-generated users, have no
	// client id and never expire.
	TokenTypeSystem TokenType = "system"
	// TokenTypeLongLived tokens back user-created long-lived access tokens;
	// at most one active per client name.
	TokenTypeLongLived TokenType = "long_lived_access_token"
)

// RefreshToken is the long-lived secret that authorizes minting short-lived
// access tokens. Scoped to one user and, for normal tokens, one client.
type RefreshToken struct {
	ID     string
	UserID string

	// ClientID is required for normal tokens of non-system users and
	// forbidden for system users.
	ClientID   string
	ClientName string
	ClientIcon string

	TokenType TokenType

	// Token is the long-lived secret. Never transmitted after creation
	// except at issuance.
	Token string

	// JWTKey is the HMAC signing key for access tokens minted from this
	// refresh token. Removing the token invalidates everything signed
	// with it.
	JWTKey string

	AccessTokenExpiration time.Duration

	CreatedAt  time.Time
	LastUsedAt *time.Time
	LastUsedIP string

	// ExpireAt is the sliding absolute expiry; nil means the token never
	// expires. Bumped forward on every use.
	ExpireAt *time.Time

	// CredentialID back-references the credentials used at creation, when
	// the token was created through a login flow.
	CredentialID string

	// Version is a free-form compatibility marker recording the software
	// version that created the token.
	Version string
}

// Expired reports whether the sliding expiry has passed at the given time.
func (t *RefreshToken) Expired(now time.Time) bool {
	return t.ExpireAt != nil && now.After(*t.ExpireAt)
}
