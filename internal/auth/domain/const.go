package domain

import "time"

const (
	// AccessTokenExpiration is the default lifetime of a minted access token.
	AccessTokenExpiration = 30 * time.Minute

	// RefreshTokenExpiration is the sliding window a normal refresh token
	// stays valid without being used.
	RefreshTokenExpiration = 90 * 24 * time.Hour

	// MFASessionExpiration bounds how long a login flow may sit in the MFA
	// step before it aborts.
	MFASessionExpiration = 5 * time.Minute
)

// Well-known ids of the three system groups. Synthesized at load time when
// absent from storage.
const (
	GroupIDAdmin    = "system-admin"
	GroupIDUser     = "system-users"
	GroupIDReadOnly = "system-read-only"

	GroupNameAdmin    = "Administrators"
	GroupNameUser     = "Users"
	GroupNameReadOnly = "Read Only"
)
