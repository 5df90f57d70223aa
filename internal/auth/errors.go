package auth

import "errors"

var (
	// ErrUserNotFound reports a lookup for a user that does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrProviderNotFound reports a reference to an unconfigured provider.
	ErrProviderNotFound = errors.New("auth: auth provider not found")
	// ErrModuleNotFound reports a reference to an unconfigured MFA module.
	ErrModuleNotFound = errors.New("auth: mfa module not found")

	// ErrUserInactive rejects token issuance for deactivated users.
	ErrUserInactive = errors.New("auth: user is not active")
	// ErrOwnerDeactivate rejects deactivating the owner account.
	ErrOwnerDeactivate = errors.New("auth: the owner cannot be deactivated")
	// ErrSystemUserMFA rejects MFA enrollment for system users, which never
	// go through a login flow.
	ErrSystemUserMFA = errors.New("auth: system generated users cannot enable multi-factor auth")
	// ErrCredentialTaken rejects linking credentials already owned by
	// another user.
	ErrCredentialTaken = errors.New("auth: credentials are already linked to another user")

	// ErrClientRequired rejects a normal refresh token without a client id.
	ErrClientRequired = errors.New("auth: client is required to generate a refresh token")
	// ErrClientNameRequired rejects a long-lived token without a name.
	ErrClientNameRequired = errors.New("auth: client name is required for long-lived access tokens")
	// ErrClientNameTaken rejects a second long-lived token under the same
	// name for one user.
	ErrClientNameTaken = errors.New("auth: long-lived access token name already in use")
	// ErrSystemUserClient rejects client-bound tokens for system users.
	ErrSystemUserClient = errors.New("auth: system generated users cannot have refresh tokens connected to a client")
	// ErrTokenTypeMismatch rejects a token type that contradicts the user
	// kind, e.g. a system token for a regular user.
	ErrTokenTypeMismatch = errors.New("auth: refresh token type does not match the user")

	// ErrInvalidAccessToken is the single rejection for every access token
	// failure mode; callers learn nothing about which check failed.
	ErrInvalidAccessToken = errors.New("auth: invalid access token")
)
