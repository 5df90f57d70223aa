package domain

import "github.com/hearthd/hearth/internal/auth/permissions"

// User is a stored account. At most one user in the system is the owner; the
// owner is auto-designated when the first non-system user is created and can
// never be deactivated.
type User struct {
	ID              string
	Name            string
	IsOwner         bool
	IsActive        bool
	SystemGenerated bool
	// LocalOnly users may only authenticate from the local network.
	LocalOnly bool

	// Groups are shared Group objects resolved by the store; order follows
	// the stored group-id list.
	Groups []*Group

	// Credentials owned by this user.
	Credentials []*Credentials

	// RefreshTokens owned by this user, keyed by token id.
	RefreshTokens map[string]*RefreshToken
}

// Permissions returns the permission checker for this user: everything for
// the owner, otherwise the merge of the user's group policies.
func (u *User) Permissions() permissions.Checker {
	if u.IsOwner {
		return permissions.OwnerPermissions
	}
	policies := make([]permissions.PolicyType, 0, len(u.Groups))
	for _, g := range u.Groups {
		policies = append(policies, g.Policy)
	}
	return permissions.NewChecker(permissions.MergePolicies(policies))
}

// IsAdmin reports whether the user is an active owner or an active member of
// the admin group.
func (u *User) IsAdmin() bool {
	if !u.IsActive {
		return false
	}
	if u.IsOwner {
		return true
	}
	for _, g := range u.Groups {
		if g.ID == GroupIDAdmin {
			return true
		}
	}
	return false
}

// HasCredential reports whether a credential with the given id is linked to
// this user.
func (u *User) HasCredential(credentialID string) bool {
	for _, c := range u.Credentials {
		if c.ID == credentialID {
			return true
		}
	}
	return false
}
