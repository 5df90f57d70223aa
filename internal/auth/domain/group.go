package domain

import "github.com/hearthd/hearth/internal/auth/permissions"

// Group bundles a permission policy under a referenceable id. Group objects
// are shared between the users that reference them; they are immutable once
// handed out and never silently deleted while referenced.
type Group struct {
	ID              string
	Name            string
	Policy          permissions.PolicyType
	SystemGenerated bool
}
