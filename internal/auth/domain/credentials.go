package domain

// Credentials link one external identity, as produced by one auth provider,
// to at most one user. Until linked they are transient values owned by the
// provider that produced them; IsNew flips to false on first link.
type Credentials struct {
	ID               string
	AuthProviderType string
	// AuthProviderID distinguishes multiple configured instances of the
	// same provider type. Empty for the default instance.
	AuthProviderID string
	// Data is provider-specific; together with the provider type and id it
	// uniquely identifies one external identity.
	Data  map[string]string
	IsNew bool
}
