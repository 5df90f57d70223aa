package store

import (
	"time"

	"github.com/hearthd/hearth/internal/auth/permissions"
)

// On-disk shape: flat lists of records carrying foreign keys, so the object
// graph can be rebuilt on load. Datetimes serialize as RFC 3339 strings,
// durations as seconds, absolute expiries as epoch seconds.

type storedData struct {
	Users         []storedUser         `json:"users"`
	Groups        []storedGroup        `json:"groups"`
	Credentials   []storedCredential   `json:"credentials"`
	RefreshTokens []storedRefreshToken `json:"refresh_tokens"`
}

type storedUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsOwner         bool   `json:"is_owner"`
	IsActive        bool   `json:"is_active"`
	SystemGenerated bool   `json:"system_generated"`
	LocalOnly       bool   `json:"local_only"`
	// GroupIDs is always written, even when empty. Only data persisted
	// before groups existed lacks the key; the migration pass keys off the
	// resulting nil.
	GroupIDs []string `json:"group_ids"`
}

type storedGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Policy is only persisted for custom groups; system group policies are
	// forced to the built-ins at load time.
	Policy permissions.PolicyType `json:"policy,omitempty"`
}

type storedCredential struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	AuthProviderType string            `json:"auth_provider_type"`
	AuthProviderID   string            `json:"auth_provider_id,omitempty"`
	Data             map[string]string `json:"data"`
}

type storedRefreshToken struct {
	ID                    string   `json:"id"`
	UserID                string   `json:"user_id"`
	ClientID              string   `json:"client_id,omitempty"`
	ClientName            string   `json:"client_name,omitempty"`
	ClientIcon            string   `json:"client_icon,omitempty"`
	TokenType             string   `json:"token_type,omitempty"`
	Token                 string   `json:"token"`
	JWTKey                string   `json:"jwt_key,omitempty"`
	CreatedAt             string   `json:"created_at"`
	AccessTokenExpiration float64  `json:"access_token_expiration"`
	LastUsedAt            string   `json:"last_used_at,omitempty"`
	LastUsedIP            string   `json:"last_used_ip,omitempty"`
	ExpireAt              *float64 `json:"expire_at,omitempty"`
	CredentialID          string   `json:"credential_id,omitempty"`
	Version               string   `json:"version,omitempty"`
}

// snapshot serializes the in-memory graph. It runs when a delayed save
// fires, so it captures whatever the graph looks like at write time.
func (s *AuthStore) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := storedData{
		Users:         []storedUser{},
		Groups:        []storedGroup{},
		Credentials:   []storedCredential{},
		RefreshTokens: []storedRefreshToken{},
	}

	for _, gid := range s.groupOrder {
		g := s.groups[gid]
		sg := storedGroup{ID: g.ID, Name: g.Name}
		if !g.SystemGenerated {
			sg.Policy = g.Policy
		}
		data.Groups = append(data.Groups, sg)
	}

	for _, uid := range s.userOrder {
		u := s.users[uid]
		su := storedUser{
			ID:              u.ID,
			Name:            u.Name,
			IsOwner:         u.IsOwner,
			IsActive:        u.IsActive,
			SystemGenerated: u.SystemGenerated,
			LocalOnly:       u.LocalOnly,
			GroupIDs:        make([]string, 0, len(u.Groups)),
		}
		for _, g := range u.Groups {
			su.GroupIDs = append(su.GroupIDs, g.ID)
		}
		data.Users = append(data.Users, su)

		for _, c := range u.Credentials {
			data.Credentials = append(data.Credentials, storedCredential{
				ID:               c.ID,
				UserID:           u.ID,
				AuthProviderType: c.AuthProviderType,
				AuthProviderID:   c.AuthProviderID,
				Data:             c.Data,
			})
		}

		for _, t := range u.RefreshTokens {
			st := storedRefreshToken{
				ID:                    t.ID,
				UserID:                u.ID,
				ClientID:              t.ClientID,
				ClientName:            t.ClientName,
				ClientIcon:            t.ClientIcon,
				TokenType:             string(t.TokenType),
				Token:                 t.Token,
				JWTKey:                t.JWTKey,
				CreatedAt:             t.CreatedAt.UTC().Format(time.RFC3339Nano),
				AccessTokenExpiration: t.AccessTokenExpiration.Seconds(),
				LastUsedIP:            t.LastUsedIP,
				CredentialID:          t.CredentialID,
				Version:               t.Version,
			}
			if t.LastUsedAt != nil {
				st.LastUsedAt = t.LastUsedAt.UTC().Format(time.RFC3339Nano)
			}
			if t.ExpireAt != nil {
				sec := float64(t.ExpireAt.UnixNano()) / float64(time.Second)
				st.ExpireAt = &sec
			}
			data.RefreshTokens = append(data.RefreshTokens, st)
		}
	}

	return data
}

func epochToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}
