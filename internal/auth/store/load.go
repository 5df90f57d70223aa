package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/auth/permissions"
)

// loadFromDisk reads persisted data and rebuilds the in-memory graph,
// running the migration pass over whatever shape is found. Individual
// malformed records are dropped, never fatal; only an unreadable file
// aborts the load.
func (s *AuthStore) loadFromDisk() error {
	raw, _, err := s.storage.Load()
	if err != nil {
		return err
	}

	groups := map[string]*domain.Group{}
	var groupOrder []string
	users := map[string]*domain.User{}
	var userOrder []string

	addGroup := func(g *domain.Group) {
		groups[g.ID] = g
		groupOrder = append(groupOrder, g.ID)
	}

	if raw == nil {
		// Fresh install: no users, the three system groups.
		for _, g := range systemGroups() {
			addGroup(g)
		}
		s.install(groups, groupOrder, users, userOrder)
		return nil
	}

	var data storedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("auth store: decode persisted data: %w", err)
	}

	// Group migration. Well-known ids always get the built-in name and
	// policy, even if storage disagrees; a custom group without a policy is
	// flagged and dropped.
	var noPolicyGroupID string
	customGroups := 0
	for _, sg := range data.Groups {
		switch sg.ID {
		case domain.GroupIDAdmin, domain.GroupIDUser, domain.GroupIDReadOnly:
			addGroup(systemGroup(sg.ID))
		default:
			if sg.Policy == nil {
				noPolicyGroupID = sg.ID
				continue
			}
			addGroup(&domain.Group{ID: sg.ID, Name: sg.Name, Policy: sg.Policy})
			customGroups++
		}
	}
	for _, g := range systemGroups() {
		if _, ok := groups[g.ID]; !ok {
			addGroup(g)
		}
	}

	// Pre-group data stored no groups at all. Only then does every
	// non-system user become an admin; any stored group, system groups
	// included, marks the data as post-group.
	migrateUsersToAdmin := len(data.Groups) == 0

	for _, su := range data.Users {
		groupIDs := su.GroupIDs
		if groupIDs == nil && migrateUsersToAdmin && !su.SystemGenerated {
			groupIDs = []string{domain.GroupIDAdmin}
		}

		var userGroups []*domain.Group
		for _, gid := range groupIDs {
			if gid == noPolicyGroupID {
				gid = domain.GroupIDAdmin
			}
			g, ok := groups[gid]
			if !ok {
				s.logger.Error("user references unknown group, skipping membership",
					"user_id", su.ID, "group_id", gid)
				continue
			}
			userGroups = append(userGroups, g)
		}

		users[su.ID] = &domain.User{
			ID:              su.ID,
			Name:            su.Name,
			IsOwner:         su.IsOwner,
			IsActive:        su.IsActive,
			SystemGenerated: su.SystemGenerated,
			LocalOnly:       su.LocalOnly,
			Groups:          userGroups,
			RefreshTokens:   map[string]*domain.RefreshToken{},
		}
		userOrder = append(userOrder, su.ID)
	}

	for _, sc := range data.Credentials {
		user, ok := users[sc.UserID]
		if !ok {
			s.logger.Error("credential references unknown user, dropping",
				"credential_id", sc.ID, "user_id", sc.UserID)
			continue
		}
		user.Credentials = append(user.Credentials, &domain.Credentials{
			ID:               sc.ID,
			AuthProviderType: sc.AuthProviderType,
			AuthProviderID:   sc.AuthProviderID,
			Data:             sc.Data,
			IsNew:            false,
		})
	}

	for _, st := range data.RefreshTokens {
		token, user := s.buildRefreshToken(st, users)
		if token == nil {
			continue
		}
		user.RefreshTokens[token.ID] = token
	}

	s.install(groups, groupOrder, users, userOrder)
	return nil
}

// buildRefreshToken validates one stored token record. Returns nil when the
// record should be dropped.
func (s *AuthStore) buildRefreshToken(st storedRefreshToken, users map[string]*domain.User) (*domain.RefreshToken, *domain.User) {
	// Tokens from before per-token signing keys cannot back access tokens
	// anymore; dropping them silently is the documented migration.
	if st.JWTKey == "" {
		return nil, nil
	}

	user, ok := users[st.UserID]
	if !ok {
		s.logger.Error("refresh token references unknown user, dropping",
			"token_id", st.ID, "user_id", st.UserID)
		return nil, nil
	}

	createdAt, err := time.Parse(time.RFC3339Nano, st.CreatedAt)
	if err != nil {
		s.logger.Error("refresh token has unparsable created_at, dropping",
			"token_id", st.ID, "created_at", st.CreatedAt)
		return nil, nil
	}

	tokenType := domain.TokenType(st.TokenType)
	switch tokenType {
	case domain.TokenTypeNormal, domain.TokenTypeSystem, domain.TokenTypeLongLived:
	case "":
		// Pre-versioned records carried no type.
		if user.SystemGenerated {
			tokenType = domain.TokenTypeSystem
		} else {
			tokenType = domain.TokenTypeNormal
		}
	default:
		s.logger.Error("refresh token has unknown type, dropping",
			"token_id", st.ID, "token_type", st.TokenType)
		return nil, nil
	}

	token := &domain.RefreshToken{
		ID:                    st.ID,
		UserID:                user.ID,
		ClientID:              st.ClientID,
		ClientName:            st.ClientName,
		ClientIcon:            st.ClientIcon,
		TokenType:             tokenType,
		Token:                 st.Token,
		JWTKey:                st.JWTKey,
		AccessTokenExpiration: time.Duration(st.AccessTokenExpiration * float64(time.Second)),
		CreatedAt:             createdAt,
		LastUsedIP:            st.LastUsedIP,
		CredentialID:          st.CredentialID,
		Version:               st.Version,
	}
	if token.AccessTokenExpiration <= 0 {
		token.AccessTokenExpiration = domain.AccessTokenExpiration
	}
	if st.LastUsedAt != "" {
		lastUsed, err := time.Parse(time.RFC3339Nano, st.LastUsedAt)
		if err != nil {
			s.logger.Warn("refresh token has unparsable last_used_at, clearing it",
				"token_id", st.ID, "last_used_at", st.LastUsedAt)
		} else {
			token.LastUsedAt = &lastUsed
		}
	}
	if st.ExpireAt != nil {
		expireAt := epochToTime(*st.ExpireAt)
		token.ExpireAt = &expireAt
	}
	return token, user
}

// install swaps the freshly built graph in and rebuilds the token index.
func (s *AuthStore) install(groups map[string]*domain.Group, groupOrder []string, users map[string]*domain.User, userOrder []string) {
	tokenIndex := map[string]string{}
	for _, user := range users {
		for tokenID := range user.RefreshTokens {
			tokenIndex[tokenID] = user.ID
		}
	}

	s.mu.Lock()
	s.groups = groups
	s.groupOrder = groupOrder
	s.users = users
	s.userOrder = userOrder
	s.tokenIndex = tokenIndex
	s.mu.Unlock()
}

func systemGroup(id string) *domain.Group {
	switch id {
	case domain.GroupIDAdmin:
		return &domain.Group{
			ID:              domain.GroupIDAdmin,
			Name:            domain.GroupNameAdmin,
			Policy:          permissions.AdminPolicy,
			SystemGenerated: true,
		}
	case domain.GroupIDUser:
		return &domain.Group{
			ID:              domain.GroupIDUser,
			Name:            domain.GroupNameUser,
			Policy:          permissions.UserPolicy,
			SystemGenerated: true,
		}
	case domain.GroupIDReadOnly:
		return &domain.Group{
			ID:              domain.GroupIDReadOnly,
			Name:            domain.GroupNameReadOnly,
			Policy:          permissions.ReadOnlyPolicy,
			SystemGenerated: true,
		}
	}
	panic("unknown system group id: " + id)
}

func systemGroups() []*domain.Group {
	return []*domain.Group{
		systemGroup(domain.GroupIDAdmin),
		systemGroup(domain.GroupIDUser),
		systemGroup(domain.GroupIDReadOnly),
	}
}
