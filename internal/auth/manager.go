// Package auth is the façade over the stored user graph, the configured
// auth providers and MFA modules, the login flow state machine and the
// access token pipeline.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/auth/mfa"
	"github.com/hearthd/hearth/internal/auth/providers"
	"github.com/hearthd/hearth/internal/auth/store"
	"github.com/hearthd/hearth/internal/flow"
)

// accessTokenLeeway absorbs clock skew between token issuers and
// validators.
const accessTokenLeeway = 10 * time.Second

// Manager is the single entry point for everything auth. All methods are
// safe for concurrent use; persisted state is read and written under the
// store's lock. Domain objects handed out are live views into the store and
// must not be mutated by callers.
type Manager struct {
	logger    *slog.Logger
	store     *store.AuthStore
	providers map[string]providers.AuthProvider
	provOrder []string
	modules   map[string]mfa.Module
	modOrder  []string
	flows     *flow.Manager
	now       func() time.Time
	flowOpts  []flow.Option

	cbMu            sync.Mutex
	cbSeq           int
	revokeCallbacks map[string]map[int]func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFlowOptions forwards options to the login flow manager.
func WithFlowOptions(opts ...flow.Option) Option {
	return func(m *Manager) { m.flowOpts = append(m.flowOpts, opts...) }
}

func NewManager(logger *slog.Logger, st *store.AuthStore, provs []providers.AuthProvider, modules []mfa.Module, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger.With("component", "auth_manager"),
		store:           st,
		providers:       map[string]providers.AuthProvider{},
		modules:         map[string]mfa.Module{},
		now:             time.Now,
		revokeCallbacks: map[string]map[int]func(){},
	}
	for _, p := range provs {
		key := providers.Key(p.Type(), p.ID())
		m.providers[key] = p
		m.provOrder = append(m.provOrder, key)
	}
	for _, mod := range modules {
		m.modules[mod.ID()] = mod
		m.modOrder = append(m.modOrder, mod.ID())
	}
	for _, opt := range opts {
		opt(m)
	}
	m.flows = flow.NewManager(logger.With("component", "login_flow"), m.createLoginFlow, nil,
		append([]flow.Option{flow.WithClock(m.now)}, m.flowOpts...)...)
	return m
}

// Providers returns the configured providers in configuration order.
func (m *Manager) Providers() []providers.AuthProvider {
	out := make([]providers.AuthProvider, 0, len(m.provOrder))
	for _, key := range m.provOrder {
		out = append(out, m.providers[key])
	}
	return out
}

// Provider returns one provider instance, or nil.
func (m *Manager) Provider(providerType, providerID string) providers.AuthProvider {
	return m.providers[providers.Key(providerType, providerID)]
}

// MFAModules returns the configured MFA modules in configuration order.
func (m *Manager) MFAModules() []mfa.Module {
	out := make([]mfa.Module, 0, len(m.modOrder))
	for _, id := range m.modOrder {
		out = append(out, m.modules[id])
	}
	return out
}

// MFAModule returns one module by id, or nil.
func (m *Manager) MFAModule(id string) mfa.Module {
	return m.modules[id]
}

// Users lists all users.
func (m *Manager) Users(ctx context.Context) ([]*domain.User, error) {
	return m.store.Users(ctx)
}

// User returns a user by id, or nil.
func (m *Manager) User(ctx context.Context, id string) (*domain.User, error) {
	return m.store.User(ctx, id)
}

// Groups lists all groups.
func (m *Manager) Groups(ctx context.Context) ([]*domain.Group, error) {
	return m.store.Groups(ctx)
}

// Owner returns the owner user, or nil when onboarding has not happened.
func (m *Manager) Owner(ctx context.Context) (*domain.User, error) {
	users, err := m.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.IsOwner {
			return u, nil
		}
	}
	return nil, nil
}

// CreateUser adds a regular active user. The first non-system user becomes
// the owner no matter which path creates it.
func (m *Manager) CreateUser(ctx context.Context, name string, groupIDs []string, localOnly bool) (*domain.User, error) {
	owner, err := m.shouldBeOwner(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.CreateUser(ctx, store.UserParams{
		Name:      name,
		IsOwner:   owner,
		IsActive:  true,
		GroupIDs:  groupIDs,
		LocalOnly: localOnly,
	})
}

// CreateSystemUser adds a system-generated user, for integrations that act
// on their own behalf. System users never log in through a flow.
func (m *Manager) CreateSystemUser(ctx context.Context, name string, groupIDs []string, localOnly bool) (*domain.User, error) {
	return m.store.CreateUser(ctx, store.UserParams{
		Name:            name,
		IsActive:        true,
		SystemGenerated: true,
		GroupIDs:        groupIDs,
		LocalOnly:       localOnly,
	})
}

// GetUserByCredentials returns the user owning the credentials, or nil.
func (m *Manager) GetUserByCredentials(ctx context.Context, cred *domain.Credentials) (*domain.User, error) {
	return m.store.UserByCredential(ctx, cred.ID)
}

// GetOrCreateUser resolves credentials to their user, creating one for
// brand-new credentials. The first non-system user becomes the owner.
func (m *Manager) GetOrCreateUser(ctx context.Context, cred *domain.Credentials) (*domain.User, error) {
	if !cred.IsNew {
		user, err := m.GetUserByCredentials(ctx, cred)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, ErrUserNotFound
		}
		return user, nil
	}

	provider := m.Provider(cred.AuthProviderType, cred.AuthProviderID)
	if provider == nil {
		return nil, fmt.Errorf("%w: credentials created by %s", ErrProviderNotFound,
			providers.Key(cred.AuthProviderType, cred.AuthProviderID))
	}

	// Delegating providers attach credentials to an account that already
	// exists instead of describing a new one.
	if linker, ok := provider.(providers.UserLinker); ok {
		if userID := linker.UserIDForCredentials(cred); userID != "" {
			user, err := m.store.User(ctx, userID)
			if err != nil {
				return nil, err
			}
			if user == nil {
				return nil, ErrUserNotFound
			}
			if err := m.store.LinkCredentials(ctx, user, cred); err != nil {
				return nil, err
			}
			return user, nil
		}
	}

	meta, err := provider.UserMetaForCredentials(ctx, cred)
	if err != nil {
		return nil, err
	}

	owner, err := m.shouldBeOwner(ctx)
	if err != nil {
		return nil, err
	}

	groupIDs := []string{domain.GroupIDAdmin}
	if meta.GroupID != "" {
		groupIDs = []string{meta.GroupID}
	}

	return m.store.CreateUser(ctx, store.UserParams{
		Name:        meta.Name,
		IsOwner:     owner,
		IsActive:    meta.IsActive,
		LocalOnly:   meta.LocalOnly,
		GroupIDs:    groupIDs,
		Credentials: cred,
	})
}

// shouldBeOwner is true while every existing user is system generated.
func (m *Manager) shouldBeOwner(ctx context.Context) (bool, error) {
	users, err := m.store.Users(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if !u.SystemGenerated {
			return false, nil
		}
	}
	return true, nil
}

// LinkUser attaches credentials to a user. Linking the same credentials
// twice is a no-op; credentials owned by another user are rejected.
func (m *Manager) LinkUser(ctx context.Context, user *domain.User, cred *domain.Credentials) error {
	owner, err := m.GetUserByCredentials(ctx, cred)
	if err != nil {
		return err
	}
	if owner != nil {
		if owner.ID == user.ID {
			return nil
		}
		return ErrCredentialTaken
	}
	return m.store.LinkCredentials(ctx, user, cred)
}

// RemoveUser deletes a user, their credentials (with provider cleanup) and
// all their tokens.
func (m *Manager) RemoveUser(ctx context.Context, user *domain.User) error {
	creds, err := m.store.UserCredentials(ctx, user)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		if err := m.RemoveCredentials(ctx, cred); err != nil {
			return err
		}
	}
	tokens, err := m.store.UserRefreshTokens(ctx, user)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		m.fireRevokeCallbacks(token.ID)
	}
	return m.store.RemoveUser(ctx, user)
}

// RemoveCredentials detaches credentials, runs the owning provider's
// cleanup hook and revokes every refresh token minted through them.
func (m *Manager) RemoveCredentials(ctx context.Context, cred *domain.Credentials) error {
	provider := m.Provider(cred.AuthProviderType, cred.AuthProviderID)
	if provider == nil {
		m.logger.Warn("removing credentials of unconfigured provider",
			"provider", providers.Key(cred.AuthProviderType, cred.AuthProviderID))
	} else if remover, ok := provider.(providers.CredentialRemover); ok {
		if err := remover.OnCredentialRemoved(ctx, cred); err != nil {
			return err
		}
	}

	user, err := m.GetUserByCredentials(ctx, cred)
	if err != nil {
		return err
	}
	if user != nil {
		tokens, err := m.store.UserRefreshTokens(ctx, user)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if token.CredentialID == cred.ID {
				if err := m.RemoveRefreshToken(ctx, token); err != nil {
					return err
				}
			}
		}
	}
	return m.store.RemoveCredentials(ctx, cred)
}

// ActivateUser marks a user active again.
func (m *Manager) ActivateUser(ctx context.Context, user *domain.User) error {
	return m.store.ActivateUser(ctx, user)
}

// DeactivateUser marks a user inactive. The owner cannot be deactivated.
func (m *Manager) DeactivateUser(ctx context.Context, user *domain.User) error {
	if user.IsOwner {
		return ErrOwnerDeactivate
	}
	return m.store.DeactivateUser(ctx, user)
}

// EnableUserMFA enrolls a user with an MFA module and returns the module's
// enrollment data.
func (m *Manager) EnableUserMFA(ctx context.Context, user *domain.User, moduleID string, setupData map[string]string) (map[string]string, error) {
	if user.SystemGenerated {
		return nil, ErrSystemUserMFA
	}
	module := m.MFAModule(moduleID)
	if module == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return module.SetupUser(ctx, user.ID, setupData)
}

// DisableUserMFA removes a user's enrollment with an MFA module.
func (m *Manager) DisableUserMFA(ctx context.Context, user *domain.User, moduleID string) error {
	module := m.MFAModule(moduleID)
	if module == nil {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return module.DeposeUser(ctx, user.ID)
}

// EnabledMFAModules returns the modules the user is enrolled with, in
// configuration order.
func (m *Manager) EnabledMFAModules(ctx context.Context, user *domain.User) ([]mfa.Module, error) {
	var out []mfa.Module
	for _, id := range m.modOrder {
		module := m.modules[id]
		ok, err := module.IsUserSetup(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, module)
		}
	}
	return out, nil
}

// RefreshTokenParams describes a refresh token request. An empty TokenType
// is inferred from the user kind.
type RefreshTokenParams struct {
	User                  *domain.User
	ClientID              string
	ClientName            string
	ClientIcon            string
	TokenType             domain.TokenType
	AccessTokenExpiration time.Duration
	Credential            *domain.Credentials
}

// CreateRefreshToken validates the client/token-type rules and mints a
// refresh token.
func (m *Manager) CreateRefreshToken(ctx context.Context, p RefreshTokenParams) (*domain.RefreshToken, error) {
	user := p.User
	active, err := m.store.UserActive(ctx, user)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrUserInactive
	}
	if user.SystemGenerated && p.ClientID != "" {
		return nil, ErrSystemUserClient
	}

	tokenType := p.TokenType
	if tokenType == "" {
		if user.SystemGenerated {
			tokenType = domain.TokenTypeSystem
		} else {
			tokenType = domain.TokenTypeNormal
		}
	}
	if user.SystemGenerated != (tokenType == domain.TokenTypeSystem) {
		return nil, ErrTokenTypeMismatch
	}
	if tokenType == domain.TokenTypeNormal && p.ClientID == "" {
		return nil, ErrClientRequired
	}
	if tokenType == domain.TokenTypeLongLived {
		if p.ClientName == "" {
			return nil, ErrClientNameRequired
		}
		taken, err := m.store.HasLongLivedToken(ctx, user, p.ClientName)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: %s", ErrClientNameTaken, p.ClientName)
		}
	}

	credentialID := ""
	if p.Credential != nil {
		credentialID = p.Credential.ID
	}
	return m.store.CreateRefreshToken(ctx, store.RefreshTokenParams{
		User:                  user,
		ClientID:              p.ClientID,
		ClientName:            p.ClientName,
		ClientIcon:            p.ClientIcon,
		TokenType:             tokenType,
		AccessTokenExpiration: p.AccessTokenExpiration,
		CredentialID:          credentialID,
	})
}

// RefreshToken returns a refresh token by id, or nil.
func (m *Manager) RefreshToken(ctx context.Context, id string) (*domain.RefreshToken, error) {
	return m.store.RefreshToken(ctx, id)
}

// RefreshTokenByToken looks a refresh token up by its secret string. Every
// stored token is compared so the lookup cost does not depend on a match.
func (m *Manager) RefreshTokenByToken(ctx context.Context, tokenStr string) (*domain.RefreshToken, error) {
	return m.store.FindRefreshTokenBySecret(ctx, tokenStr)
}

// RemoveRefreshToken revokes a refresh token and notifies its revoke
// callbacks.
func (m *Manager) RemoveRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	removed, err := m.store.RemoveRefreshToken(ctx, token)
	if err != nil {
		return err
	}
	if removed {
		m.fireRevokeCallbacks(token.ID)
	}
	return nil
}

// SetTokenExpiry turns the sliding 90-day expiry on or off for a token.
func (m *Manager) SetTokenExpiry(ctx context.Context, token *domain.RefreshToken, enabled bool) error {
	return m.store.SetExpiry(ctx, token, enabled)
}

// RegisterRevokeTokenCallback runs cb when the token is revoked. The
// returned func unregisters it.
func (m *Manager) RegisterRevokeTokenCallback(tokenID string, cb func()) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cbSeq++
	seq := m.cbSeq
	if m.revokeCallbacks[tokenID] == nil {
		m.revokeCallbacks[tokenID] = map[int]func(){}
	}
	m.revokeCallbacks[tokenID][seq] = cb

	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		if cbs := m.revokeCallbacks[tokenID]; cbs != nil {
			delete(cbs, seq)
			if len(cbs) == 0 {
				delete(m.revokeCallbacks, tokenID)
			}
		}
	}
}

func (m *Manager) fireRevokeCallbacks(tokenID string) {
	m.cbMu.Lock()
	cbs := m.revokeCallbacks[tokenID]
	delete(m.revokeCallbacks, tokenID)
	m.cbMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// CreateAccessToken mints a signed access token from a refresh token,
// re-validating with the issuing provider and recording usage.
func (m *Manager) CreateAccessToken(ctx context.Context, token *domain.RefreshToken, remoteIP string) (string, error) {
	if err := m.validateRefreshToken(ctx, token, remoteIP); err != nil {
		return "", err
	}
	if err := m.store.LogTokenUsage(ctx, token, remoteIP); err != nil {
		return "", err
	}

	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    token.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(token.AccessTokenExpiration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(token.JWTKey))
}

// validateRefreshToken gives the issuing provider a veto, e.g. a trusted
// proxy rejecting a token used from an untrusted address.
func (m *Manager) validateRefreshToken(ctx context.Context, token *domain.RefreshToken, remoteIP string) error {
	if token.CredentialID == "" {
		return nil
	}
	user, err := m.store.User(ctx, token.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	cred, err := m.store.UserCredential(ctx, user, token.CredentialID)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}
	provider := m.Provider(cred.AuthProviderType, cred.AuthProviderID)
	if provider == nil {
		return fmt.Errorf("%w: %s", ErrProviderNotFound,
			providers.Key(cred.AuthProviderType, cred.AuthProviderID))
	}
	if validator, ok := provider.(providers.RefreshTokenValidator); ok {
		return validator.ValidateRefreshToken(ctx, token, remoteIP)
	}
	return nil
}

// ValidateAccessToken verifies a signed access token and returns the
// backing refresh token. The unverified payload is trusted for nothing but
// the key lookup; an unknown issuer still runs a full verification against
// an empty key so the two rejections look alike.
func (m *Manager) ValidateAccessToken(ctx context.Context, tokenStr string) (*domain.RefreshToken, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenStr, &jwt.RegisteredClaims{})
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	issuer, err := unverified.Claims.GetIssuer()
	if err != nil {
		return nil, ErrInvalidAccessToken
	}

	refreshToken, err := m.store.RefreshToken(ctx, issuer)
	if err != nil {
		return nil, err
	}
	jwtKey := ""
	if refreshToken != nil {
		jwtKey = refreshToken.JWTKey
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(accessTokenLeeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if _, err := parser.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(jwtKey), nil
	}); err != nil || refreshToken == nil {
		return nil, ErrInvalidAccessToken
	}

	expired, err := m.store.TokenExpired(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrInvalidAccessToken
	}
	user, err := m.store.User(ctx, refreshToken.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidAccessToken
	}
	active, err := m.store.UserActive(ctx, user)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrInvalidAccessToken
	}
	return refreshToken, nil
}

// RemoveExpiredRefreshTokens sweeps tokens whose sliding expiry has passed.
func (m *Manager) RemoveExpiredRefreshTokens(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredRefreshTokens(ctx)
	if err != nil {
		return 0, err
	}
	for _, token := range expired {
		if err := m.RemoveRefreshToken(ctx, token); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Flush forces any pending store save to disk.
func (m *Manager) Flush() error {
	return m.store.Flush()
}
