// Package store owns the persisted user/group/credential/token graph. It is
// the only mutation path for stored auth data: every change funnels through
// a method here, which schedules a debounced save instead of blocking on
// disk I/O.
package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/cryptox"
	"github.com/hearthd/hearth/pkg/idx"
)

const (
	// StorageKey names the auth data file.
	StorageKey = "auth"
	// StorageVersion travels with the data for future migrations.
	StorageVersion = 1

	// DefaultSaveDelay debounces mutation-triggered saves.
	DefaultSaveDelay = 1 * time.Second
	// InitialSaveDelay is used for the save scheduled right after load, so
	// startup migrations don't thrash the disk on every boot.
	InitialSaveDelay = 5 * time.Minute
)

var (
	// ErrAlreadyLoaded reports a second Load call on a loaded store.
	ErrAlreadyLoaded = errors.New("auth store: already loaded")
	// ErrGroupNotFound reports a reference to a group id that does not
	// exist.
	ErrGroupNotFound = errors.New("auth store: group not found")
)

// AuthStore is the sole owner of persisted auth state. Lazily loaded once;
// concurrent loaders share a single disk read.
type AuthStore struct {
	logger  *slog.Logger
	storage *storage.Store
	now     func() time.Time
	version string

	saveDelay        time.Duration
	initialSaveDelay time.Duration

	mu      sync.Mutex
	loaded  bool
	loading chan struct{}
	loadErr error

	users      map[string]*domain.User
	userOrder  []string
	groups     map[string]*domain.Group
	groupOrder []string
	// tokenIndex maps refresh-token id to owning-user id for O(1) lookup.
	tokenIndex map[string]string
}

// Option configures an AuthStore.
type Option func(*AuthStore)

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *AuthStore) { s.now = now }
}

// WithVersion sets the compat marker stamped onto new refresh tokens.
func WithVersion(v string) Option {
	return func(s *AuthStore) { s.version = v }
}

// WithSaveDelays overrides the normal and initial-load save delays.
func WithSaveDelays(normal, initial time.Duration) Option {
	return func(s *AuthStore) {
		s.saveDelay = normal
		s.initialSaveDelay = initial
	}
}

func New(st *storage.Store, logger *slog.Logger, opts ...Option) *AuthStore {
	s := &AuthStore{
		logger:           logger.With("component", "auth_store"),
		storage:          st,
		now:              time.Now,
		saveDelay:        DefaultSaveDelay,
		initialSaveDelay: InitialSaveDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads persisted state exactly once. A second call after a completed
// load is a programming error and fails; concurrent calls during the load
// wait for the in-flight read instead of starting another.
func (s *AuthStore) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return ErrAlreadyLoaded
	}
	s.mu.Unlock()
	return s.ensureLoaded(ctx)
}

func (s *AuthStore) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	if s.loading != nil {
		ch := s.loading
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadErr
	}
	ch := make(chan struct{})
	s.loading = ch
	s.mu.Unlock()

	err := s.loadFromDisk()

	s.mu.Lock()
	s.loadErr = err
	s.loaded = err == nil
	s.loading = nil
	s.mu.Unlock()
	close(ch)

	if err == nil {
		// Migrations may have changed the data shape; persist on the long
		// delay to keep startup I/O quiet.
		s.storage.DelaySave(s.snapshot, s.initialSaveDelay)
	}
	return err
}

// Flush forces any pending delayed save to disk, e.g. at shutdown.
func (s *AuthStore) Flush() error {
	return s.storage.Flush()
}

// Users returns all users in stored order.
func (s *AuthStore) Users(ctx context.Context) ([]*domain.User, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	return out, nil
}

// User returns a user by id, or nil when absent.
func (s *AuthStore) User(ctx context.Context, id string) (*domain.User, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id], nil
}

// Groups returns all groups in stored order.
func (s *AuthStore) Groups(ctx context.Context) ([]*domain.Group, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Group, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		out = append(out, s.groups[id])
	}
	return out, nil
}

// Group returns a group by id, or nil when absent.
func (s *AuthStore) Group(ctx context.Context, id string) (*domain.Group, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[id], nil
}

// UserActive reads the user's active flag under the store lock.
func (s *AuthStore) UserActive(ctx context.Context, user *domain.User) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return user.IsActive, nil
}

// UserCredentials returns a copy of the user's credential list.
func (s *AuthStore) UserCredentials(ctx context.Context, user *domain.User) ([]*domain.Credentials, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Credentials(nil), user.Credentials...), nil
}

// UserCredential returns the user's credential with the given id, or nil.
func (s *AuthStore) UserCredential(ctx context.Context, user *domain.User, credentialID string) (*domain.Credentials, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range user.Credentials {
		if c.ID == credentialID {
			return c, nil
		}
	}
	return nil, nil
}

// UserByCredential returns the user owning the credential id, or nil.
func (s *AuthStore) UserByCredential(ctx context.Context, credentialID string) (*domain.User, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.userOrder {
		if s.users[id].HasCredential(credentialID) {
			return s.users[id], nil
		}
	}
	return nil, nil
}

// CredentialsByProvider returns every credential created by the given
// provider instance, across all users.
func (s *AuthStore) CredentialsByProvider(ctx context.Context, providerType, providerID string) ([]*domain.Credentials, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Credentials
	for _, id := range s.userOrder {
		for _, c := range s.users[id].Credentials {
			if c.AuthProviderType == providerType && c.AuthProviderID == providerID {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// UserParams describes a user to create.
type UserParams struct {
	Name            string
	IsOwner         bool
	IsActive        bool
	SystemGenerated bool
	LocalOnly       bool
	GroupIDs        []string
	// Credentials, when set, are linked to the new user.
	Credentials *domain.Credentials
}

// CreateUser adds a user. Unknown group ids fail with ErrGroupNotFound.
func (s *AuthStore) CreateUser(ctx context.Context, p UserParams) (*domain.User, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	groups := make([]*domain.Group, 0, len(p.GroupIDs))
	for _, gid := range p.GroupIDs {
		g, ok := s.groups[gid]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
		}
		groups = append(groups, g)
	}

	user := &domain.User{
		ID:              idx.New().String(),
		Name:            p.Name,
		IsOwner:         p.IsOwner,
		IsActive:        p.IsActive,
		SystemGenerated: p.SystemGenerated,
		LocalOnly:       p.LocalOnly,
		Groups:          groups,
		RefreshTokens:   map[string]*domain.RefreshToken{},
	}
	if p.Credentials != nil {
		p.Credentials.IsNew = false
		user.Credentials = append(user.Credentials, p.Credentials)
	}
	s.users[user.ID] = user
	s.userOrder = append(s.userOrder, user.ID)
	s.mu.Unlock()

	s.scheduleSave()
	return user, nil
}

// RemoveUser drops a user and everything hanging off it.
func (s *AuthStore) RemoveUser(ctx context.Context, user *domain.User) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	for tokenID := range user.RefreshTokens {
		delete(s.tokenIndex, tokenID)
	}
	delete(s.users, user.ID)
	for i, id := range s.userOrder {
		if id == user.ID {
			s.userOrder = append(s.userOrder[:i], s.userOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// UserUpdate carries optional field changes; nil fields stay untouched.
type UserUpdate struct {
	Name      *string
	IsActive  *bool
	GroupIDs  *[]string
	LocalOnly *bool
}

// UpdateUser applies an update to a user.
func (s *AuthStore) UpdateUser(ctx context.Context, user *domain.User, upd UserUpdate) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if upd.GroupIDs != nil {
		groups := make([]*domain.Group, 0, len(*upd.GroupIDs))
		for _, gid := range *upd.GroupIDs {
			g, ok := s.groups[gid]
			if !ok {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
			}
			groups = append(groups, g)
		}
		user.Groups = groups
	}
	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}
	if upd.LocalOnly != nil {
		user.LocalOnly = *upd.LocalOnly
	}
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// ActivateUser marks a user active.
func (s *AuthStore) ActivateUser(ctx context.Context, user *domain.User) error {
	active := true
	return s.UpdateUser(ctx, user, UserUpdate{IsActive: &active})
}

// DeactivateUser marks a user inactive. The owner check lives in the
// manager.
func (s *AuthStore) DeactivateUser(ctx context.Context, user *domain.User) error {
	active := false
	return s.UpdateUser(ctx, user, UserUpdate{IsActive: &active})
}

// LinkCredentials attaches credentials to a user and clears their is-new
// flag.
func (s *AuthStore) LinkCredentials(ctx context.Context, user *domain.User, cred *domain.Credentials) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	cred.IsNew = false
	user.Credentials = append(user.Credentials, cred)
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// RemoveCredentials detaches credentials from whichever user owns them.
func (s *AuthStore) RemoveCredentials(ctx context.Context, cred *domain.Credentials) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	for _, user := range s.users {
		for i, c := range user.Credentials {
			if c.ID == cred.ID {
				user.Credentials = append(user.Credentials[:i], user.Credentials[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// RefreshTokenParams describes a refresh token to create. Validation of the
// client-id/token-type rules happens in the manager; the store only mints
// and files the token.
type RefreshTokenParams struct {
	User                  *domain.User
	ClientID              string
	ClientName            string
	ClientIcon            string
	TokenType             domain.TokenType
	AccessTokenExpiration time.Duration
	CredentialID          string
}

// CreateRefreshToken mints a refresh token with fresh secrets and files it
// under its user. Normal tokens get the sliding 90-day expiry.
func (s *AuthStore) CreateRefreshToken(ctx context.Context, p RefreshTokenParams) (*domain.RefreshToken, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	accessExpiration := p.AccessTokenExpiration
	if accessExpiration <= 0 {
		accessExpiration = domain.AccessTokenExpiration
	}

	token := &domain.RefreshToken{
		ID:                    idx.New().String(),
		UserID:                p.User.ID,
		ClientID:              p.ClientID,
		ClientName:            p.ClientName,
		ClientIcon:            p.ClientIcon,
		TokenType:             p.TokenType,
		Token:                 cryptox.MustGenerateToken(cryptox.TokenSize512),
		JWTKey:                cryptox.MustGenerateToken(cryptox.TokenSize512),
		AccessTokenExpiration: accessExpiration,
		CreatedAt:             s.now().UTC(),
		CredentialID:          p.CredentialID,
		Version:               s.version,
	}
	if p.TokenType == domain.TokenTypeNormal {
		expireAt := token.CreatedAt.Add(domain.RefreshTokenExpiration)
		token.ExpireAt = &expireAt
	}

	s.mu.Lock()
	p.User.RefreshTokens[token.ID] = token
	s.tokenIndex[token.ID] = p.User.ID
	s.mu.Unlock()

	s.scheduleSave()
	return token, nil
}

// RemoveRefreshToken drops a refresh token. Returns false when the token
// was not present.
func (s *AuthStore) RemoveRefreshToken(ctx context.Context, token *domain.RefreshToken) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	userID, ok := s.tokenIndex[token.ID]
	if ok {
		if user := s.users[userID]; user != nil {
			delete(user.RefreshTokens, token.ID)
		}
		delete(s.tokenIndex, token.ID)
	}
	s.mu.Unlock()

	if ok {
		s.scheduleSave()
	}
	return ok, nil
}

// RefreshToken looks a token up by id in O(1), or returns nil.
func (s *AuthStore) RefreshToken(ctx context.Context, id string) (*domain.RefreshToken, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.tokenIndex[id]
	if !ok {
		return nil, nil
	}
	user := s.users[userID]
	if user == nil {
		return nil, nil
	}
	return user.RefreshTokens[id], nil
}

// UserRefreshTokens returns a copy of the user's refresh token list.
func (s *AuthStore) UserRefreshTokens(ctx context.Context, user *domain.User) ([]*domain.RefreshToken, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.RefreshToken, 0, len(user.RefreshTokens))
	for _, token := range user.RefreshTokens {
		out = append(out, token)
	}
	return out, nil
}

// HasLongLivedToken reports whether the user already holds a long-lived
// token under the given client name.
func (s *AuthStore) HasLongLivedToken(ctx context.Context, user *domain.User, clientName string) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range user.RefreshTokens {
		if token.ClientName == clientName && token.TokenType == domain.TokenTypeLongLived {
			return true, nil
		}
	}
	return false, nil
}

// FindRefreshTokenBySecret looks a refresh token up by its secret string.
// Every stored token is compared so the lookup cost does not depend on a
// match.
func (s *AuthStore) FindRefreshTokenBySecret(ctx context.Context, secret string) (*domain.RefreshToken, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	target := sha256.Sum256([]byte(secret))
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.RefreshToken
	for _, id := range s.userOrder {
		for _, token := range s.users[id].RefreshTokens {
			candidate := sha256.Sum256([]byte(token.Token))
			if hmac.Equal(target[:], candidate[:]) {
				found = token
			}
		}
	}
	return found, nil
}

// ExpiredRefreshTokens returns the tokens whose sliding expiry has passed.
func (s *AuthStore) ExpiredRefreshTokens(ctx context.Context) ([]*domain.RefreshToken, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*domain.RefreshToken
	for _, id := range s.userOrder {
		for _, token := range s.users[id].RefreshTokens {
			if token.Expired(now) {
				expired = append(expired, token)
			}
		}
	}
	return expired, nil
}

// TokenExpired reads the token's sliding expiry under the store lock.
func (s *AuthStore) TokenExpired(ctx context.Context, token *domain.RefreshToken) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return token.Expired(s.now().UTC()), nil
}

// LogTokenUsage records that a token backed a freshly minted access token
// and pushes its sliding expiry forward.
func (s *AuthStore) LogTokenUsage(ctx context.Context, token *domain.RefreshToken, remoteIP string) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	now := s.now().UTC()
	s.mu.Lock()
	token.LastUsedAt = &now
	token.LastUsedIP = remoteIP
	if token.ExpireAt != nil {
		expireAt := now.Add(domain.RefreshTokenExpiration)
		token.ExpireAt = &expireAt
	}
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// SetExpiry turns the sliding expiry on or off for a token.
func (s *AuthStore) SetExpiry(ctx context.Context, token *domain.RefreshToken, enabled bool) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if enabled {
		expireAt := s.now().UTC().Add(domain.RefreshTokenExpiration)
		token.ExpireAt = &expireAt
	} else {
		token.ExpireAt = nil
	}
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

func (s *AuthStore) scheduleSave() {
	s.storage.DelaySave(s.snapshot, s.saveDelay)
}
