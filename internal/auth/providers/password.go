package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/cryptox"
)

// TypePassword is the built-in local username/password provider.
const TypePassword = "password"

const (
	passwordStorageKey     = "auth_provider.password"
	passwordStorageVersion = 1
)

// ErrUserExists reports an AddUser call for a username that already has a
// password entry.
var ErrUserExists = errors.New("username already exists")

func init() {
	Register(TypePassword, func(cfg Config, deps Deps) (AuthProvider, error) {
		key := passwordStorageKey
		if cfg.ID != "" {
			key += "." + cfg.ID
		}
		return &PasswordProvider{
			base:  newBase(cfg, deps),
			store: deps.NewStorage(key, passwordStorageVersion),
		}, nil
	})
}

// PasswordProvider validates logins against a local username/password file.
// Passwords are stored as PBKDF2-HMAC-SHA512 derived keys next to a single
// per-install salt.
type PasswordProvider struct {
	base
	store *storage.Store

	mu     sync.Mutex
	loaded bool
	salt   []byte
	// dummy is compared against when the username is unknown, so both
	// outcomes of a login attempt cost one key derivation and one
	// constant-time compare.
	dummy []byte
	users []passwordEntry
}

type passwordEntry struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type passwordData struct {
	Salt  string          `json:"salt"`
	Users []passwordEntry `json:"users"`
}

func (p *PasswordProvider) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	raw, _, err := p.store.Load()
	if err != nil {
		return err
	}
	if raw == nil {
		salt, err := cryptox.NewSalt()
		if err != nil {
			return err
		}
		p.salt = salt
	} else {
		var data passwordData
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("password provider: decode data: %w", err)
		}
		salt, err := base64.StdEncoding.DecodeString(data.Salt)
		if err != nil {
			return fmt.Errorf("password provider: decode salt: %w", err)
		}
		p.salt = salt
		p.users = data.Users
	}

	p.dummy = cryptox.DeriveKey("-", p.salt)
	p.loaded = true

	if raw == nil {
		return p.store.Save(p.snapshotLocked())
	}
	return nil
}

func (p *PasswordProvider) snapshotLocked() passwordData {
	return passwordData{
		Salt:  base64.StdEncoding.EncodeToString(p.salt),
		Users: append([]passwordEntry(nil), p.users...),
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateLogin checks a username/password pair. Both the hit and the miss
// path derive one key and run one constant-time compare.
func (p *PasswordProvider) ValidateLogin(ctx context.Context, username, password string) error {
	if err := p.load(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	username = normalizeUsername(username)
	derived := cryptox.DeriveKey(password, p.salt)

	stored := p.dummy
	found := false
	for _, u := range p.users {
		if u.Username == username {
			if dec, err := base64.StdEncoding.DecodeString(u.Password); err == nil {
				stored = dec
				found = true
			}
			break
		}
	}

	if !cryptox.Equal(derived, stored) || !found {
		return ErrInvalidAuth
	}
	return nil
}

// AddUser stores a password entry for a new username.
func (p *PasswordProvider) AddUser(ctx context.Context, username, password string) error {
	if err := p.load(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	username = normalizeUsername(username)
	for _, u := range p.users {
		if u.Username == username {
			return ErrUserExists
		}
	}
	p.users = append(p.users, passwordEntry{
		Username: username,
		Password: base64.StdEncoding.EncodeToString(cryptox.DeriveKey(password, p.salt)),
	})
	return p.store.Save(p.snapshotLocked())
}

// ChangePassword replaces the password for an existing username.
func (p *PasswordProvider) ChangePassword(ctx context.Context, username, newPassword string) error {
	if err := p.load(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	username = normalizeUsername(username)
	for i, u := range p.users {
		if u.Username == username {
			p.users[i].Password = base64.StdEncoding.EncodeToString(cryptox.DeriveKey(newPassword, p.salt))
			return p.store.Save(p.snapshotLocked())
		}
	}
	return ErrInvalidUser
}

// RemoveUser drops the password entry for a username, if any.
func (p *PasswordProvider) RemoveUser(ctx context.Context, username string) error {
	if err := p.load(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	username = normalizeUsername(username)
	for i, u := range p.users {
		if u.Username == username {
			p.users = append(p.users[:i], p.users[i+1:]...)
			return p.store.Save(p.snapshotLocked())
		}
	}
	return nil
}

func (p *PasswordProvider) LoginFlow(ctx context.Context, flowContext map[string]string) (LoginFlow, error) {
	return &passwordLoginFlow{provider: p}, nil
}

func (p *PasswordProvider) GetOrCreateCredentials(ctx context.Context, lookup map[string]string) (*domain.Credentials, error) {
	username := normalizeUsername(lookup["username"])
	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.Data["username"] == username {
			return c, nil
		}
	}
	return p.newCredentials(map[string]string{"username": username}), nil
}

func (p *PasswordProvider) UserMetaForCredentials(ctx context.Context, cred *domain.Credentials) (UserMeta, error) {
	return UserMeta{Name: cred.Data["username"], IsActive: true}, nil
}

// OnCredentialRemoved drops the matching password entry so removed users
// cannot log back in.
func (p *PasswordProvider) OnCredentialRemoved(ctx context.Context, cred *domain.Credentials) error {
	return p.RemoveUser(ctx, cred.Data["username"])
}

type passwordLoginFlow struct {
	provider *PasswordProvider
}

func (f *passwordLoginFlow) Step(ctx context.Context, stepID string, input map[string]string) (StepResult, error) {
	if input == nil {
		return FormStep("init", []string{"username", "password"}, nil), nil
	}
	err := f.provider.ValidateLogin(ctx, input["username"], input["password"])
	if errors.Is(err, ErrInvalidAuth) {
		return FormStep("init", []string{"username", "password"}, map[string]string{"base": "invalid_auth"}), nil
	}
	if err != nil {
		return StepResult{}, err
	}
	return DoneStep(map[string]string{"username": normalizeUsername(input["username"])}), nil
}
