package mfa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pquerna/otp/hotp"

	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/cryptox"
)

// TypeNotify pushes a counter-based one-time code to the user through a
// notification service when the MFA step starts.
const TypeNotify = "notify"

const (
	notifyStorageVersion = 1
	notifyMessage        = "Your one-time login code is %s"
)

// ErrNoNotifier reports that no delivery channel is wired in.
var ErrNoNotifier = fmt.Errorf("%w: notify module needs a notifier", ErrInvalidConfig)

func init() {
	Register(TypeNotify, func(cfg Config, deps Deps) (Module, error) {
		b := newBase(cfg, deps)
		service, _ := cfg.Options["notify_service"].(string)
		target, _ := cfg.Options["target"].(string)
		return &NotifyModule{
			base:     b,
			store:    deps.NewStorage(storageKey(b.id), notifyStorageVersion),
			notifier: deps.Notifier,
			service:  service,
			target:   target,
			pending:  map[string]string{},
		}, nil
	})
}

// NotifyModule generates HOTP codes. The counter advances when a code is
// sent and the advanced counter is persisted immediately, so a code can
// never be replayed across sessions even if validation later fails.
type NotifyModule struct {
	base
	store    *storage.Store
	notifier Notifier
	service  string
	target   string

	mu     sync.Mutex
	loaded bool
	users  map[string]*notifyUser
	// pending maps user id to the fingerprint of the last code sent in
	// this process; cleared on successful validation.
	pending map[string]string
}

type notifyUser struct {
	Secret  string `json:"secret"`
	Counter uint64 `json:"counter"`
	Service string `json:"notify_service,omitempty"`
	Target  string `json:"target,omitempty"`
}

type notifyData struct {
	Users map[string]*notifyUser `json:"users"`
}

func (m *NotifyModule) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	raw, _, err := m.store.Load()
	if err != nil {
		return err
	}
	m.users = map[string]*notifyUser{}
	if raw != nil {
		var data notifyData
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("notify module: decode data: %w", err)
		}
		if data.Users != nil {
			m.users = data.Users
		}
	}
	m.loaded = true
	return nil
}

func (m *NotifyModule) saveLocked() error {
	users := make(map[string]*notifyUser, len(m.users))
	for k, v := range m.users {
		u := *v
		users[k] = &u
	}
	return m.store.Save(notifyData{Users: users})
}

func (m *NotifyModule) InputFields() []string { return []string{"code"} }

// SetupUser enrolls a user with a fresh HOTP secret. setupData may carry
// notify_service and target overrides for this user.
func (m *NotifyModule) SetupUser(ctx context.Context, userID string, setupData map[string]string) (map[string]string, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}

	account := setupData["name"]
	if account == "" {
		account = userID
	}
	key, err := hotp.Generate(hotp.GenerateOpts{Issuer: defaultTOTPIssuer, AccountName: account})
	if err != nil {
		return nil, fmt.Errorf("notify module: generate secret: %w", err)
	}

	m.mu.Lock()
	m.users[userID] = &notifyUser{
		Secret:  key.Secret(),
		Counter: 0,
		Service: setupData["notify_service"],
		Target:  setupData["target"],
	}
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (m *NotifyModule) DeposeUser(ctx context.Context, userID string) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrUserNotSetup
	}
	delete(m.users, userID)
	delete(m.pending, userID)
	return m.saveLocked()
}

func (m *NotifyModule) IsUserSetup(ctx context.Context, userID string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[userID]
	return ok, nil
}

// StartSession mints the next code, persists the advanced counter, then
// pushes the code out. Persisting first means a crash mid-send burns the
// counter rather than reusing it.
func (m *NotifyModule) StartSession(ctx context.Context, userID string) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	if m.notifier == nil {
		return ErrNoNotifier
	}

	m.mu.Lock()
	u, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return ErrUserNotSetup
	}
	code, err := hotp.GenerateCode(u.Secret, u.Counter)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("notify module: generate code: %w", err)
	}
	u.Counter++
	m.pending[userID] = cryptox.FingerprintToken(code)
	if err := m.saveLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	service := u.Service
	if service == "" {
		service = m.service
	}
	target := u.Target
	if target == "" {
		target = m.target
	}
	m.mu.Unlock()

	return m.notifier.Call(ctx, service, fmt.Sprintf(notifyMessage, code), target)
}

// Validate compares against the code sent for this session. Fingerprints
// keep the compare constant-time.
func (m *NotifyModule) Validate(ctx context.Context, userID string, input map[string]string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	expected, ok := m.pending[userID]
	if !ok {
		expected = cryptox.FingerprintToken("-")
	}
	match := cryptox.Equal([]byte(cryptox.FingerprintToken(input["code"])), []byte(expected))
	if match && ok {
		delete(m.pending, userID)
		return true, nil
	}
	return false, nil
}
