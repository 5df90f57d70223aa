package mfa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pquerna/otp/totp"

	"github.com/hearthd/hearth/internal/storage"
)

// TypeTOTP is the time-based one-time password second factor.
const TypeTOTP = "totp"

const (
	totpStorageVersion = 1
	defaultTOTPIssuer  = "Hearth"
)

func init() {
	Register(TypeTOTP, func(cfg Config, deps Deps) (Module, error) {
		b := newBase(cfg, deps)
		issuer, _ := cfg.Options["issuer"].(string)
		if issuer == "" {
			issuer = defaultTOTPIssuer
		}
		return &TOTPModule{
			base:   b,
			issuer: issuer,
			store:  deps.NewStorage(storageKey(b.id), totpStorageVersion),
		}, nil
	})
}

// TOTPModule stores one shared secret per enrolled user and checks codes
// against the current time step.
type TOTPModule struct {
	base
	issuer string
	store  *storage.Store

	mu      sync.Mutex
	loaded  bool
	secrets map[string]string
}

type totpData struct {
	Secrets map[string]string `json:"secrets"`
}

func (m *TOTPModule) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	raw, _, err := m.store.Load()
	if err != nil {
		return err
	}
	m.secrets = map[string]string{}
	if raw != nil {
		var data totpData
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("totp module: decode data: %w", err)
		}
		if data.Secrets != nil {
			m.secrets = data.Secrets
		}
	}
	m.loaded = true
	return nil
}

func (m *TOTPModule) saveLocked() error {
	secrets := make(map[string]string, len(m.secrets))
	for k, v := range m.secrets {
		secrets[k] = v
	}
	return m.store.Save(totpData{Secrets: secrets})
}

func (m *TOTPModule) InputFields() []string { return []string{"code"} }

// SetupUser mints a fresh secret and returns it with the otpauth URL for
// enrolling an authenticator app. Re-running setup rotates the secret.
func (m *TOTPModule) SetupUser(ctx context.Context, userID string, setupData map[string]string) (map[string]string, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}

	account := setupData["name"]
	if account == "" {
		account = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: m.issuer, AccountName: account})
	if err != nil {
		return nil, fmt.Errorf("totp module: generate secret: %w", err)
	}

	m.mu.Lock()
	m.secrets[userID] = key.Secret()
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return map[string]string{"secret": key.Secret(), "url": key.URL()}, nil
}

func (m *TOTPModule) DeposeUser(ctx context.Context, userID string) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[userID]; !ok {
		return ErrUserNotSetup
	}
	delete(m.secrets, userID)
	return m.saveLocked()
}

func (m *TOTPModule) IsUserSetup(ctx context.Context, userID string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.secrets[userID]
	return ok, nil
}

// Validate checks the code against the user's secret. Unknown users still
// burn a validation against a throwaway secret.
func (m *TOTPModule) Validate(ctx context.Context, userID string, input map[string]string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	secret, ok := m.secrets[userID]
	m.mu.Unlock()
	if !ok {
		secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	}
	match := totp.Validate(input["code"], secret)
	return match && ok, nil
}
