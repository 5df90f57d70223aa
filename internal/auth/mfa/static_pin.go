package mfa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/cryptox"
)

// TypeStaticPin is a per-user static PIN second factor. Weak by
// construction; mostly useful for kiosks and tests.
const TypeStaticPin = "static_pin"

const staticPinStorageVersion = 1

func init() {
	Register(TypeStaticPin, func(cfg Config, deps Deps) (Module, error) {
		b := newBase(cfg, deps)
		return &StaticPinModule{
			base:  b,
			store: deps.NewStorage(storageKey(b.id), staticPinStorageVersion),
		}, nil
	})
}

// StaticPinModule stores one PIN fingerprint per enrolled user.
type StaticPinModule struct {
	base
	store *storage.Store

	mu     sync.Mutex
	loaded bool
	// pins maps user id to the SHA-256 fingerprint of the PIN.
	pins map[string]string
}

type staticPinData struct {
	Pins map[string]string `json:"pins"`
}

func (m *StaticPinModule) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	raw, _, err := m.store.Load()
	if err != nil {
		return err
	}
	m.pins = map[string]string{}
	if raw != nil {
		var data staticPinData
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("static pin module: decode data: %w", err)
		}
		if data.Pins != nil {
			m.pins = data.Pins
		}
	}
	m.loaded = true
	return nil
}

func (m *StaticPinModule) saveLocked() error {
	pins := make(map[string]string, len(m.pins))
	for k, v := range m.pins {
		pins[k] = v
	}
	return m.store.Save(staticPinData{Pins: pins})
}

func (m *StaticPinModule) InputFields() []string { return []string{"pin"} }

func (m *StaticPinModule) SetupUser(ctx context.Context, userID string, setupData map[string]string) (map[string]string, error) {
	pin := setupData["pin"]
	if pin == "" {
		return nil, fmt.Errorf("%w: static pin setup needs a pin", ErrInvalidConfig)
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pins[userID] = cryptox.FingerprintToken(pin)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (m *StaticPinModule) DeposeUser(ctx context.Context, userID string) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pins[userID]; !ok {
		return ErrUserNotSetup
	}
	delete(m.pins, userID)
	return m.saveLocked()
}

func (m *StaticPinModule) IsUserSetup(ctx context.Context, userID string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pins[userID]
	return ok, nil
}

// Validate compares fingerprints so hit and miss cost the same.
func (m *StaticPinModule) Validate(ctx context.Context, userID string, input map[string]string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	submitted := cryptox.FingerprintToken(input["pin"])
	stored, ok := m.pins[userID]
	if !ok {
		stored = cryptox.FingerprintToken("-")
	}
	match := cryptox.Equal([]byte(submitted), []byte(stored))
	return match && ok, nil
}
