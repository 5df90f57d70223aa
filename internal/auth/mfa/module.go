// Package mfa holds the pluggable multi-factor modules. Each keeps its own
// per-user enrollment state in a private storage file and validates the
// second factor during login.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hearthd/hearth/internal/storage"
)

var (
	// ErrUnknownModule reports an unregistered module type.
	ErrUnknownModule = errors.New("unknown mfa module type")
	// ErrUserNotSetup reports an operation against a user who never
	// enrolled with the module.
	ErrUserNotSetup = errors.New("user is not set up for mfa module")
	// ErrInvalidConfig reports bad module configuration.
	ErrInvalidConfig = errors.New("invalid mfa module configuration")
)

const defaultMaxRetry = 3

// Config configures one module instance. ID defaults to Type.
type Config struct {
	Type    string
	ID      string
	Name    string
	Options map[string]any
}

// Deps are the collaborators handed to module factories.
type Deps struct {
	Logger *slog.Logger

	// NewStorage returns a private persistent store namespaced by key.
	NewStorage func(key string, version int) *storage.Store

	// Notifier delivers one-time codes for modules that push them out of
	// band. Nil when no delivery channel is configured.
	Notifier Notifier
}

// Notifier sends a message through a named delivery service.
type Notifier interface {
	Call(ctx context.Context, service, message, target string) error
}

// Module validates a second factor for enrolled users.
type Module interface {
	Type() string
	ID() string
	Name() string

	// MaxRetry is how many wrong codes a login flow tolerates before
	// aborting.
	MaxRetry() int

	// InputFields names the fields the MFA step form asks for.
	InputFields() []string

	// SetupUser enrolls a user and returns module-specific enrollment
	// data, such as an otpauth URL.
	SetupUser(ctx context.Context, userID string, setupData map[string]string) (map[string]string, error)

	// DeposeUser removes a user's enrollment.
	DeposeUser(ctx context.Context, userID string) error

	IsUserSetup(ctx context.Context, userID string) (bool, error)

	// Validate checks the submitted second factor. A wrong code is
	// (false, nil); errors are reserved for module failures.
	Validate(ctx context.Context, userID string, input map[string]string) (bool, error)
}

// SessionStarter is implemented by modules that must do work when the MFA
// step begins, such as pushing a one-time code to the user.
type SessionStarter interface {
	StartSession(ctx context.Context, userID string) error
}

// Factory builds a module instance from its configuration.
type Factory func(cfg Config, deps Deps) (Module, error)

var registry = map[string]Factory{}

func Register(moduleType string, f Factory) {
	registry[moduleType] = f
}

// New builds a module for cfg.Type.
func New(cfg Config, deps Deps) (Module, error) {
	f, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, cfg.Type)
	}
	return f(cfg, deps)
}

// base carries the bits every module shares.
type base struct {
	typ    string
	id     string
	name   string
	logger *slog.Logger
}

func newBase(cfg Config, deps Deps) base {
	id := cfg.ID
	if id == "" {
		id = cfg.Type
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	return base{typ: cfg.Type, id: id, name: name, logger: deps.Logger}
}

func (b *base) Type() string  { return b.typ }
func (b *base) ID() string    { return b.id }
func (b *base) Name() string  { return b.name }
func (b *base) MaxRetry() int { return defaultMaxRetry }

// storageKey namespaces a module's private file by its instance id.
func storageKey(id string) string {
	return "auth_module." + id
}
