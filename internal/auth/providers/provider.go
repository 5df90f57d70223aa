// Package providers holds the pluggable auth providers: each validates one
// kind of external credential and maps it onto canonical Credentials. A
// provider contributes the first portion of the login flow; MFA modules and
// token issuance live elsewhere.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/storage"
	"github.com/hearthd/hearth/pkg/idx"
)

var (
	// ErrInvalidAuth reports a failed credential check (wrong password,
	// untrusted caller). Recovered locally as a form error, never surfaced
	// raw.
	ErrInvalidAuth = errors.New("invalid auth")
	// ErrInvalidUser reports an unknown or not-allowed user selection.
	ErrInvalidUser = errors.New("invalid user")
	// ErrUnknownProvider reports an unregistered provider type.
	ErrUnknownProvider = errors.New("unknown auth provider type")
	// ErrInvalidConfig reports bad provider configuration; fatal to that
	// provider's availability only.
	ErrInvalidConfig = errors.New("invalid auth provider configuration")
)

// Config configures one provider instance. ID distinguishes multiple
// instances of the same type; empty means the default instance.
type Config struct {
	Type    string
	ID      string
	Name    string
	Options map[string]any
}

// Deps are the collaborators handed to provider factories.
type Deps struct {
	Logger *slog.Logger

	// NewStorage returns a private persistent store namespaced by key, for
	// providers that keep their own data (e.g. the local password store).
	NewStorage func(key string, version int) *storage.Store

	// Users lists stored users, for providers that delegate identity to an
	// already-known account.
	Users func(ctx context.Context) ([]*domain.User, error)

	// Credentials lists stored credentials belonging to one provider
	// instance, so GetOrCreateCredentials can stay idempotent.
	Credentials func(ctx context.Context, providerType, providerID string) ([]*domain.Credentials, error)
}

// UserMeta is what a provider knows about the user behind freshly created
// credentials.
type UserMeta struct {
	Name      string
	IsActive  bool
	GroupID   string
	LocalOnly bool
}

// AuthProvider validates one kind of external credential.
type AuthProvider interface {
	Type() string
	ID() string
	Name() string

	// SupportMFA reports whether logins through this provider may be
	// followed by an MFA step.
	SupportMFA() bool

	// LoginFlow returns the provider-owned steps of a new login flow.
	// flowContext carries transport facts such as remote_ip.
	LoginFlow(ctx context.Context, flowContext map[string]string) (LoginFlow, error)

	// GetOrCreateCredentials maps validated login data onto canonical
	// credentials. Idempotent: the same external identity always yields
	// the same credential id.
	GetOrCreateCredentials(ctx context.Context, lookup map[string]string) (*domain.Credentials, error)

	// UserMetaForCredentials describes the user to create for brand-new
	// credentials.
	UserMetaForCredentials(ctx context.Context, cred *domain.Credentials) (UserMeta, error)
}

// RefreshTokenValidator is implemented by providers that re-check a refresh
// token every time an access token is minted from it.
type RefreshTokenValidator interface {
	ValidateRefreshToken(ctx context.Context, token *domain.RefreshToken, remoteIP string) error
}

// CredentialRemover is implemented by providers that keep per-identity
// state which must be cleaned up when credentials are removed.
type CredentialRemover interface {
	OnCredentialRemoved(ctx context.Context, cred *domain.Credentials) error
}

// UserLinker is implemented by providers whose credentials reference an
// already-existing user (identity delegation) instead of describing a new
// external identity. The manager links instead of creating.
type UserLinker interface {
	UserIDForCredentials(cred *domain.Credentials) string
}

// LoginFlow is the provider-owned portion of the login state machine. The
// first step id is always "init" with nil input.
type LoginFlow interface {
	Step(ctx context.Context, stepID string, input map[string]string) (StepResult, error)
}

// StepResult is what a provider step hands back: a finished lookup, another
// form, or an abort.
type StepResult struct {
	// Done is set when the provider validated the external credential;
	// Data is the canonical lookup for GetOrCreateCredentials.
	Done bool
	Data map[string]string

	// Form fields for the next step.
	StepID string
	Fields []string
	Errors map[string]string

	// Abort reason.
	Abort string
}

func FormStep(stepID string, fields []string, errs map[string]string) StepResult {
	return StepResult{StepID: stepID, Fields: fields, Errors: errs}
}

func DoneStep(data map[string]string) StepResult {
	return StepResult{Done: true, Data: data}
}

func AbortStep(reason string) StepResult {
	return StepResult{Abort: reason}
}

// Factory builds a provider instance from its configuration.
type Factory func(cfg Config, deps Deps) (AuthProvider, error)

var registry = map[string]Factory{}

// Register adds a provider type to the registry. Called from init funcs of
// the concrete providers.
func Register(providerType string, f Factory) {
	registry[providerType] = f
}

// New builds a provider for cfg.Type.
func New(cfg Config, deps Deps) (AuthProvider, error) {
	f, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Type)
	}
	return f(cfg, deps)
}

// Key composes the registry key for a provider instance.
func Key(providerType, providerID string) string {
	if providerID == "" {
		return providerType
	}
	return providerType + "/" + providerID
}

// base carries the bits every provider shares.
type base struct {
	typ  string
	id   string
	name string
	deps Deps
}

func newBase(cfg Config, deps Deps) base {
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	return base{typ: cfg.Type, id: cfg.ID, name: name, deps: deps}
}

func (b *base) Type() string     { return b.typ }
func (b *base) ID() string       { return b.id }
func (b *base) Name() string     { return b.name }
func (b *base) SupportMFA() bool { return true }

func (b *base) credentials(ctx context.Context) ([]*domain.Credentials, error) {
	return b.deps.Credentials(ctx, b.typ, b.id)
}

// newCredentials mints a transient, unlinked credential value.
func (b *base) newCredentials(data map[string]string) *domain.Credentials {
	return &domain.Credentials{
		ID:               idx.New().String(),
		AuthProviderType: b.typ,
		AuthProviderID:   b.id,
		Data:             data,
		IsNew:            true,
	}
}
