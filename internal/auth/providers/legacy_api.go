package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/pkg/cryptox"
)

// TypeLegacyAPIPassword accepts the single install-wide API password that
// predates per-user accounts. Kept for old clients; everything it logs in
// maps onto one shared user.
const TypeLegacyAPIPassword = "legacy_api_password"

const legacyAPIUserName = "Legacy API password user"

func init() {
	Register(TypeLegacyAPIPassword, func(cfg Config, deps Deps) (AuthProvider, error) {
		password, _ := cfg.Options["api_password"].(string)
		if password == "" {
			return nil, fmt.Errorf("%w: legacy api provider needs api_password", ErrInvalidConfig)
		}
		return &LegacyAPIPasswordProvider{
			base:        newBase(cfg, deps),
			fingerprint: cryptox.FingerprintToken(password),
		}, nil
	})
}

// LegacyAPIPasswordProvider compares attempts against the configured
// password. Only the fingerprint is held in memory.
type LegacyAPIPasswordProvider struct {
	base
	fingerprint string
}

// ValidateLogin checks the shared password in constant time.
func (p *LegacyAPIPasswordProvider) ValidateLogin(ctx context.Context, password string) error {
	fp := cryptox.FingerprintToken(password)
	if !cryptox.Equal([]byte(fp), []byte(p.fingerprint)) {
		return ErrInvalidAuth
	}
	return nil
}

func (p *LegacyAPIPasswordProvider) LoginFlow(ctx context.Context, flowContext map[string]string) (LoginFlow, error) {
	return &legacyAPILoginFlow{provider: p}, nil
}

// GetOrCreateCredentials always resolves to the single shared credential.
func (p *LegacyAPIPasswordProvider) GetOrCreateCredentials(ctx context.Context, lookup map[string]string) (*domain.Credentials, error) {
	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		return creds[0], nil
	}
	return p.newCredentials(map[string]string{}), nil
}

func (p *LegacyAPIPasswordProvider) UserMetaForCredentials(ctx context.Context, cred *domain.Credentials) (UserMeta, error) {
	return UserMeta{Name: legacyAPIUserName, IsActive: true}, nil
}

type legacyAPILoginFlow struct {
	provider *LegacyAPIPasswordProvider
}

func (f *legacyAPILoginFlow) Step(ctx context.Context, stepID string, input map[string]string) (StepResult, error) {
	if input == nil {
		return FormStep("init", []string{"password"}, nil), nil
	}
	err := f.provider.ValidateLogin(ctx, input["password"])
	if errors.Is(err, ErrInvalidAuth) {
		return FormStep("init", []string{"password"}, map[string]string{"base": "invalid_auth"}), nil
	}
	if err != nil {
		return StepResult{}, err
	}
	return DoneStep(map[string]string{}), nil
}
