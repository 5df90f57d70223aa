package providers

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/pkg/cryptox"
)

// TypeTrustedProxy trusts callers that arrive from configured networks or
// present the shared proxy secret, and lets them pick an existing account
// instead of proving a credential.
const TypeTrustedProxy = "trusted_proxy"

func init() {
	Register(TypeTrustedProxy, func(cfg Config, deps Deps) (AuthProvider, error) {
		p := &TrustedProxyProvider{base: newBase(cfg, deps)}

		rawNets, _ := cfg.Options["trusted_networks"].([]any)
		for _, rn := range rawNets {
			s, ok := rn.(string)
			if !ok {
				return nil, fmt.Errorf("%w: trusted network must be a CIDR string", ErrInvalidConfig)
			}
			_, network, err := net.ParseCIDR(s)
			if err != nil {
				return nil, fmt.Errorf("%w: bad trusted network %q: %v", ErrInvalidConfig, s, err)
			}
			p.networks = append(p.networks, network)
		}

		if fp, ok := cfg.Options["secret_fingerprint"].(string); ok {
			p.secretFingerprint = fp
		}

		if len(p.networks) == 0 && p.secretFingerprint == "" {
			return nil, fmt.Errorf("%w: trusted proxy needs networks or a secret", ErrInvalidConfig)
		}
		return p, nil
	})
}

// TrustedProxyProvider delegates identity: its credentials reference an
// already-existing user id rather than an external account.
type TrustedProxyProvider struct {
	base
	networks []*net.IPNet
	// secretFingerprint is the SHA-256 fingerprint of the shared secret a
	// fronting proxy may present instead of a trusted source address.
	secretFingerprint string
}

func (p *TrustedProxyProvider) SupportMFA() bool { return false }

// Trusted reports whether the caller may skip credential proof. The secret
// check runs even when no secret was presented, so timing does not reveal
// which gate matched.
func (p *TrustedProxyProvider) Trusted(remoteIP, proxySecret string) bool {
	byAddr := false
	if addr, err := netip.ParseAddr(remoteIP); err == nil {
		ip := net.IP(addr.AsSlice())
		for _, network := range p.networks {
			if network.Contains(ip) {
				byAddr = true
			}
		}
	}

	bySecret := false
	if p.secretFingerprint != "" {
		fp := cryptox.FingerprintToken(proxySecret)
		if cryptox.Equal([]byte(fp), []byte(p.secretFingerprint)) && proxySecret != "" {
			bySecret = true
		}
	}

	return byAddr || bySecret
}

func (p *TrustedProxyProvider) LoginFlow(ctx context.Context, flowContext map[string]string) (LoginFlow, error) {
	return &trustedProxyLoginFlow{
		provider:    p,
		remoteIP:    flowContext["remote_ip"],
		proxySecret: flowContext["proxy_secret"],
	}, nil
}

func (p *TrustedProxyProvider) GetOrCreateCredentials(ctx context.Context, lookup map[string]string) (*domain.Credentials, error) {
	userID := lookup["user_id"]
	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.Data["user_id"] == userID {
			return c, nil
		}
	}
	return p.newCredentials(map[string]string{"user_id": userID}), nil
}

// UserMetaForCredentials is never used to create accounts: trusted proxy
// credentials always attach to an existing user via UserIDForCredentials.
func (p *TrustedProxyProvider) UserMetaForCredentials(ctx context.Context, cred *domain.Credentials) (UserMeta, error) {
	return UserMeta{}, fmt.Errorf("%w: trusted proxy never creates users", ErrInvalidUser)
}

func (p *TrustedProxyProvider) UserIDForCredentials(cred *domain.Credentials) string {
	return cred.Data["user_id"]
}

// ValidateRefreshToken vetoes minting access tokens once the caller is no
// longer a trusted source.
func (p *TrustedProxyProvider) ValidateRefreshToken(ctx context.Context, token *domain.RefreshToken, remoteIP string) error {
	if remoteIP == "" || !p.Trusted(remoteIP, "") {
		return fmt.Errorf("%w: %s is not a trusted source", ErrInvalidAuth, remoteIP)
	}
	return nil
}

type trustedProxyLoginFlow struct {
	provider    *TrustedProxyProvider
	remoteIP    string
	proxySecret string

	// available is the user-id set offered on the picker form, pinned at
	// init so a racing user change cannot widen the selection.
	available map[string]bool
}

func (f *trustedProxyLoginFlow) Step(ctx context.Context, stepID string, input map[string]string) (StepResult, error) {
	if !f.provider.Trusted(f.remoteIP, f.proxySecret) {
		return AbortStep("not_allowed"), nil
	}

	if input == nil {
		users, err := f.provider.deps.Users(ctx)
		if err != nil {
			return StepResult{}, err
		}
		f.available = map[string]bool{}
		for _, u := range users {
			if u.IsActive && !u.SystemGenerated {
				f.available[u.ID] = true
			}
		}
		if len(f.available) == 0 {
			return AbortStep("not_allowed"), nil
		}
		return FormStep("init", []string{"user"}, nil), nil
	}

	userID := input["user"]
	if !f.available[userID] {
		return FormStep("init", []string{"user"}, map[string]string{"base": "invalid_user"}), nil
	}
	return DoneStep(map[string]string{"user_id": userID}), nil
}
