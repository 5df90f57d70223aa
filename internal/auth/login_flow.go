package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/auth/mfa"
	"github.com/hearthd/hearth/internal/auth/providers"
	"github.com/hearthd/hearth/internal/flow"
)

// Login flow steps after the provider hands over.
const (
	stepSelectMFAModule = "select_mfa_module"
	stepMFA             = "mfa"

	fieldMFAModule = "multi_factor_auth_module"
)

// LoginFlow starts a login flow against a provider, identified by its
// registry key. callerKey (typically the remote IP) feeds the flow rate
// limiter.
func (m *Manager) LoginFlow(ctx context.Context, providerKey, callerKey string, flowContext map[string]string) (flow.Result, error) {
	return m.flows.Init(ctx, providerKey, callerKey, flowContext)
}

// ConfigureLoginFlow feeds user input into a flow in progress.
func (m *Manager) ConfigureLoginFlow(ctx context.Context, flowID string, input map[string]string) (flow.Result, error) {
	return m.flows.Configure(ctx, flowID, input)
}

// AbortLoginFlow drops a flow in progress.
func (m *Manager) AbortLoginFlow(flowID string) {
	m.flows.Abort(flowID)
}

// LoginFlowsInProgress returns the number of live login flows.
func (m *Manager) LoginFlowsInProgress() int {
	return m.flows.InProgress()
}

func (m *Manager) createLoginFlow(ctx context.Context, handlerKey string, flowContext map[string]string) (flow.Handler, error) {
	provider, ok := m.providers[handlerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, handlerKey)
	}
	providerFlow, err := provider.LoginFlow(ctx, flowContext)
	if err != nil {
		return nil, err
	}
	return &loginFlow{
		manager:      m,
		provider:     provider,
		providerFlow: providerFlow,
		createdAt:    m.now().UTC(),
	}, nil
}

// loginFlow chains the provider's credential steps with the MFA steps. A
// flow ends in create_entry carrying the resolved credentials; turning
// those into a user and a refresh token is the caller's next move.
type loginFlow struct {
	manager      *Manager
	provider     providers.AuthProvider
	providerFlow providers.LoginFlow
	createdAt    time.Time

	credentials *domain.Credentials
	user        *domain.User
	available   []mfa.Module
	selected    mfa.Module
	wrongCodes  int
}

func (f *loginFlow) Step(ctx context.Context, stepID string, input map[string]string) (flow.Result, error) {
	switch stepID {
	case stepSelectMFAModule:
		return f.stepSelectMFAModule(ctx, input)
	case stepMFA:
		return f.stepMFA(ctx, input)
	default:
		return f.stepProvider(ctx, stepID, input)
	}
}

func (f *loginFlow) stepProvider(ctx context.Context, stepID string, input map[string]string) (flow.Result, error) {
	res, err := f.providerFlow.Step(ctx, stepID, input)
	if err != nil {
		return flow.Result{}, err
	}
	if res.Abort != "" {
		return flow.Abort(res.Abort), nil
	}
	if !res.Done {
		return flow.ShowForm(res.StepID, res.Fields, res.Errors), nil
	}

	cred, err := f.provider.GetOrCreateCredentials(ctx, res.Data)
	if err != nil {
		return flow.Result{}, err
	}
	f.credentials = cred

	// New credentials mean a new user, and new users cannot have MFA
	// enrollments yet.
	if !f.provider.SupportMFA() || cred.IsNew {
		return flow.CreateEntry(cred), nil
	}

	user, err := f.manager.GetUserByCredentials(ctx, cred)
	if err != nil {
		return flow.Result{}, err
	}
	if user == nil {
		return flow.CreateEntry(cred), nil
	}
	modules, err := f.manager.EnabledMFAModules(ctx, user)
	if err != nil {
		return flow.Result{}, err
	}
	if len(modules) == 0 {
		return flow.CreateEntry(cred), nil
	}

	f.user = user
	f.available = modules
	if len(modules) == 1 {
		f.selected = modules[0]
		return f.startMFA(ctx)
	}
	return flow.ShowForm(stepSelectMFAModule, []string{fieldMFAModule}, nil), nil
}

func (f *loginFlow) stepSelectMFAModule(ctx context.Context, input map[string]string) (flow.Result, error) {
	if input != nil {
		moduleID := input[fieldMFAModule]
		for _, module := range f.available {
			if module.ID() == moduleID {
				f.selected = module
				return f.startMFA(ctx)
			}
		}
		return flow.ShowForm(stepSelectMFAModule, []string{fieldMFAModule},
			map[string]string{"base": "invalid_auth_module"}), nil
	}
	return flow.ShowForm(stepSelectMFAModule, []string{fieldMFAModule}, nil), nil
}

// startMFA runs the module's session hook and shows the code form.
func (f *loginFlow) startMFA(ctx context.Context) (flow.Result, error) {
	if starter, ok := f.selected.(mfa.SessionStarter); ok {
		if err := starter.StartSession(ctx, f.user.ID); err != nil {
			f.manager.logger.Error("mfa session start failed",
				"module", f.selected.ID(), "user_id", f.user.ID, "error", err)
			return flow.Abort("no_available_service"), nil
		}
	}
	return flow.ShowForm(stepMFA, f.selected.InputFields(), nil), nil
}

func (f *loginFlow) stepMFA(ctx context.Context, input map[string]string) (flow.Result, error) {
	if f.selected == nil {
		return flow.Abort("no_available_service"), nil
	}
	if input == nil {
		return flow.ShowForm(stepMFA, f.selected.InputFields(), nil), nil
	}

	if f.manager.now().UTC().After(f.createdAt.Add(domain.MFASessionExpiration)) {
		return flow.Abort("login_expired"), nil
	}

	ok, err := f.selected.Validate(ctx, f.user.ID, input)
	if err != nil {
		return flow.Result{}, err
	}
	if !ok {
		f.wrongCodes++
		if f.wrongCodes >= f.selected.MaxRetry() {
			return flow.Abort("too_many_retry"), nil
		}
		return flow.ShowForm(stepMFA, f.selected.InputFields(),
			map[string]string{"base": "invalid_code"}), nil
	}
	return flow.CreateEntry(f.credentials), nil
}
