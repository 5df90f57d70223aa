package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/pkg/slogx"
)

var (
	ErrUnknownFlow    = errors.New("flow: unknown flow")
	ErrUnknownHandler = errors.New("flow: unknown handler")
	// ErrRateLimited reports that the caller started too many flows.
	ErrRateLimited = errors.New("flow: rate limited")
)

// DefaultTimeout is how long an untouched flow session survives.
const DefaultTimeout = 5 * time.Minute

// CreateFlowFunc builds a handler for a handler key, e.g. an auth provider
// reference.
type CreateFlowFunc func(ctx context.Context, handlerKey string, flowContext map[string]string) (Handler, error)

// FinishFlowFunc post-processes a terminal result before it is returned.
type FinishFlowFunc func(ctx context.Context, result Result) (Result, error)

// Manager tracks flows in progress, keyed by generated flow ids.
type Manager struct {
	logger     *slog.Logger
	createFlow CreateFlowFunc
	finishFlow FinishFlowFunc
	timeout    time.Duration
	limiter    *KeyedLimiter
	now        func() time.Time

	mu       sync.Mutex
	progress map[string]*progressEntry
}

type progressEntry struct {
	handler    Handler
	handlerKey string
	curStep    string
	createdAt  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the per-flow session timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRateLimit throttles flow creation per caller key (typically the
// remote IP), damping brute-force attempts.
func WithRateLimit(perMinute, burst int) Option {
	return func(m *Manager) { m.limiter = NewKeyedLimiter(perMinute, burst) }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(logger *slog.Logger, create CreateFlowFunc, finish FinishFlowFunc, opts ...Option) *Manager {
	m := &Manager{
		logger:     logger,
		createFlow: create,
		finishFlow: finish,
		timeout:    DefaultTimeout,
		now:        time.Now,
		progress:   map[string]*progressEntry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init starts a new flow for the handler key and runs its init step.
// callerKey feeds the rate limiter; empty skips limiting.
func (m *Manager) Init(ctx context.Context, handlerKey, callerKey string, flowContext map[string]string) (Result, error) {
	if m.limiter != nil && callerKey != "" && !m.limiter.Allow(callerKey) {
		m.logger.Warn("flow creation rate limited", "handler", handlerKey, "caller", callerKey)
		return Result{}, ErrRateLimited
	}

	handler, err := m.createFlow(ctx, handlerKey, flowContext)
	if err != nil {
		return Result{}, err
	}

	flowID := uuid.NewString()
	entry := &progressEntry{handler: handler, handlerKey: handlerKey, curStep: "init", createdAt: m.now()}

	m.mu.Lock()
	m.pruneLocked()
	m.progress[flowID] = entry
	m.mu.Unlock()

	return m.advance(ctx, flowID, entry, "init", nil)
}

// Configure feeds user input into the flow's current step.
func (m *Manager) Configure(ctx context.Context, flowID string, input map[string]string) (Result, error) {
	m.mu.Lock()
	entry, ok := m.progress[flowID]
	if ok && m.now().Sub(entry.createdAt) > m.timeout {
		delete(m.progress, flowID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownFlow
	}

	return m.advance(ctx, flowID, entry, entry.curStep, input)
}

// Abort drops a flow in progress.
func (m *Manager) Abort(flowID string) {
	m.mu.Lock()
	delete(m.progress, flowID)
	m.mu.Unlock()
}

// InProgress returns the number of live flows.
func (m *Manager) InProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.progress)
}

func (m *Manager) advance(ctx context.Context, flowID string, entry *progressEntry, stepID string, input map[string]string) (Result, error) {
	result, err := entry.handler.Step(slogx.WithFlowID(ctx, flowID), stepID, input)
	if err != nil {
		m.Abort(flowID)
		return Result{}, err
	}

	result.FlowID = flowID
	result.Handler = entry.handlerKey

	if result.Type == ResultTypeForm {
		m.mu.Lock()
		entry.curStep = result.StepID
		m.mu.Unlock()
		return result, nil
	}

	// Terminal: drop the session before handing the result out.
	m.Abort(flowID)
	if m.finishFlow != nil {
		return m.finishFlow(ctx, result)
	}
	return result, nil
}

// pruneLocked removes expired sessions so abandoned flows don't accumulate.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.timeout)
	for id, entry := range m.progress {
		if entry.createdAt.Before(cutoff) {
			delete(m.progress, id)
		}
	}
}
