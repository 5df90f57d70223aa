package flow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingHandler shows a form until it has seen enough inputs, then
// finishes.
type countingHandler struct {
	needed int
	seen   int
}

func (h *countingHandler) Step(ctx context.Context, stepID string, input map[string]string) (Result, error) {
	if input != nil {
		h.seen++
	}
	if h.seen >= h.needed {
		return CreateEntry(map[string]string{"done": "yes"}), nil
	}
	return ShowForm("init", []string{"value"}, nil), nil
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	create := func(ctx context.Context, handlerKey string, flowContext map[string]string) (Handler, error) {
		if handlerKey != "known" {
			return nil, ErrUnknownHandler
		}
		return &countingHandler{needed: 1}, nil
	}
	return NewManager(slog.New(slog.DiscardHandler), create, nil, opts...)
}

func TestInitShowsForm(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Init(context.Background(), "known", "", nil)
	require.NoError(t, err)
	require.Equal(t, ResultTypeForm, res.Type)
	require.Equal(t, "init", res.StepID)
	require.Equal(t, "known", res.Handler)
	require.NotEmpty(t, res.FlowID)
	require.Equal(t, 1, m.InProgress())
}

func TestConfigureFinishesFlow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	res, err := m.Init(ctx, "known", "", nil)
	require.NoError(t, err)

	res, err = m.Configure(ctx, res.FlowID, map[string]string{"value": "x"})
	require.NoError(t, err)
	require.Equal(t, ResultTypeCreateEntry, res.Type)
	require.Equal(t, 0, m.InProgress(), "terminal results drop the session")

	_, err = m.Configure(ctx, res.FlowID, map[string]string{"value": "x"})
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestInitUnknownHandler(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init(context.Background(), "mystery", "", nil)
	require.ErrorIs(t, err, ErrUnknownHandler)
	require.Equal(t, 0, m.InProgress())
}

func TestConfigureUnknownFlow(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Configure(context.Background(), "no-such-flow", nil)
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestFlowTimesOut(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	res, err := m.Init(ctx, "known", "", nil)
	require.NoError(t, err)

	current = current.Add(DefaultTimeout + time.Second)
	_, err = m.Configure(ctx, res.FlowID, map[string]string{"value": "x"})
	require.ErrorIs(t, err, ErrUnknownFlow, "expired flows are gone")
	require.Equal(t, 0, m.InProgress())
}

func TestAbandonedFlowsPruned(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	_, err := m.Init(ctx, "known", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.InProgress())

	current = current.Add(DefaultTimeout + time.Second)
	_, err = m.Init(ctx, "known", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.InProgress(), "starting a flow sweeps expired ones")
}

func TestAbortDropsFlow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	res, err := m.Init(ctx, "known", "", nil)
	require.NoError(t, err)

	m.Abort(res.FlowID)
	_, err = m.Configure(ctx, res.FlowID, map[string]string{"value": "x"})
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestRateLimitByCaller(t *testing.T) {
	m := newTestManager(t, WithRateLimit(1, 2))
	ctx := context.Background()

	_, err := m.Init(ctx, "known", "203.0.113.5", nil)
	require.NoError(t, err)
	_, err = m.Init(ctx, "known", "203.0.113.5", nil)
	require.NoError(t, err)
	_, err = m.Init(ctx, "known", "203.0.113.5", nil)
	require.ErrorIs(t, err, ErrRateLimited, "burst exhausted")

	_, err = m.Init(ctx, "known", "203.0.113.9", nil)
	require.NoError(t, err, "other callers have their own bucket")
}

func TestHandlerErrorAbortsFlow(t *testing.T) {
	boom := errors.New("boom")
	create := func(ctx context.Context, handlerKey string, flowContext map[string]string) (Handler, error) {
		return handlerFunc(func(ctx context.Context, stepID string, input map[string]string) (Result, error) {
			if input != nil {
				return Result{}, boom
			}
			return ShowForm("init", nil, nil), nil
		}), nil
	}
	m := NewManager(slog.New(slog.DiscardHandler), create, nil)
	ctx := context.Background()

	res, err := m.Init(ctx, "any", "", nil)
	require.NoError(t, err)

	_, err = m.Configure(ctx, res.FlowID, map[string]string{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, m.InProgress())
}

type handlerFunc func(ctx context.Context, stepID string, input map[string]string) (Result, error)

func (f handlerFunc) Step(ctx context.Context, stepID string, input map[string]string) (Result, error) {
	return f(ctx, stepID, input)
}
