package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimutpos/backend/internal/domain"
)

// scriptedGateway answers queries from a fixed script. Once the script runs
// out it keeps returning the last entry.
type scriptedGateway struct {
	initiateErr error
	mu          sync.Mutex
	script      []scriptStep
	queries     atomic.Int32
	block       chan struct{}
}

type scriptStep struct {
	result QueryResult
	err    error
}

func (g *scriptedGateway) Initiate(_ context.Context, _ decimal.Decimal, _ string) (InitiateResult, error) {
	if g.initiateErr != nil {
		return InitiateResult{}, g.initiateErr
	}
	return InitiateResult{RequestID: "ws_CO_123", CustomerMessage: "Success. Request accepted for processing"}, nil
}

func (g *scriptedGateway) Query(ctx context.Context, _ string) (QueryResult, error) {
	n := int(g.queries.Add(1))
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return QueryResult{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.script) == 0 {
		return QueryResult{Pending: true}, nil
	}
	idx := n - 1
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	step := g.script[idx]
	return step.result, step.err
}

func pending(n int) []scriptStep {
	steps := make([]scriptStep, n)
	for i := range steps {
		steps[i] = scriptStep{result: QueryResult{Pending: true}}
	}
	return steps
}

func newTestCoordinator(gw Gateway) *Coordinator {
	return NewCoordinator(gw, Options{Interval: time.Millisecond, MaxAttempts: 12})
}

func waitResolved(t *testing.T, c *Coordinator, id string) Session {
	t.Helper()
	var view Session
	require.Eventually(t, func() bool {
		v, err := c.Poll(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 2*time.Second, time.Millisecond)
	return view
}

func TestConfirmedOnLastAttempt(t *testing.T) {
	script := append(pending(11), scriptStep{result: QueryResult{ResultCode: "0", ResultDesc: "Success", Receipt: "QK12345"}})
	gw := &scriptedGateway{script: script}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(348), "254712345678")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, "ws_CO_123", view.RequestID)

	view = waitResolved(t, c, view.ID)
	assert.Equal(t, StatusConfirmed, view.Status)
	require.NotNil(t, view.Reference)
	assert.Equal(t, "QK12345", *view.Reference)
	assert.Equal(t, 12, view.Attempts)
	assert.EqualValues(t, 12, gw.queries.Load())
}

func TestTimesOutAfterBudget(t *testing.T) {
	gw := &scriptedGateway{}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)

	view = waitResolved(t, c, view.ID)
	assert.Equal(t, StatusTimedOut, view.Status)
	assert.Nil(t, view.Reference)
	assert.Equal(t, 12, view.Attempts)

	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 12, gw.queries.Load(), "no queries after the budget is spent")
}

func TestInitiateFailureResolvesFailed(t *testing.T) {
	gw := &scriptedGateway{initiateErr: errors.New("connection refused")}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.ErrorIs(t, err, domain.ErrGateway)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Nil(t, view.Reference)
	assert.EqualValues(t, 0, gw.queries.Load())

	polled, err := c.Poll(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, polled.Status)
}

func TestQueryErrorStopsPolling(t *testing.T) {
	gw := &scriptedGateway{script: []scriptStep{
		{result: QueryResult{Pending: true}},
		{err: errors.New("upstream 503")},
	}}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)

	view = waitResolved(t, c, view.ID)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, 2, view.Attempts)
	assert.Contains(t, view.LastError, "upstream 503")
}

func TestTerminalResultCodeFails(t *testing.T) {
	gw := &scriptedGateway{script: []scriptStep{
		{result: QueryResult{ResultCode: "1032", ResultDesc: "Request cancelled by user"}},
	}}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)

	view = waitResolved(t, c, view.ID)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "Request cancelled by user", view.LastError)
	assert.Equal(t, 1, view.Attempts)
}

func TestCancelStopsPolling(t *testing.T) {
	block := make(chan struct{})
	gw := &scriptedGateway{block: block}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gw.queries.Load() == 1 }, time.Second, time.Millisecond)

	view, err = c.Cancel(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.True(t, view.Cancelled)
	assert.Nil(t, view.Reference)

	close(block)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, gw.queries.Load())

	view, err = c.Poll(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, 0, view.Attempts, "the in-flight answer is discarded")
}

func TestCancelLeavesResolvedSessionUntouched(t *testing.T) {
	gw := &scriptedGateway{script: []scriptStep{{result: QueryResult{ResultCode: "0", Receipt: "QK999"}}}}
	c := newTestCoordinator(gw)
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)
	waitResolved(t, c, view.ID)

	view, err = c.Cancel(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, view.Status)
	assert.False(t, view.Cancelled)
}

// phoneGateway confirms requests for confirmPhone and leaves every other
// request pending until its context ends.
type phoneGateway struct {
	confirmPhone string
}

func (g phoneGateway) Initiate(_ context.Context, _ decimal.Decimal, phone string) (InitiateResult, error) {
	return InitiateResult{RequestID: "req-" + phone}, nil
}

func (g phoneGateway) Query(ctx context.Context, requestID string) (QueryResult, error) {
	if requestID == "req-"+g.confirmPhone {
		return QueryResult{ResultCode: "0", Receipt: "QKA"}, nil
	}
	<-ctx.Done()
	return QueryResult{}, ctx.Err()
}

func TestSessionsAreIndependent(t *testing.T) {
	c := newTestCoordinator(phoneGateway{confirmPhone: "254712345678"})
	defer c.Close()

	first, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)
	second, err := c.Start(context.Background(), decimal.NewFromInt(200), "254700000000")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, StatusConfirmed, waitResolved(t, c, first.ID).Status)

	_, err = c.Cancel(second.ID)
	require.NoError(t, err)
	cancelled := waitResolved(t, c, second.ID)
	assert.True(t, cancelled.Cancelled)
	assert.Nil(t, cancelled.Reference)
}

func TestCloseCancelsLiveSessions(t *testing.T) {
	c := NewCoordinator(&scriptedGateway{}, Options{Interval: time.Hour})

	view, err := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	require.NoError(t, err)

	c.Close()

	view, err = c.Poll(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.True(t, view.Cancelled)

	_, err = c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")
	assert.ErrorIs(t, err, domain.ErrGateway)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	c := newTestCoordinator(&scriptedGateway{})
	defer c.Close()

	_, err := c.Start(context.Background(), decimal.Zero, "254712345678")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = c.Start(context.Background(), decimal.NewFromInt(10), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = c.Poll("pay-unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResolvedSessionsArePruned(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	gw := &scriptedGateway{initiateErr: errors.New("down")}
	c := NewCoordinator(gw, Options{Interval: time.Millisecond, Retention: time.Minute, Now: clock})
	defer c.Close()

	old, _ := c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, _ = c.Start(context.Background(), decimal.NewFromInt(100), "254712345678")

	_, err := c.Poll(old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSimulatedGatewayConfirms(t *testing.T) {
	c := newTestCoordinator(SimulatedGateway{})
	defer c.Close()

	view, err := c.Start(context.Background(), decimal.NewFromInt(50), "0712345678")
	require.NoError(t, err)
	assert.Equal(t, SimulatedRequestID, view.RequestID)

	view = waitResolved(t, c, view.ID)
	assert.Equal(t, StatusConfirmed, view.Status)
	assert.Equal(t, SimulatedReceipt, *view.Reference)
	assert.Equal(t, 1, view.Attempts)
}

func TestQueryResultClassification(t *testing.T) {
	assert.True(t, QueryResult{ResultCode: "0"}.Confirmed())
	assert.True(t, QueryResult{ResultCode: "0.0"}.Confirmed())
	assert.True(t, QueryResult{ResultCode: "1037", Receipt: "QK1"}.Confirmed())
	assert.False(t, QueryResult{Pending: true}.Confirmed())

	assert.True(t, QueryResult{ResultCode: "1032"}.Terminal())
	assert.True(t, QueryResult{ResultCode: "2001"}.Terminal())
	assert.False(t, QueryResult{ResultCode: "4999"}.Terminal())
	assert.False(t, QueryResult{Pending: true, ResultCode: "1"}.Terminal())
}
