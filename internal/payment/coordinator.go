package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/xid"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusTimedOut
}

func (s Status) String() string {
	return string(s)
}

// ErrSessionNotFound is returned for unknown or already pruned handles.
var ErrSessionNotFound = errors.New("payment session not found")

// Session is a point-in-time view of one confirmation attempt.
type Session struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Phone      string          `json:"phone"`
	Status     Status          `json:"status"`
	Reference  *string         `json:"reference,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	Cancelled  bool            `json:"cancelled"`
	Message    string          `json:"message,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// Retention is how long a resolved session stays queryable.
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 12
	DefaultRetention   = 30 * time.Minute
)

type session struct {
	view   Session
	cancel context.CancelFunc
}

// Coordinator starts gateway requests and polls each one on its own
// goroutine until it confirms, fails, is cancelled or runs out of attempts.
type Coordinator struct {
	gateway     Gateway
	interval    time.Duration
	maxAttempts int
	retention   time.Duration
	log         *zap.Logger
	now         func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	byID   map[string]*session
}

func NewCoordinator(gateway Gateway, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		gateway:     gateway,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		retention:   opts.Retention,
		log:         opts.Logger.Named("payment"),
		now:         opts.Now,
		ctx:         ctx,
		stop:        stop,
		byID:        make(map[string]*session),
	}
}

// Start initiates a request with the gateway and, on success, begins
// polling in the background. A failed initiation still returns the failed
// session alongside the error.
func (c *Coordinator) Start(ctx context.Context, amount decimal.Decimal, phone string) (Session, error) {
	phone = strings.TrimSpace(phone)
	if !amount.IsPositive() || phone == "" {
		return Session{}, domain.ErrInvalidRequest
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: coordinator closed", domain.ErrGateway)
	}
	c.pruneLocked()
	s := &session{view: Session{
		ID:        xid.New("pay"),
		Amount:    amount,
		Phone:     phone,
		Status:    StatusInitiated,
		StartedAt: c.now().UTC(),
	}}
	c.byID[s.view.ID] = s
	c.mu.Unlock()

	res, err := c.gateway.Initiate(ctx, amount, phone)
	if err != nil {
		if !errors.Is(err, domain.ErrGateway) && !errors.Is(err, domain.ErrInvalidRequest) {
			err = fmt.Errorf("%w: %w", domain.ErrGateway, err)
		}
		view := c.resolve(s.view.ID, StatusFailed, nil, err.Error())
		c.log.Warn("payment initiation failed", zap.String("session_id", view.ID), zap.Error(err))
		return view, err
	}

	pollCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	s.view.RequestID = res.RequestID
	s.view.Message = res.CustomerMessage
	if c.closed || s.view.Status.IsTerminal() {
		// Cancelled or shut down while the gateway call was in flight.
		c.mu.Unlock()
		cancel()
		c.cancelled(s.view.ID)
		return c.Poll(s.view.ID)
	}
	s.view.Status = StatusPending
	s.cancel = cancel
	view := s.view
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("payment pending", zap.String("session_id", view.ID), zap.String("request_id", view.RequestID))
	go c.run(pollCtx, view.ID, view.RequestID)
	return view, nil
}

func (c *Coordinator) run(ctx context.Context, id string, requestID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.cancelled(id)
			return
		case <-ticker.C:
		}

		res, err := c.gateway.Query(ctx, requestID)
		if ctx.Err() != nil {
			c.cancelled(id)
			return
		}
		c.mu.Lock()
		if s, ok := c.byID[id]; ok {
			s.view.Attempts = attempt
		}
		c.mu.Unlock()

		switch {
		case err != nil:
			view := c.resolve(id, StatusFailed, nil, err.Error())
			c.log.Warn("payment query failed", zap.String("session_id", id), zap.Int("attempt", attempt), zap.Error(err))
			c.logResolved(view)
			return
		case res.Confirmed():
			receipt := res.Receipt
			if receipt == "" {
				receipt = requestID
			}
			c.logResolved(c.resolve(id, StatusConfirmed, &receipt, ""))
			return
		case res.Terminal():
			desc := res.ResultDesc
			if desc == "" {
				desc = "result code " + res.ResultCode
			}
			c.logResolved(c.resolve(id, StatusFailed, nil, desc))
			return
		}
	}

	c.logResolved(c.resolve(id, StatusTimedOut, nil, domain.ErrTimeout.Error()))
}

func (c *Coordinator) logResolved(view Session) {
	c.log.Info("payment resolved",
		zap.String("session_id", view.ID),
		zap.String("status", view.Status.String()),
		zap.Int("attempts", view.Attempts),
	)
}

// resolve moves a session to a terminal status once. Later calls are no-ops
// and return the already resolved view.
func (c *Coordinator) resolve(id string, status Status, reference *string, lastError string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[id]
	if !ok {
		return Session{}
	}
	if s.view.Status.IsTerminal() {
		return s.view
	}
	now := c.now().UTC()
	s.view.Status = status
	s.view.Reference = reference
	s.view.LastError = lastError
	s.view.ResolvedAt = &now
	return s.view
}

func (c *Coordinator) cancelled(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[id]
	if !ok || s.view.Status.IsTerminal() {
		return
	}
	now := c.now().UTC()
	s.view.Status = StatusFailed
	s.view.Cancelled = true
	s.view.LastError = "cancelled"
	s.view.ResolvedAt = &now
}

// Poll returns the current state of a session.
func (c *Coordinator) Poll(id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.view, nil
}

// Cancel stops polling. A pending session becomes failed and cancelled; a
// resolved session is returned unchanged.
func (c *Coordinator) Cancel(id string) (Session, error) {
	c.mu.Lock()
	s, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	cancel := s.cancel
	c.mu.Unlock()

	c.cancelled(id)
	if cancel != nil {
		cancel()
	}
	return c.Poll(id)
}

// Close cancels every live session and waits for their goroutines to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) pruneLocked() {
	cutoff := c.now().Add(-c.retention)
	for id, s := range c.byID {
		if s.view.ResolvedAt != nil && s.view.ResolvedAt.Before(cutoff) {
			if s.cancel != nil {
				s.cancel()
			}
			delete(c.byID, id)
		}
	}
}
