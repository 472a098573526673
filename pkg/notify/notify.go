// Package notify delivers lifecycle notifications outside the request path.
//
// Transitions in the spawn and fix lifecycles hand a Notification to a
// Dispatcher, which delivers it on a background goroutine. Delivery failures
// are logged; they never fail the transition that produced them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind names what happened.
type Kind string

// Notification kinds.
const (
	KindSpawnStarted   Kind = "spawn_started"
	KindSpawnSucceeded Kind = "spawn_succeeded"
	KindSpawnFailed    Kind = "spawn_failed"
	KindSpawnCancelled Kind = "spawn_cancelled"
	KindStatusChanged  Kind = "status_changed"
	KindFixVerified    Kind = "fix_verified"
	KindFixFailed      Kind = "fix_failed"
)

// Notification is one outbound message.
type Notification struct {
	Kind       Kind           `json:"kind"`
	IssueID    int64          `json:"issue_id"`
	Identifier string         `json:"identifier,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier delivers a notification somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers n to every notifier, continuing past failures.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at info level.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "issue_id", n.IssueID,
		"identifier", n.Identifier, "actor", n.Actor, "message", n.Message)
	return nil
}

// DefaultTimeout bounds one background delivery.
const DefaultTimeout = 10 * time.Second

// Dispatcher delivers notifications asynchronously.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher. A nil notifier discards everything;
// timeout <= 0 means DefaultTimeout.
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, logger: logger, nowFunc: time.Now}
}

// Send queues n for delivery and returns immediately. After Close it is a
// no-op.
func (d *Dispatcher) Send(n Notification) {
	if d == nil || d.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = d.nowFunc().UTC()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed", "kind", n.Kind, "issue_id", n.IssueID, "error", err)
			return
		}
		d.logger.Debug("notification delivered", "kind", n.Kind, "issue_id", n.IssueID)
	}()
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Close stops accepting notifications and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
