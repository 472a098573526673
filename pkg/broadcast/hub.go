package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for HubConfig.
const (
	DefaultBufferSize        = 64
	DefaultHeartbeatInterval = 30 * time.Second
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Name labels the hub in logs ("activity", "terminal").
	Name string
	// BufferSize is the per-subscription channel capacity.
	BufferSize int
	// HeartbeatInterval between heartbeat events. Negative disables heartbeats.
	HeartbeatInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *HubConfig) withDefaults() HubConfig {
	out := *c
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Subscription is one observer's registration against an issue key.
type Subscription struct {
	key    string
	hub    *Hub
	events chan Event
	drops  atomic.Int64

	detachOnce sync.Once
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// Key returns the issue key the subscription observes.
func (s *Subscription) Key() string { return s.key }

// Events returns the delivery channel. It is closed once the subscription
// has ended and no further sends can happen.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.drops.Load() }

// Done is closed when the subscription has fully ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Hub is a concurrency-safe registry of subscriptions keyed by issue.
type Hub struct {
	cfg HubConfig

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:  cfg.withDefaults(),
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers an observer for key. A connected event is queued
// before Subscribe returns and heartbeats follow until the subscription
// ends. Cancelling ctx ends the subscription.
func (h *Hub) Subscribe(ctx context.Context, key string) *Subscription {
	sub := &Subscription{
		key:    key,
		hub:    h,
		events: make(chan Event, h.cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	sub.events <- NewEvent(EventConnected, key, nil)

	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go h.run(ctx, sub)
	return sub
}

// run owns the subscription's lifetime: it emits heartbeats and, on exit,
// closes the delivery channel.
func (h *Hub) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.events)
	defer h.detach(sub)

	var tick <-chan time.Time
	if h.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.stop:
			return
		case <-tick:
			h.offer(sub, NewEvent(EventHeartbeat, sub.key, nil))
		}
	}
}

// detach removes sub from the registry. Once it returns no publisher can
// send to sub.
func (h *Hub) detach(sub *Subscription) {
	sub.detachOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set := h.subs[sub.key]
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.key)
		}
	})
}

// Unsubscribe ends sub and waits for its heartbeat to stop. Calling it more
// than once, or after the subscription's context was cancelled, is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.detach(sub)
	sub.stopOnce.Do(func() { close(sub.stop) })
	<-sub.done
}

// Publish offers ev to every subscriber of key without blocking. An event
// that does not fit a subscriber's buffer is dropped for that subscriber.
func (h *Hub) Publish(key string, ev Event) {
	if ev.IssueKey == "" {
		ev.IssueKey = key
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[key] {
		h.offer(sub, ev)
	}
}

// offer performs a non-blocking send, counting and logging drops.
func (h *Hub) offer(sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
	default:
		n := sub.drops.Add(1)
		h.dropped.Add(1)
		h.cfg.Logger.Warn("broadcast: subscriber buffer full, dropping event",
			"hub", h.cfg.Name, "issue_key", sub.key, "type", ev.Type, "dropped", n)
	}
}

// Len returns the number of subscriptions for key.
func (h *Hub) Len(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Keys returns the keys that currently have subscribers, sorted.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	keys := make([]string, 0, len(h.subs))
	for k := range h.subs {
		keys = append(keys, k)
	}
	h.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Dropped returns the total number of events this hub has dropped.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcaster holds the two independent hubs: structured activity per issue
// and raw terminal output per issue identifier.
type Broadcaster struct {
	Activity *Hub
	Terminal *Hub
}

// NewBroadcaster creates both hubs sharing cfg (names are overridden).
func NewBroadcaster(cfg HubConfig) *Broadcaster {
	activity, terminal := cfg, cfg
	activity.Name = "activity"
	terminal.Name = "terminal"
	return &Broadcaster{Activity: NewHub(activity), Terminal: NewHub(terminal)}
}
