package session

import (
	"context"
	"log/slog"
	"sync"
)

// EventName is the wire name for session change notifications, shared by
// every cross-context transport.
const EventName = "auth-state-change"

// Change is the single notification kind the broadcaster publishes.
// Delivery is at-most-once per transition and never replayed: a subscriber
// attaching late must query Manager.Snapshot for current state.
type Change struct {
	IsAuthenticated bool  `json:"isAuthenticated"`
	User            *User `json:"user"`
}

// Transport carries Changes to other running contexts (other processes
// sharing local storage). Publish must not block on remote consumers.
type Transport interface {
	Publish(ctx context.Context, ch Change) error
}

// Broadcaster fans session changes out to in-process subscribers and to
// cross-context transports. In-process subscribers are invoked
// synchronously in subscription order; a panicking subscriber is logged
// and must not prevent the rest from running.
type Broadcaster struct {
	log *slog.Logger

	mu         sync.RWMutex
	nextID     uint64
	subs       []subscription
	transports []Transport
}

type subscription struct {
	id uint64
	fn func(Change)
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{log: log}
}

// Subscribe registers fn for future changes and returns a cancel func.
// fn runs synchronously on the publishing goroutine.
func (b *Broadcaster) Subscribe(fn func(Change)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// AddTransport attaches a cross-context transport. Transport failures are
// logged, never propagated: local consistency does not depend on remote
// delivery.
func (b *Broadcaster) AddTransport(t Transport) {
	if t == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, t)
}

// Publish delivers ch to local subscribers and then to every transport.
func (b *Broadcaster) Publish(ctx context.Context, ch Change) {
	b.Dispatch(ch)

	b.mu.RLock()
	transports := make([]Transport, len(b.transports))
	copy(transports, b.transports)
	b.mu.RUnlock()

	for _, t := range transports {
		if err := t.Publish(ctx, ch); err != nil {
			b.log.Warn("cross-context publish failed",
				"event", EventName,
				"error", err,
			)
		}
	}
}

// Dispatch delivers ch to local subscribers only. Transports call this for
// changes received from other contexts, so a remote change is never echoed
// back out.
func (b *Broadcaster) Dispatch(ch Change) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, ch)
	}
}

func (b *Broadcaster) invoke(s subscription, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("session change subscriber panicked",
				"event", EventName,
				"panic", r,
			)
		}
	}()
	s.fn(ch)
}
