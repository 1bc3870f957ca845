package sqlite

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sessionkit/sessionkit/pkg/session"
)

// defaultPollInterval is how often the notifier checks the journal for
// rows written by other contexts.
const defaultPollInterval = 500 * time.Millisecond

// Notifier is the cross-context transport: it publishes local session
// changes into the shared journal and tails the journal for changes made
// by other processes, dispatching those to the local broadcaster.
//
// Delivery is at-most-once per journal row per process, and a process
// never re-delivers its own rows (origin filtering), so changes cannot
// echo back and forth between contexts.
type Notifier struct {
	store    *Store
	bus      *session.Broadcaster
	log      *slog.Logger
	interval time.Duration

	// origin identifies this process instance in journal rows.
	origin string

	mu     sync.Mutex
	cursor int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NotifierOption customizes Notifier construction.
type NotifierOption func(*Notifier)

// WithPollInterval overrides how often the journal is checked.
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.interval = d
		}
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// NewNotifier creates a notifier over the shared store, delivering remote
// changes to bus. No replay: the journal cursor starts at the current
// head, so only changes after attach are observed. Late attachers must
// query current state explicitly.
func NewNotifier(ctx context.Context, store *Store, bus *session.Broadcaster, opts ...NotifierOption) (*Notifier, error) {
	head, err := store.latestSeq(ctx)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		store:    store,
		bus:      bus,
		log:      slog.Default(),
		interval: defaultPollInterval,
		origin:   ulid.Make().String(),
		cursor:   head,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

// Origin returns this process instance's journal identity.
func (n *Notifier) Origin() string { return n.origin }

// Publish implements session.Transport: it appends the change to the
// shared journal for other contexts to pick up.
func (n *Notifier) Publish(ctx context.Context, ch session.Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return n.store.appendEvent(ctx, n.origin, session.EventName, payload)
}

// Start begins tailing the journal until Close is called.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Close stops the poll loop and waits for it to exit.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.Poll(context.Background())
		}
	}
}

// Poll delivers any journal rows written by other contexts since the last
// poll. Exposed so tests (and callers with their own tick source) can
// drive the notifier deterministically.
func (n *Notifier) Poll(ctx context.Context) {
	n.mu.Lock()
	cursor := n.cursor
	n.mu.Unlock()

	rows, err := n.store.eventsAfter(ctx, cursor)
	if err != nil {
		n.log.Warn("session journal poll failed", "error", err)
		return
	}

	for _, row := range rows {
		cursor = row.Seq
		if row.Origin == n.origin || row.Event != session.EventName {
			continue
		}

		var ch session.Change
		if err := json.Unmarshal(row.Payload, &ch); err != nil {
			n.log.Warn("malformed session journal row, skipping",
				"seq", row.Seq,
				"error", err,
			)
			continue
		}
		// Dispatch, not Publish: remote changes go to local subscribers
		// only, never back into the journal.
		n.bus.Dispatch(ch)
	}

	n.mu.Lock()
	n.cursor = cursor
	n.mu.Unlock()
}
