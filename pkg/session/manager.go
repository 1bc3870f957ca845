package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// AuthClient is the transport capability the Manager consumes. *Client
// implements it; tests substitute fakes.
type AuthClient interface {
	Login(ctx context.Context, creds Credentials) (*AuthResponse, error)
	Register(ctx context.Context, reg Registration) (*AuthResponse, error)
	Refresh(ctx context.Context, current Token) (*Token, error)
	Logout(ctx context.Context, current Token) error
}

// Store persists the session across restarts. Implementations live in
// pkg/sessionstore; Load returns ErrNoPersistedSession when empty.
type Store interface {
	Load(ctx context.Context) (*PersistedSession, error)
	Save(ctx context.Context, rec *PersistedSession) error
	Clear(ctx context.Context) error
}

const (
	defaultLeadDivisor    = 5
	defaultLead           = 30 * time.Second
	defaultMaxAttempts    = 5
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffCap     = 30 * time.Second
	defaultRefreshTimeout = 15 * time.Second
	defaultLogoutTimeout  = 5 * time.Second
)

// Manager is the authoritative in-memory session state. It exclusively owns
// the mutable snapshot: the Client, Broadcaster, and refresh timer act only
// through it, never on the snapshot directly.
//
// The lock is held across state mutation and local persistence but never
// across a network call; every in-flight continuation captures the
// generation counter at launch and its result is discarded if the
// generation has moved on (logout or a newer login superseded it).
type Manager struct {
	client AuthClient
	store  Store
	bus    *Broadcaster
	log    *slog.Logger
	now    func() time.Time

	leadDiv        int
	maxAttempts    int
	backoffBase    time.Duration
	backoffCap     time.Duration
	refreshTimeout time.Duration

	mu       sync.Mutex
	state    State
	user     *User
	token    *Token
	remember bool
	gen      uint64
	sched    scheduler
}

// ManagerOption customizes Manager construction.
type ManagerOption func(*Manager)

// WithStore attaches a persistence store. Without one the session lives
// only in memory.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithManagerClock injects a custom clock (useful for tests).
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithLeadDivisor sets the proactive-refresh lead time to 1/n of the
// token's lifetime (default 5: a 5 minute token refreshes after 4 minutes).
func WithLeadDivisor(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.leadDiv = n
		}
	}
}

// WithMaxRefreshAttempts caps consecutive network-failed refreshes before
// the session is forced out.
func WithMaxRefreshAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithRefreshBackoff sets the exponential backoff base and cap for refresh
// retries after a network failure.
func WithRefreshBackoff(base, maxDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		if base > 0 {
			m.backoffBase = base
		}
		if maxDelay > 0 {
			m.backoffCap = maxDelay
		}
	}
}

// WithRefreshTimeout bounds each scheduler-driven refresh call.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// NewManager creates a Manager in the anonymous state.
func NewManager(client AuthClient, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:         client,
		log:            slog.Default(),
		now:            time.Now,
		leadDiv:        defaultLeadDivisor,
		maxAttempts:    defaultMaxAttempts,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
		refreshTimeout: defaultRefreshTimeout,
		state:          StateAnonymous,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.bus = NewBroadcaster(m.log)
	return m
}

// Events exposes the broadcaster for subscriptions and cross-context
// transports.
func (m *Manager) Events() *Broadcaster { return m.bus }

// Subscribe registers fn for session changes. See Broadcaster.Subscribe.
func (m *Manager) Subscribe(fn func(Change)) (cancel func()) {
	return m.bus.Subscribe(fn)
}

// State returns the Manager's lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a consistent value copy of the observable session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		IsAuthenticated: m.token != nil && m.user != nil,
		IsLoading:       m.state == StateAuthenticating || m.state == StateRefreshing,
	}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	if m.token != nil {
		t := *m.token
		snap.Token = &t
	}
	return snap
}

// Login authenticates with the backend and, on success, atomically installs
// the new token and user, persists (per creds.Remember), schedules refresh,
// and broadcasts the change. A second Login while one is in flight is
// rejected locally without a network call.
func (m *Manager) Login(ctx context.Context, creds Credentials) (Snapshot, error) {
	return m.authenticate(ctx, opLogin, func(ctx context.Context) (*AuthResponse, error) {
		return m.client.Login(ctx, creds)
	}, creds.Remember)
}

// Register creates an account and logs the new user in. It follows the same
// single-flight rules as Login; a fresh registration is always persisted.
func (m *Manager) Register(ctx context.Context, reg Registration) (Snapshot, error) {
	return m.authenticate(ctx, opRegister, func(ctx context.Context) (*AuthResponse, error) {
		return m.client.Register(ctx, reg)
	}, true)
}

// authenticate runs one login/register round trip under the single-flight
// guard. The transient authenticating state is entered exactly once and
// exited exactly once, success or failure.
func (m *Manager) authenticate(ctx context.Context, op string, call func(context.Context) (*AuthResponse, error), remember bool) (Snapshot, error) {
	m.mu.Lock()
	if m.state == StateAuthenticating || m.state == StateRefreshing {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		recordAuth(op, outcomeRejected)
		return snap, &Error{
			Kind:        KindOperationInProgress,
			Code:        "operation_in_progress",
			Description: "another authentication operation is in flight",
		}
	}
	prev := m.state
	gen := m.gen
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	resp, err := call(ctx)

	m.mu.Lock()
	if m.gen != gen {
		// A logout (or newer login) won the race; this result must not
		// resurrect or replace the session it belongs to.
		snap := m.snapshotLocked()
		m.mu.Unlock()
		recordAuth(op, outcomeSuperseded)
		return snap, ErrSessionSuperseded
	}

	if err != nil {
		m.setStateLocked(prev)
		if prev == StateAuthenticated && m.token != nil {
			// The proactive timer may have fired (and no-opped) while
			// this attempt was in flight; re-arm it for the restored
			// session.
			m.scheduleLocked(gen)
		}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		recordAuth(op, authOutcome(err))
		return snap, err
	}

	m.gen++
	m.applyAuthLocked(ctx, resp, remember)
	change := Change{IsAuthenticated: true, User: snapUser(m.user)}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	recordAuth(op, outcomeSuccess)
	// Snapshot is committed before anyone hears about it: a subscriber
	// reading state inside its handler always observes the new session.
	m.bus.Publish(ctx, change)
	return snap, nil
}

// Logout clears the session immediately and notifies the backend on a
// best-effort basis. Clearing never waits on the network.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAnonymous && m.token == nil {
		m.mu.Unlock()
		return nil
	}
	var tok *Token
	if m.token != nil {
		t := *m.token
		tok = &t
	}
	m.clearLocked(ctx)
	m.mu.Unlock()

	m.bus.Publish(ctx, Change{IsAuthenticated: false, User: nil})

	if tok != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultLogoutTimeout)
		go func() {
			defer cancel()
			_ = m.client.Logout(notifyCtx, *tok)
		}()
	}
	return nil
}

// Resume loads a persisted session at startup. A still-valid token resumes
// the session directly; an expired one gets a single reactive refresh
// attempt before the record is discarded. Resume is a no-op without a
// store or when a login already happened.
func (m *Manager) Resume(ctx context.Context) (Snapshot, error) {
	if m.store == nil {
		return m.Snapshot(), nil
	}

	rec, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoPersistedSession) {
			return m.Snapshot(), nil
		}
		return m.Snapshot(), err
	}

	m.mu.Lock()
	gen := m.gen
	if m.state != StateAnonymous {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}

	if rec.Token.Valid(m.now()) {
		m.gen++
		m.installLocked(ctx, rec.Token, rec.User, true)
		change := Change{IsAuthenticated: true, User: snapUser(m.user)}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.bus.Publish(ctx, change)
		return snap, nil
	}
	m.mu.Unlock()

	// Persisted token already expired: one reactive refresh attempt, then
	// give up and clear the stale record.
	fresh, err := m.client.Refresh(ctx, rec.Token)

	m.mu.Lock()
	if m.gen != gen || m.state != StateAnonymous {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Info("persisted session not resumable, clearing", "error", err)
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.log.Warn("failed to clear stale persisted session", "error", clearErr)
		}
		return m.Snapshot(), nil
	}

	m.gen++
	m.installLocked(ctx, *fresh, rec.User, true)
	change := Change{IsAuthenticated: true, User: snapUser(m.user)}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.bus.Publish(ctx, change)
	return snap, nil
}

// NotifyUnauthorized is the reactive-refresh hook: call it when an
// authenticated request came back 401. It triggers an immediate refresh
// for the current generation; no-op unless the session is authenticated.
func (m *Manager) NotifyUnauthorized() {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.token == nil {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.sched.cancel()
	m.mu.Unlock()

	go m.refresh(gen)
}

// Close cancels any pending refresh timer. The Manager is unusable after.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.sched.cancel()
}

// applyAuthLocked installs a full auth response (token and user together,
// never independently).
func (m *Manager) applyAuthLocked(ctx context.Context, resp *AuthResponse, remember bool) {
	m.installLocked(ctx, resp.Token, resp.User, remember)
}

func (m *Manager) installLocked(ctx context.Context, tok Token, user User, remember bool) {
	t := tok
	u := user
	m.token = &t
	m.user = &u
	m.remember = remember
	m.setStateLocked(StateAuthenticated)
	m.sched.reset()
	m.persistLocked(ctx)
	m.scheduleLocked(m.gen)
}

// persistLocked writes or clears the store to match the remember policy.
// Persistence failures are logged, never surfaced: the in-memory session
// is already committed.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	if !m.remember || m.token == nil || m.user == nil {
		if err := m.store.Clear(ctx); err != nil {
			m.log.Warn("failed to clear persisted session", "error", err)
		}
		return
	}
	rec := &PersistedSession{
		Token:   *m.token,
		User:    *m.user,
		SavedAt: m.now(),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.log.Warn("failed to persist session", "error", err)
	}
}

// clearLocked wipes token and user atomically, bumps the generation so any
// in-flight continuation is discarded, and cancels the refresh timer.
func (m *Manager) clearLocked(ctx context.Context) {
	m.token = nil
	m.user = nil
	m.remember = false
	m.gen++
	m.sched.cancel()
	m.sched.reset()
	m.setStateLocked(StateAnonymous)
	if m.store != nil {
		if err := m.store.Clear(ctx); err != nil {
			m.log.Warn("failed to clear persisted session", "error", err)
		}
	}
}

// forceLogoutLocked is the Expired -> Anonymous failure path. It returns
// the change to publish after the lock is released.
func (m *Manager) forceLogoutLocked(ctx context.Context, reason string) Change {
	m.setStateLocked(StateExpired)
	recordForcedLogout(reason)
	m.log.Info("session force-logged-out", "reason", reason)
	m.clearLocked(ctx)
	return Change{IsAuthenticated: false, User: nil}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	recordState(s)
}

func snapUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func authOutcome(err error) string {
	switch KindOf(err) {
	case KindNetwork:
		return outcomeNetwork
	case KindValidation:
		return outcomeValidation
	default:
		return outcomeRejected
	}
}
