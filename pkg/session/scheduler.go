package session

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sessionkit/sessionkit/pkg/cryptox"
)

// scheduler holds the single outstanding refresh timer plus the retry
// bookkeeping for network-failed refreshes. All fields are guarded by the
// owning Manager's mutex.
type scheduler struct {
	timer    *time.Timer
	attempts int
	backoff  retry.Backoff
}

func (s *scheduler) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// reset clears the retry bookkeeping after a successful refresh or a new
// session.
func (s *scheduler) reset() {
	s.attempts = 0
	s.backoff = nil
}

func (s *scheduler) nextDelay(base, maxDelay time.Duration) time.Duration {
	if s.backoff == nil {
		s.backoff = retry.WithCappedDuration(maxDelay, retry.NewExponential(base))
	}
	d, _ := s.backoff.Next()
	return d
}

// scheduleLocked arms the proactive refresh timer for the current token:
// one timer, firing at expiry minus the lead margin. Tokens without expiry
// information get no timer; only reactive refresh (NotifyUnauthorized)
// applies to them.
func (m *Manager) scheduleLocked(gen uint64) {
	m.sched.cancel()

	if m.token == nil || m.token.ExpiresAt == nil {
		return
	}

	lead := defaultLead
	if lifetime, ok := m.token.Lifetime(); ok && lifetime > 0 {
		lead = lifetime / time.Duration(m.leadDiv)
	}

	fireAt := m.token.ExpiresAt.Add(-lead)
	delay := fireAt.Sub(m.now())
	if delay < 0 {
		delay = 0
	}

	m.sched.timer = time.AfterFunc(delay, func() {
		m.refresh(gen)
	})
}

// refresh runs one Refreshing round trip for the given generation. Results
// for a superseded generation are discarded: a logout during an in-flight
// refresh must never be resurrected by the refresh landing afterwards.
func (m *Manager) refresh(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateAuthenticated || m.token == nil {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateRefreshing)
	current := *m.token
	m.mu.Unlock()

	ctx, cancelCtx := context.WithTimeout(context.Background(), m.refreshTimeout)
	fresh, err := m.client.Refresh(ctx, current)
	cancelCtx()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		recordRefresh(outcomeSuperseded)
		return
	}

	if err == nil {
		// Token replaced, user untouched: the two only ever change
		// together through a full auth response.
		t := *fresh
		m.token = &t
		m.setStateLocked(StateAuthenticated)
		m.sched.reset()
		m.persistLocked(context.Background())
		m.scheduleLocked(gen)
		m.mu.Unlock()
		recordRefresh(outcomeSuccess)
		m.log.Debug("token refreshed", "token", cryptox.Fingerprint(t.AccessValue))
		// No broadcast: neither isAuthenticated nor the user changed.
		return
	}

	if KindOf(err) == KindInvalidRefreshToken {
		change := m.forceLogoutLocked(context.Background(), "invalid_refresh_token")
		m.mu.Unlock()
		recordRefresh(outcomeRejected)
		m.bus.Publish(context.Background(), change)
		return
	}

	// Network trouble (or anything unexpected): keep the old token alive
	// until its own expiry and retry on backoff, up to the attempt cap.
	recordRefresh(outcomeNetwork)
	m.sched.attempts++
	m.log.Warn("token refresh failed",
		"attempt", m.sched.attempts,
		"max_attempts", m.maxAttempts,
		"error", err,
	)

	if m.sched.attempts >= m.maxAttempts || !current.Valid(m.now()) {
		reason := "refresh_attempts_exhausted"
		if !current.Valid(m.now()) {
			reason = "token_expired"
		}
		change := m.forceLogoutLocked(context.Background(), reason)
		m.mu.Unlock()
		m.bus.Publish(context.Background(), change)
		return
	}

	m.setStateLocked(StateAuthenticated)
	delay := m.sched.nextDelay(m.backoffBase, m.backoffCap)
	m.sched.timer = time.AfterFunc(delay, func() {
		m.refresh(gen)
	})
	m.mu.Unlock()
}
