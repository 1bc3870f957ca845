package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClient is a controllable AuthClient. Unset funcs fail the calling
// test if reached.
type fakeClient struct {
	loginFn    func(ctx context.Context, creds Credentials) (*AuthResponse, error)
	registerFn func(ctx context.Context, reg Registration) (*AuthResponse, error)
	refreshFn  func(ctx context.Context, current Token) (*Token, error)
	logoutFn   func(ctx context.Context, current Token) error
}

func (f *fakeClient) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	if f.loginFn == nil {
		return nil, errors.New("unexpected Login call")
	}
	return f.loginFn(ctx, creds)
}

func (f *fakeClient) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	if f.registerFn == nil {
		return nil, errors.New("unexpected Register call")
	}
	return f.registerFn(ctx, reg)
}

func (f *fakeClient) Refresh(ctx context.Context, current Token) (*Token, error) {
	if f.refreshFn == nil {
		return nil, errors.New("unexpected Refresh call")
	}
	return f.refreshFn(ctx, current)
}

func (f *fakeClient) Logout(ctx context.Context, current Token) error {
	if f.logoutFn == nil {
		return errors.New("unexpected Logout call")
	}
	return f.logoutFn(ctx, current)
}

// fakeStore is an in-memory Store that counts operations.
type fakeStore struct {
	mu     sync.Mutex
	rec    *PersistedSession
	saves  int
	clears int
}

func (f *fakeStore) Load(_ context.Context) (*PersistedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, ErrNoPersistedSession
	}
	r := *f.rec
	return &r, nil
}

func (f *fakeStore) Save(_ context.Context, rec *PersistedSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := *rec
	f.rec = &r
	f.saves++
	return nil
}

func (f *fakeStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = nil
	f.clears++
	return nil
}

func (f *fakeStore) current() *PersistedSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil
	}
	r := *f.rec
	return &r
}

func authResponse(id int64, email, tokenValue string, lifetime time.Duration, now time.Time) *AuthResponse {
	exp := now.Add(lifetime)
	return &AuthResponse{
		Token: Token{AccessValue: tokenValue, IssuedAt: now, ExpiresAt: &exp},
		User:  User{ID: id, Email: email},
	}
}

// changeRecorder collects broadcast changes for assertions.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (cr *changeRecorder) record(ch Change) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.changes = append(cr.changes, ch)
}

func (cr *changeRecorder) all() []Change {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]Change, len(cr.changes))
	copy(out, cr.changes)
	return out
}

func TestManagerLogin(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success installs session and broadcasts once", func(t *testing.T) {
		client := &fakeClient{
			loginFn: func(_ context.Context, creds Credentials) (*AuthResponse, error) {
				require.Equal(t, "alice@example.com", creds.Identifier)
				return authResponse(1, "alice@example.com", "tok-1", 5*time.Minute, now), nil
			},
		}
		store := &fakeStore{}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		rec := &changeRecorder{}
		m.Subscribe(rec.record)

		snap, err := m.Login(context.Background(), Credentials{
			Identifier: "alice@example.com",
			Secret:     "hunter2",
			Remember:   true,
		})
		require.NoError(t, err)
		require.True(t, snap.IsAuthenticated)
		require.False(t, snap.IsLoading)
		require.Equal(t, int64(1), snap.User.ID)
		require.Equal(t, "tok-1", snap.Token.AccessValue)
		require.Equal(t, StateAuthenticated, m.State())

		changes := rec.all()
		require.Len(t, changes, 1)
		require.True(t, changes[0].IsAuthenticated)
		require.Equal(t, int64(1), changes[0].User.ID)

		saved := store.current()
		require.NotNil(t, saved)
		require.Equal(t, "tok-1", saved.Token.AccessValue)
	})

	t.Run("subscriber observes committed snapshot", func(t *testing.T) {
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return authResponse(1, "alice@example.com", "tok-1", 5*time.Minute, now), nil
			},
		}
		m := NewManager(client, WithManagerClock(func() time.Time { return now }))
		defer m.Close()

		var observed Snapshot
		m.Subscribe(func(Change) {
			observed = m.Snapshot()
		})

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.NoError(t, err)

		// The snapshot read inside the handler already reflects the new
		// session, never the pre-login state.
		require.True(t, observed.IsAuthenticated)
		require.Equal(t, "tok-1", observed.Token.AccessValue)
	})

	t.Run("failure leaves state untouched and silent", func(t *testing.T) {
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return nil, &Error{Kind: KindInvalidCredentials, Code: "invalid_grant"}
			},
		}
		store := &fakeStore{}
		m := NewManager(client, WithStore(store))
		defer m.Close()

		rec := &changeRecorder{}
		m.Subscribe(rec.record)

		snap, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "wrong"})
		require.True(t, errors.Is(err, ErrInvalidCredentials))
		require.False(t, snap.IsAuthenticated)
		require.Equal(t, StateAnonymous, m.State())
		require.Empty(t, rec.all())
		require.Zero(t, store.saves)
	})

	t.Run("second login while one is in flight is rejected", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				close(entered)
				<-release
				return authResponse(1, "a@b.c", "tok-1", 5*time.Minute, now), nil
			},
		}
		m := NewManager(client, WithManagerClock(func() time.Time { return now }))
		defer m.Close()

		done := make(chan error, 1)
		go func() {
			_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
			done <- err
		}()
		<-entered

		require.Equal(t, StateAuthenticating, m.State())
		require.True(t, m.Snapshot().IsLoading)

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.True(t, errors.Is(err, ErrOperationInProgress))

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("login while refresh is in flight is rejected", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return authResponse(1, "a@b.c", "tok-1", time.Hour, now), nil
			},
			refreshFn: func(context.Context, Token) (*Token, error) {
				close(entered)
				<-release
				exp := now.Add(time.Hour)
				return &Token{AccessValue: "tok-fresh", IssuedAt: now, ExpiresAt: &exp}, nil
			},
		}
		m := NewManager(client, WithManagerClock(func() time.Time { return now }))
		defer m.Close()

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.NoError(t, err)

		m.NotifyUnauthorized()
		<-entered
		require.Equal(t, StateRefreshing, m.State())

		_, err = m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.True(t, errors.Is(err, ErrOperationInProgress))

		close(release)
		require.Eventually(t, func() bool {
			snap := m.Snapshot()
			return snap.Token != nil && snap.Token.AccessValue == "tok-fresh"
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("logout during in-flight login discards the result", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				close(entered)
				<-release
				return authResponse(1, "a@b.c", "tok-1", 5*time.Minute, now), nil
			},
		}
		m := NewManager(client, WithManagerClock(func() time.Time { return now }))
		defer m.Close()

		done := make(chan error, 1)
		go func() {
			_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
			done <- err
		}()
		<-entered

		// Close bumps the generation the same way logout does.
		m.Close()
		close(release)

		err := <-done
		require.True(t, errors.Is(err, ErrSessionSuperseded))
		require.False(t, m.Snapshot().IsAuthenticated)
	})

	t.Run("remember false clears instead of saving", func(t *testing.T) {
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return authResponse(1, "a@b.c", "tok-1", 5*time.Minute, now), nil
			},
		}
		store := &fakeStore{}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.NoError(t, err)
		require.Zero(t, store.saves)
		require.Nil(t, store.current())
	})
}

func TestManagerRegister(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success persists regardless of remember", func(t *testing.T) {
		client := &fakeClient{
			registerFn: func(_ context.Context, reg Registration) (*AuthResponse, error) {
				require.True(t, reg.AcceptTerms)
				return authResponse(7, reg.Email, "tok-7", 5*time.Minute, now), nil
			},
		}
		store := &fakeStore{}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		snap, err := m.Register(context.Background(), Registration{
			Email:       "new@example.com",
			Secret:      "hunter2",
			AcceptTerms: true,
		})
		require.NoError(t, err)
		require.True(t, snap.IsAuthenticated)
		require.NotNil(t, store.current())
	})

	t.Run("duplicate email surfaces and leaves anonymous", func(t *testing.T) {
		client := &fakeClient{
			registerFn: func(context.Context, Registration) (*AuthResponse, error) {
				return nil, &Error{Kind: KindEmailTaken, Code: "email_already_registered"}
			},
		}
		m := NewManager(client)
		defer m.Close()

		_, err := m.Register(context.Background(), Registration{
			Email:       "taken@example.com",
			Secret:      "x",
			AcceptTerms: true,
		})
		require.True(t, errors.Is(err, ErrEmailTaken))
		require.Equal(t, StateAnonymous, m.State())
	})
}

func TestManagerLogout(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("clears locally and notifies backend", func(t *testing.T) {
		notified := make(chan Token, 1)
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return authResponse(1, "a@b.c", "tok-1", 5*time.Minute, now), nil
			},
			logoutFn: func(_ context.Context, current Token) error {
				notified <- current
				return nil
			},
		}
		store := &fakeStore{}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b", Remember: true})
		require.NoError(t, err)

		rec := &changeRecorder{}
		m.Subscribe(rec.record)

		require.NoError(t, m.Logout(context.Background()))
		require.Equal(t, StateAnonymous, m.State())
		require.False(t, m.Snapshot().IsAuthenticated)
		require.Nil(t, store.current())

		changes := rec.all()
		require.Len(t, changes, 1)
		require.False(t, changes[0].IsAuthenticated)
		require.Nil(t, changes[0].User)

		select {
		case tok := <-notified:
			require.Equal(t, "tok-1", tok.AccessValue)
		case <-time.After(2 * time.Second):
			t.Fatal("backend logout notification never happened")
		}
	})

	t.Run("logout while anonymous is a no-op", func(t *testing.T) {
		m := NewManager(&fakeClient{})
		defer m.Close()

		rec := &changeRecorder{}
		m.Subscribe(rec.record)

		require.NoError(t, m.Logout(context.Background()))
		require.Empty(t, rec.all())
	})
}

func TestManagerResume(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no store", func(t *testing.T) {
		m := NewManager(&fakeClient{})
		defer m.Close()

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.False(t, snap.IsAuthenticated)
	})

	t.Run("empty store", func(t *testing.T) {
		m := NewManager(&fakeClient{}, WithStore(&fakeStore{}))
		defer m.Close()

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.False(t, snap.IsAuthenticated)
	})

	t.Run("valid persisted token resumes directly", func(t *testing.T) {
		exp := now.Add(5 * time.Minute)
		store := &fakeStore{rec: &PersistedSession{
			Token:   Token{AccessValue: "tok-1", IssuedAt: now.Add(-time.Minute), ExpiresAt: &exp},
			User:    User{ID: 1, Email: "a@b.c"},
			SavedAt: now.Add(-time.Minute),
		}}
		m := NewManager(&fakeClient{},
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		rec := &changeRecorder{}
		m.Subscribe(rec.record)

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.True(t, snap.IsAuthenticated)
		require.Equal(t, int64(1), snap.User.ID)
		require.Len(t, rec.all(), 1)
		require.True(t, rec.all()[0].IsAuthenticated)
	})

	t.Run("expired token gets one refresh attempt", func(t *testing.T) {
		exp := now.Add(-time.Minute)
		store := &fakeStore{rec: &PersistedSession{
			Token: Token{AccessValue: "stale", IssuedAt: now.Add(-time.Hour), ExpiresAt: &exp},
			User:  User{ID: 1, Email: "a@b.c"},
		}}
		client := &fakeClient{
			refreshFn: func(_ context.Context, current Token) (*Token, error) {
				require.Equal(t, "stale", current.AccessValue)
				freshExp := now.Add(5 * time.Minute)
				return &Token{AccessValue: "fresh", IssuedAt: now, ExpiresAt: &freshExp}, nil
			},
		}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.True(t, snap.IsAuthenticated)
		require.Equal(t, "fresh", snap.Token.AccessValue)
		require.Equal(t, int64(1), snap.User.ID)
	})

	t.Run("unresumable session is cleared", func(t *testing.T) {
		exp := now.Add(-time.Minute)
		store := &fakeStore{rec: &PersistedSession{
			Token: Token{AccessValue: "stale", ExpiresAt: &exp},
			User:  User{ID: 1},
		}}
		client := &fakeClient{
			refreshFn: func(context.Context, Token) (*Token, error) {
				return nil, &Error{Kind: KindInvalidRefreshToken, Code: "invalid_grant"}
			},
		}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.False(t, snap.IsAuthenticated)
		require.Nil(t, store.current())
	})

	t.Run("resume after login is a no-op", func(t *testing.T) {
		store := &fakeStore{}
		client := &fakeClient{
			loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
				return authResponse(1, "a@b.c", "tok-live", 5*time.Minute, now), nil
			},
		}
		m := NewManager(client,
			WithStore(store),
			WithManagerClock(func() time.Time { return now }),
		)
		defer m.Close()

		_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
		require.NoError(t, err)

		snap, err := m.Resume(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-live", snap.Token.AccessValue)
	})
}

func TestManagerSnapshotIsolation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeClient{
		loginFn: func(context.Context, Credentials) (*AuthResponse, error) {
			return authResponse(1, "a@b.c", "tok-1", 5*time.Minute, now), nil
		},
	}
	m := NewManager(client, WithManagerClock(func() time.Time { return now }))
	defer m.Close()

	_, err := m.Login(context.Background(), Credentials{Identifier: "a", Secret: "b"})
	require.NoError(t, err)

	snap := m.Snapshot()
	snap.User.Email = "mutated@example.com"
	snap.Token.AccessValue = "mutated"

	fresh := m.Snapshot()
	require.Equal(t, "a@b.c", fresh.User.Email)
	require.Equal(t, "tok-1", fresh.Token.AccessValue)
}
