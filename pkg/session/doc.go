/*
Package session is the client-side authentication session core: it
acquires, holds, refreshes, and invalidates a user's session against an
auth backend, and keeps every consumer of that session consistent despite
concurrent asynchronous operations.

# Manager vs Client

The package is organized around two main types:

  - Client: issues login/register/refresh/logout against the backend and
    classifies every failure into a typed *Error before it reaches anyone
    else
  - Manager: the authoritative state machine owning the session snapshot,
    the change broadcaster, and the proactive refresh timer

Create a Client for the backend, hand it to a Manager, and drive the
session through the Manager only:

	client := session.NewClient("https://auth.example.com")
	mgr := session.NewManager(client,
		session.WithStore(store),
	)

	snap, err := mgr.Login(ctx, session.Credentials{
		Identifier: "a@b.com",
		Secret:     "hunter2",
		Remember:   true,
	})

# Observing changes

Subscribers receive exactly one Change per state transition, always after
the snapshot has been committed:

	cancel := mgr.Subscribe(func(ch session.Change) {
		// mgr.Snapshot() is consistent with ch here
	})
	defer cancel()

Cross-context delivery (other processes sharing local storage) attaches as
a Transport on mgr.Events(); pkg/sessionstore/sqlite provides one backed by
a shared change journal.

# Token refresh

On every authenticated entry with a known expiry the Manager arms a single
timer at expiry minus a lead margin (1/5 of the token lifetime by default).
Network failures retry on capped exponential backoff; an invalid refresh
token, or exhausting the retry budget, forces the session out. A logout
racing an in-flight refresh always wins: stale results are discarded by
generation, never resurrected.
*/
package session
