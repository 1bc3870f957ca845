// Package sqlite persists session state in a local SQLite database shared
// by every process of the application. Besides the single persisted
// {token, user} record it keeps a change journal that the Notifier tails
// to deliver cross-context session notifications.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessionkit/sessionkit/pkg/cryptox"
	"github.com/sessionkit/sessionkit/pkg/session"

	_ "modernc.org/sqlite"
)

// stateRowID pins the persisted session to a single row.
const stateRowID = 1

// Store implements session.Store on a local SQLite file.
type Store struct {
	db     *sql.DB
	cipher *cryptox.Cipher
	log    *slog.Logger
}

// Option customizes Store construction.
type Option func(*Store)

// WithCipher enables at-rest encryption of the persisted payload.
func WithCipher(c *cryptox.Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore opens (or creates) the session database at dsn.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	// Multiple processes share this file; wait briefly on contention
	// instead of failing with SQLITE_BUSY.
	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &Store{
		db:  db,
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load reads the persisted session record, or session.ErrNoPersistedSession
// when none was saved.
func (s *Store) Load(ctx context.Context) (*session.PersistedSession, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_state WHERE id = ?`, stateRowID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNoPersistedSession
		}
		return nil, fmt.Errorf("load session state: %w", err)
	}

	if s.cipher != nil {
		payload, err = s.cipher.Open(payload)
		if err != nil {
			// An undecryptable record is as good as no record; the
			// caller will just start anonymous.
			s.log.Warn("persisted session payload not decryptable, ignoring", "error", err)
			return nil, session.ErrNoPersistedSession
		}
	}

	var rec session.PersistedSession
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.log.Warn("persisted session payload malformed, ignoring", "error", err)
		return nil, session.ErrNoPersistedSession
	}
	return &rec, nil
}

// Save upserts the persisted session record.
func (s *Store) Save(ctx context.Context, rec *session.PersistedSession) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if s.cipher != nil {
		payload, err = s.cipher.Seal(payload)
		if err != nil {
			return fmt.Errorf("seal session state: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload    = excluded.payload,
			updated_at = excluded.updated_at`,
		stateRowID, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	s.log.Debug("session state saved", "token", cryptox.Fingerprint(rec.Token.AccessValue))
	return nil
}

// Clear removes the persisted session record.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE id = ?`, stateRowID,
	)
	if err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}

// journalRow is one cross-context change notification in the journal.
type journalRow struct {
	Seq     int64
	Origin  string
	Event   string
	Payload []byte
}

// appendEvent writes a change notification for other contexts to pick up.
func (s *Store) appendEvent(ctx context.Context, origin, event string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (origin, event, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		origin, event, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// eventsAfter returns journal rows with seq greater than cursor, oldest
// first.
func (s *Store) eventsAfter(ctx context.Context, cursor int64) ([]journalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, origin, event, payload
		FROM session_events
		WHERE seq > ?
		ORDER BY seq ASC`,
		cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("read session events: %w", err)
	}
	defer rows.Close()

	var out []journalRow
	for rows.Next() {
		var r journalRow
		if err := rows.Scan(&r.Seq, &r.Origin, &r.Event, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return out, nil
}

// latestSeq returns the newest journal sequence number, 0 when empty.
func (s *Store) latestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM session_events`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read journal head: %w", err)
	}
	return seq.Int64, nil
}
