/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package store implements the durable envelope table that is the single
// source of truth of the delivery pipeline.
//
// Every operation is a single committed SQLite transaction. The store itself
// is not goroutine-safe; all access goes through the queue proxy which
// serializes it (see internal/queue).
//
// A store instance is bound to a shard: Claim, the startup recovery sweep
// and RemoveInactive only see envelopes whose id mod shards = shard. Put and
// StatusOf are shard-agnostic since submissions may span shards sharing one
// database file.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/minimailgun/minimailgun/framework/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the referenced envelope (or submission)
	// does not exist.
	ErrNotFound = errors.New("store: no such envelope")

	// ErrBadState is returned when a transition targets an envelope in the
	// wrong pre-state, e.g. marking a terminal envelope as sent. This
	// indicates a bug in the caller, not a recoverable condition.
	ErrBadState = errors.New("store: envelope is not in the required state")
)

const initQuery = `
CREATE TABLE IF NOT EXISTS envelopes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipients TEXT NOT NULL,
	destination_domain TEXT NOT NULL,
	message TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	next_attempt_at INTEGER NOT NULL,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	being_processed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS envelopes_claim ON envelopes (status, being_processed, next_attempt_at);
CREATE INDEX IF NOT EXISTS envelopes_submission ON envelopes (submission_id, client_id);
`

type Store struct {
	db    *sql.DB
	clock Clock

	shard  int
	shards int

	Log log.Logger
}

// Options configures Open. Zero values mean: wall clock, single shard.
type Options struct {
	// Clock used for next_attempt_at and updated_at. Defaults to WallClock.
	Clock Clock

	// Shard assignment: this instance claims envelopes whose
	// id mod Shards == Shard. Shards defaults to 1 (Shard 0).
	Shard  int
	Shards int

	Log log.Logger
}

// Open opens (creating if necessary) the envelope database at path and runs
// the startup recovery sweep: any envelope left with being_processed set by
// a previous run is made claimable again. Callers that share one database
// file across processes should make sure only one of them opens a given
// shard.
func Open(path string, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = WallClock()
	}
	if opts.Shards == 0 {
		opts.Shards = 1
	}
	if opts.Shard < 0 || opts.Shard >= opts.Shards {
		return nil, fmt.Errorf("store: shard %d out of range (shards=%d)", opts.Shard, opts.Shards)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The queue proxy is the only user of this handle.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		clock:  opts.Clock,
		shard:  opts.Shard,
		shards: opts.Shards,
		Log:    opts.Log,
	}

	if _, err := db.Exec(initQuery); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init %s: %w", path, err)
	}

	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// recoverInFlight clears stale in-flight flags left behind by a crash so
// that every QUEUED envelope of this shard is eventually claimable again.
func (s *Store) recoverInFlight() error {
	res, err := s.db.Exec(
		`UPDATE envelopes SET being_processed = 0
		 WHERE status = ? AND being_processed = 1 AND id % ? = ?`,
		StatusQueued, s.shards, s.shard)
	if err != nil {
		return fmt.Errorf("store: recovery sweep: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 0 {
		s.Log.Msg("recovered stale in-flight envelopes", "count", n)
	}
	return nil
}

// Put inserts a new envelope in the QUEUED state, eligible for delivery
// immediately, and returns the assigned id. Status, attempt counter and
// scheduling fields of the argument are ignored.
func (s *Store) Put(env *Envelope) (int64, error) {
	now := s.clock.Now()
	res, err := s.db.Exec(
		`INSERT INTO envelopes
		 (client_id, submission_id, sender, recipients, destination_domain, message,
		  status, next_attempt_at, delivery_attempts, being_processed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		env.ClientID, env.SubmissionID, env.Sender,
		joinRecipients(env.Recipients), env.DestinationDomain, env.Message,
		StatusQueued, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: put: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put: %w", err)
	}
	return id, nil
}

// Claim atomically selects one eligible envelope of this shard (QUEUED, not
// in-flight, next_attempt_at in the past), marks it in-flight and returns
// it. It returns (nil, nil) when no envelope is eligible.
//
// Eligible envelopes are picked in next_attempt_at order but no ordering is
// guaranteed to callers.
func (s *Store) Claim() (*Envelope, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, client_id, submission_id, sender, recipients, destination_domain,
		        message, status, next_attempt_at, delivery_attempts, created_at, updated_at
		 FROM envelopes
		 WHERE status = ? AND being_processed = 0 AND next_attempt_at <= ? AND id % ? = ?
		 ORDER BY next_attempt_at
		 LIMIT 1`,
		StatusQueued, s.clock.Now(), s.shards, s.shard)

	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE envelopes SET being_processed = 1 WHERE id = ?`, env.ID); err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}

	return env, nil
}

// MarkSent transitions QUEUED -> SENT and clears the in-flight flag.
func (s *Store) MarkSent(id int64) error {
	return s.transition(id, StatusSent)
}

// MarkUndeliverable transitions QUEUED -> UNDELIVERABLE and clears the
// in-flight flag.
func (s *Store) MarkUndeliverable(id int64) error {
	return s.transition(id, StatusUndeliverable)
}

func (s *Store) transition(id int64, to Status) error {
	res, err := s.db.Exec(
		`UPDATE envelopes SET status = ?, being_processed = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, s.clock.Now(), id, StatusQueued)
	if err != nil {
		return fmt.Errorf("store: mark %s: %w", to, err)
	}
	return s.checkAffected(res, id, string(to))
}

// ScheduleRetry makes the envelope eligible again retryAfter seconds from
// now, increments the completed-attempt counter and clears the in-flight
// flag. The status is left untouched.
func (s *Store) ScheduleRetry(id int64, retryAfter int64) error {
	now := s.clock.Now()
	res, err := s.db.Exec(
		`UPDATE envelopes
		 SET next_attempt_at = ?, delivery_attempts = delivery_attempts + 1,
		     being_processed = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now+retryAfter, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("store: schedule retry: %w", err)
	}
	return s.checkAffected(res, id, "retry")
}

// checkAffected distinguishes an unknown id from a wrong pre-state when an
// UPDATE ... WHERE status = 'QUEUED' matched nothing.
func (s *Store) checkAffected(res sql.Result, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n != 0 {
		return nil
	}

	var status Status
	err = s.db.QueryRow(`SELECT status FROM envelopes WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w (id=%d, op=%s)", ErrNotFound, id, op)
	}
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return fmt.Errorf("%w (id=%d, status=%s, op=%s)", ErrBadState, id, status, op)
}

// StatusOf returns the (id, status) pairs of all envelopes of the
// submission, scoped to the client. ErrNotFound is returned when no envelope
// matches both ids; in particular, a mismatched client observes ErrNotFound,
// not someone else's data.
func (s *Store) StatusOf(clientID, submissionID string) ([]StatusRow, error) {
	rows, err := s.db.Query(
		`SELECT id, status FROM envelopes WHERE client_id = ? AND submission_id = ? ORDER BY id`,
		clientID, submissionID)
	if err != nil {
		return nil, fmt.Errorf("store: status: %w", err)
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.ID, &r.Status); err != nil {
			return nil, fmt.Errorf("store: status: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: status: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// RemoveInactive deletes this shard's terminal envelopes whose last
// transition happened at least retention seconds ago and returns the number
// of rows removed.
func (s *Store) RemoveInactive(retention int64) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM envelopes
		 WHERE status IN (?, ?) AND updated_at <= ? AND id % ? = ?`,
		StatusSent, StatusUndeliverable, s.clock.Now()-retention, s.shards, s.shard)
	if err != nil {
		return 0, fmt.Errorf("store: remove inactive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: remove inactive: %w", err)
	}
	return int(n), nil
}

// CountQueued returns the number of this shard's envelopes still in the
// QUEUED state (in-flight ones included). Used for the queue depth gauge.
func (s *Store) CountQueued() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM envelopes WHERE status = ? AND id % ? = ?`,
		StatusQueued, s.shards, s.shard).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count queued: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row scanner) (*Envelope, error) {
	var (
		env   Envelope
		rcpts string
	)
	err := row.Scan(&env.ID, &env.ClientID, &env.SubmissionID, &env.Sender, &rcpts,
		&env.DestinationDomain, &env.Message, &env.Status, &env.NextAttemptAt,
		&env.DeliveryAttempts, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return nil, err
	}
	env.Recipients = splitRecipients(rcpts)
	return &env, nil
}
