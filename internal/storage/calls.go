package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petervdpas/goopcall/internal/calls"
)

const callColumns = `id, caller_id, receiver_id, call_type, status, created_at, answered_at, ended_at, updated_at`

// CallStore is the SQL-backed calls.Store. Every successful write is
// published on the feed so both participants observe it.
type CallStore struct {
	db   *DB
	feed calls.Feed
	now  func() time.Time
}

var _ calls.Store = (*CallStore)(nil)

func NewCallStore(db *DB, feed calls.Feed) *CallStore {
	if feed == nil {
		feed = calls.NewMemFeed()
	}
	return &CallStore{db: db, feed: feed, now: time.Now}
}

// Feed returns the change feed writes are published on.
func (s *CallStore) Feed() calls.Feed {
	return s.feed
}

func (s *CallStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *CallStore) Create(ctx context.Context, nc calls.NewCall) (calls.CallRecord, error) {
	nc.CallerID = strings.TrimSpace(nc.CallerID)
	nc.ReceiverID = strings.TrimSpace(nc.ReceiverID)
	if nc.CallerID == "" || nc.ReceiverID == "" {
		return calls.CallRecord{}, errors.New("storage: caller and receiver are required")
	}
	if nc.CallerID == nc.ReceiverID {
		return calls.CallRecord{}, errors.New("storage: caller and receiver must differ")
	}
	if !nc.Type.Valid() {
		return calls.CallRecord{}, fmt.Errorf("storage: invalid call type %q", nc.Type)
	}
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}

	now := s.stamp()
	rec := calls.CallRecord{
		ID:         nc.ID,
		CallerID:   nc.CallerID,
		ReceiverID: nc.ReceiverID,
		Type:       nc.Type,
		Status:     calls.StatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM calls
			WHERE caller_id = ? AND receiver_id = ? AND status IN ('ringing', 'accepted')
			LIMIT 1
		`, rec.CallerID, rec.ReceiverID).Scan(&existing)
		switch {
		case err == nil:
			return &calls.ConflictError{CallerID: rec.CallerID, ReceiverID: rec.ReceiverID, ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check outstanding: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO calls (`+callColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)
		`, rec.ID, rec.CallerID, rec.ReceiverID, string(rec.Type), string(rec.Status),
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return &calls.ConflictError{CallerID: rec.CallerID, ReceiverID: rec.ReceiverID}
			}
			return fmt.Errorf("insert call: %w", err)
		}
		return nil
	})
	if err != nil {
		return calls.CallRecord{}, storeErr("create", err)
	}

	log.Debugf("created %s %s -> %s (%s)", rec.ID, rec.CallerID, rec.ReceiverID, rec.Type)
	s.publish(ctx, rec)
	return rec, nil
}

func (s *CallStore) Transition(ctx context.Context, id string, to calls.Status) (calls.CallRecord, error) {
	if !to.Valid() {
		return calls.CallRecord{}, fmt.Errorf("storage: invalid status %q", to)
	}

	var next calls.CallRecord
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return &calls.NotFoundError{ID: id}
		}
		if err != nil {
			return fmt.Errorf("load call: %w", err)
		}
		if !calls.CanTransition(cur.Status, to) {
			return &calls.InvalidTransitionError{ID: id, From: cur.Status, To: to}
		}

		next = cur.Apply(to, s.stamp())
		res, err := tx.ExecContext(ctx, `
			UPDATE calls SET status = ?, answered_at = ?, ended_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(next.Status), nullMillis(next.AnsweredAt), nullMillis(next.EndedAt), next.UpdatedAt.UnixMilli(),
			id, string(cur.Status))
		if err != nil {
			return fmt.Errorf("update call: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Another writer moved the record between our read and write.
			return &calls.InvalidTransitionError{ID: id, From: cur.Status, To: to}
		}
		return nil
	})
	if err != nil {
		return calls.CallRecord{}, storeErr("transition", err)
	}

	log.Debugf("call %s -> %s", id, to)
	s.publish(ctx, next)
	return next, nil
}

// Mirror applies a record the other participant wrote to its own store.
// Timestamps are taken from rec so both copies agree on them.
func (s *CallStore) Mirror(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	if rec.ID == "" || rec.CallerID == "" || rec.ReceiverID == "" || rec.CallerID == rec.ReceiverID {
		return calls.CallRecord{}, errors.New("storage: mirrored record needs an id and two participants")
	}
	if !rec.Type.Valid() || !rec.Status.Valid() {
		return calls.CallRecord{}, fmt.Errorf("storage: mirrored record has type %q, status %q", rec.Type, rec.Status)
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.stamp()
	}

	var (
		out     calls.CallRecord
		written bool
	)
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, rec.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if rec.Status.Outstanding() {
				var existing string
				err := tx.QueryRowContext(ctx, `
					SELECT id FROM calls
					WHERE caller_id = ? AND receiver_id = ? AND status IN ('ringing', 'accepted')
					LIMIT 1
				`, rec.CallerID, rec.ReceiverID).Scan(&existing)
				switch {
				case err == nil:
					return &calls.ConflictError{CallerID: rec.CallerID, ReceiverID: rec.ReceiverID, ExistingID: existing}
				case !errors.Is(err, sql.ErrNoRows):
					return fmt.Errorf("check outstanding: %w", err)
				}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO calls (`+callColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.ID, rec.CallerID, rec.ReceiverID, string(rec.Type), string(rec.Status),
				rec.CreatedAt.UnixMilli(), nullMillis(rec.AnsweredAt), nullMillis(rec.EndedAt), rec.UpdatedAt.UnixMilli())
			if err != nil {
				if isUniqueViolation(err) {
					return &calls.ConflictError{CallerID: rec.CallerID, ReceiverID: rec.ReceiverID}
				}
				return fmt.Errorf("insert call: %w", err)
			}
			out, written = rec, true
			return nil
		case err != nil:
			return fmt.Errorf("load call: %w", err)
		}

		if cur.Status == rec.Status || !calls.CanFollow(cur.Status, rec.Status) {
			out = cur
			return nil
		}
		next := cur
		next.Status = rec.Status
		next.UpdatedAt = rec.UpdatedAt
		if rec.AnsweredAt != nil {
			next.AnsweredAt = rec.AnsweredAt
		}
		if rec.EndedAt != nil {
			next.EndedAt = rec.EndedAt
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE calls SET status = ?, answered_at = ?, ended_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(next.Status), nullMillis(next.AnsweredAt), nullMillis(next.EndedAt), next.UpdatedAt.UnixMilli(),
			cur.ID, string(cur.Status))
		if err != nil {
			return fmt.Errorf("update call: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &calls.InvalidTransitionError{ID: cur.ID, From: cur.Status, To: rec.Status}
		}
		out, written = next, true
		return nil
	})
	if err != nil {
		return calls.CallRecord{}, storeErr("mirror", err)
	}

	if written {
		log.Debugf("mirrored %s (%s)", out.ID, out.Status)
		s.publish(ctx, out)
	}
	return out, nil
}

func (s *CallStore) Get(ctx context.Context, id string) (calls.CallRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.CallRecord{}, &calls.NotFoundError{ID: id}
	}
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("storage: get %s: %w", id, err)
	}
	return rec, nil
}

func (s *CallStore) ListHistory(ctx context.Context, userID string, limit int) ([]calls.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: history: %w", err)
	}
	return collect(rows)
}

func (s *CallStore) ListOutstanding(ctx context.Context, userID string) ([]calls.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE (caller_id = ? OR receiver_id = ?) AND status IN ('ringing', 'accepted')
		ORDER BY created_at ASC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: outstanding: %w", err)
	}
	return collect(rows)
}

func (s *CallStore) SubscribeIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, func(), error) {
	return s.subscribe(ctx, userID, func(r calls.CallRecord) bool { return r.ReceiverID == userID })
}

func (s *CallStore) SubscribeOutgoing(ctx context.Context, userID string) (<-chan calls.CallRecord, func(), error) {
	return s.subscribe(ctx, userID, func(r calls.CallRecord) bool { return r.CallerID == userID })
}

func (s *CallStore) subscribe(ctx context.Context, userID string, keep func(calls.CallRecord) bool) (<-chan calls.CallRecord, func(), error) {
	ch, stop, err := s.feed.Subscribe(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: subscribe %s: %w", userID, err)
	}
	out, cancel := calls.Filter(ch, stop, keep)
	return out, cancel, nil
}

func (s *CallStore) publish(ctx context.Context, rec calls.CallRecord) {
	if err := s.feed.Publish(ctx, rec); err != nil {
		log.Warnf("publish %s (%s): %v", rec.ID, rec.Status, err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (calls.CallRecord, error) {
	var (
		rec               calls.CallRecord
		callType, status  string
		created, updated  int64
		answered, endedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &callType, &status,
		&created, &answered, &endedAt, &updated); err != nil {
		return calls.CallRecord{}, err
	}
	rec.Type = calls.CallType(callType)
	rec.Status = calls.Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	rec.AnsweredAt = fromNullMillis(answered)
	rec.EndedAt = fromNullMillis(endedAt)
	return rec, nil
}

func collect(rows *sql.Rows) ([]calls.CallRecord, error) {
	defer rows.Close()
	var out []calls.CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storeErr keeps taxonomy errors unwrapped so callers can errors.As them.
func storeErr(op string, err error) error {
	switch {
	case calls.IsConflict(err), calls.IsInvalidTransition(err), calls.IsNotFound(err):
		return err
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
