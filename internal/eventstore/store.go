package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"actionline/internal/domain"
)

// ErrConflict is returned when another append landed between the caller's
// tail read and this write. The caller must re-read projected state and
// retry; the store never retries on its own.
var ErrConflict = errors.New("concurrent append conflict")

// Store is the append-only event log, the single source of truth for action
// state. Events are assigned contiguous sequence numbers per action and are
// never edited or deleted.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Range is the sequence span assigned to one appended batch.
type Range struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append writes one atomic batch at the expected tail. baseSeq is the tail
// the caller observed (0 for a new action).
func (s Store) Append(ctx context.Context, actionID, contextID string, contextType domain.ContextType, baseSeq int64, payloads []domain.EventPayload) (Range, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Range{}, err
	}
	defer tx.Rollback()
	rng, err := s.AppendTx(ctx, tx, actionID, contextID, contextType, baseSeq, payloads)
	if err != nil {
		return Range{}, err
	}
	if err := tx.Commit(); err != nil {
		return Range{}, commitErr(err)
	}
	return rng, nil
}

// AppendTx appends within a caller-owned transaction so related index writes
// can join the same commit.
func (s Store) AppendTx(ctx context.Context, tx *sql.Tx, actionID, contextID string, contextType domain.ContextType, baseSeq int64, payloads []domain.EventPayload) (Range, error) {
	if actionID == "" {
		return Range{}, errors.New("action id required")
	}
	if len(payloads) == 0 {
		return Range{}, errors.New("no events to append")
	}
	if baseSeq < 0 {
		return Range{}, fmt.Errorf("invalid base sequence %d", baseSeq)
	}
	tail, err := tailTx(ctx, tx, actionID)
	if err != nil {
		return Range{}, err
	}
	if tail != baseSeq {
		return Range{}, fmt.Errorf("%w: tail moved from %d to %d", ErrConflict, baseSeq, tail)
	}
	ts := s.now().UTC().Format(time.RFC3339)
	for i, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return Range{}, fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events(action_id,seq,type,context_id,context_type,occurred_at,payload_json) VALUES (?,?,?,?,?,?,?)`,
			actionID, baseSeq+int64(i)+1, string(p.EventType()), contextID, string(contextType), ts, string(data))
		if err != nil {
			return Range{}, commitErr(err)
		}
	}
	return Range{First: baseSeq + 1, Last: baseSeq + int64(len(payloads))}, nil
}

// Tail returns the highest sequence number for an action, 0 if none.
func (s Store) Tail(ctx context.Context, actionID string) (int64, error) {
	var tail int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE action_id=?`, actionID).Scan(&tail)
	return tail, err
}

func tailTx(ctx context.Context, tx *sql.Tx, actionID string) (int64, error) {
	var tail int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE action_id=?`, actionID).Scan(&tail)
	return tail, err
}

// Replay returns the full history of an action in sequence order. No event
// is omitted or reordered.
func (s Store) Replay(ctx context.Context, actionID string) ([]domain.Event, error) {
	return s.ReplaySince(ctx, actionID, 0)
}

// ReplaySince returns events with sequence greater than afterSeq, for
// incremental cache refresh.
func (s Store) ReplaySince(ctx context.Context, actionID string, afterSeq int64) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT action_id,seq,type,context_id,context_type,occurred_at,payload_json FROM events WHERE action_id=? AND seq>? ORDER BY seq`, actionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var (
			e           domain.Event
			evtType     string
			contextType string
			payloadJSON string
		)
		if err := rows.Scan(&e.ActionID, &e.Sequence, &evtType, &e.ContextID, &contextType, &e.OccurredAt, &payloadJSON); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(evtType)
		e.ContextType = domain.ContextType(contextType)
		payload, err := domain.DecodePayload(e.Type, []byte(payloadJSON))
		if err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// commitErr maps a primary-key collision on (action_id, seq) to ErrConflict:
// two writers that read the same tail race to the same sequence numbers and
// the unique index decides the loser.
func commitErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
