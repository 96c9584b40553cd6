package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actionline/internal/domain"
	"actionline/internal/resolver"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// UpsertRecord writes the full field map for a record.
func (r Repo) UpsertRecord(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if rec.ID == "" {
		return rec, errors.New("record id required")
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return rec, fmt.Errorf("marshal record fields: %w", err)
	}
	rec.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO records(id,fields_json,updated_at) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET fields_json=excluded.fields_json, updated_at=excluded.updated_at`,
		rec.ID, string(data), rec.UpdatedAt)
	return rec, err
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	var (
		rec        domain.Record
		fieldsJSON string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,fields_json,updated_at FROM records WHERE id=?`, id).
		Scan(&rec.ID, &fieldsJSON, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return rec, fmt.Errorf("decode record fields: %w", err)
	}
	return rec, nil
}

// SetRecordField updates a single field in place.
func (r Repo) SetRecordField(ctx context.Context, id, key string, value any) (domain.Record, error) {
	rec, err := r.GetRecord(ctx, id)
	if err != nil {
		return rec, err
	}
	rec.Fields[key] = value
	return r.UpsertRecord(ctx, rec)
}

func (r Repo) DeleteRecord(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM records WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRecords(ctx context.Context) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,fields_json,updated_at FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var (
			rec        domain.Record
			fieldsJSON string
		)
		if err := rows.Scan(&rec.ID, &fieldsJSON, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record fields: %w", err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Record implements resolver.RecordSource over the records table.
func (r Repo) Record(ctx context.Context, id string) (map[string]any, error) {
	rec, err := r.GetRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, resolver.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Fields, nil
}

// IndexReferenceTx records which action owns a reference id, in the same
// transaction as the reference event.
func (r Repo) IndexReferenceTx(ctx context.Context, tx *sql.Tx, referenceID, actionID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO action_refs(reference_id,action_id) VALUES (?,?)`,
		referenceID, actionID)
	return err
}

// ActionForReference routes a reference id to its owning action.
func (r Repo) ActionForReference(ctx context.Context, referenceID string) (string, error) {
	var actionID string
	err := r.DB.QueryRowContext(ctx, `SELECT action_id FROM action_refs WHERE reference_id=?`, referenceID).Scan(&actionID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return actionID, err
}

// FeedEvent is one event in the global feed, addressed by table rowid so the
// webhook dispatcher can keep a cursor across actions.
type FeedEvent struct {
	RowID int64        `json:"row_id"`
	Event domain.Event `json:"event"`
}

// ListEventsAfter pages the global event feed past a rowid cursor.
func (r Repo) ListEventsAfter(ctx context.Context, after int64, limit int) ([]FeedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT rowid,action_id,seq,type,context_id,context_type,occurred_at,payload_json FROM events WHERE rowid>? ORDER BY rowid LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []FeedEvent
	for rows.Next() {
		var (
			fe          FeedEvent
			evtType     string
			contextType string
			payloadJSON string
		)
		if err := rows.Scan(&fe.RowID, &fe.Event.ActionID, &fe.Event.Sequence, &evtType, &fe.Event.ContextID, &contextType, &fe.Event.OccurredAt, &payloadJSON); err != nil {
			return nil, err
		}
		fe.Event.Type = domain.EventType(evtType)
		fe.Event.ContextType = domain.ContextType(contextType)
		payload, err := domain.DecodePayload(fe.Event.Type, []byte(payloadJSON))
		if err != nil {
			return nil, err
		}
		fe.Event.Payload = payload
		res = append(res, fe)
	}
	return res, rows.Err()
}
