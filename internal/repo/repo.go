package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"actionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- actions ---

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	bindings, err := marshalBindings(a.FieldBindings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO actions(id,context_id,context_type,parent_action_id,type,field_bindings_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ContextID, a.ContextType, nullableStringPtr(a.ParentActionID), a.Type, bindings, a.CreatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT id,context_id,context_type,parent_action_id,type,field_bindings_json,created_at FROM actions WHERE id=?`, id))
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	return scanAction(tx.QueryRowContext(ctx, `SELECT id,context_id,context_type,parent_action_id,type,field_bindings_json,created_at FROM actions WHERE id=?`, id))
}

func scanAction(row *sql.Row) (domain.Action, error) {
	var a domain.Action
	var parent, bindings sql.NullString
	err := row.Scan(&a.ID, &a.ContextID, &a.ContextType, &parent, &a.Type, &bindings, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if parent.Valid {
		a.ParentActionID = &parent.String
	}
	if bindings.Valid && bindings.String != "" {
		if err := json.Unmarshal([]byte(bindings.String), &a.FieldBindings); err != nil {
			return a, fmt.Errorf("decode field bindings for action %s: %w", a.ID, err)
		}
	}
	return a, nil
}

type ActionFilters struct {
	ContextID       string
	ContextType     string
	Type            string
	ParentActionID  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var clauses []string
	var args []any
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.ContextType != "" {
		clauses = append(clauses, "context_type=?")
		args = append(args, f.ContextType)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ParentActionID != "" {
		clauses = append(clauses, "parent_action_id=?")
		args = append(args, f.ParentActionID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,context_id,context_type,parent_action_id,type,field_bindings_json,created_at FROM actions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var parent, bindings sql.NullString
		if err := rows.Scan(&a.ID, &a.ContextID, &a.ContextType, &parent, &a.Type, &bindings, &a.CreatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			a.ParentActionID = &parent.String
		}
		if bindings.Valid && bindings.String != "" {
			if err := json.Unmarshal([]byte(bindings.String), &a.FieldBindings); err != nil {
				return nil, fmt.Errorf("decode field bindings for action %s: %w", a.ID, err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

const eventColumns = `id,context_id,context_type,action_id,type,payload_json,actor_id,occurred_at`

// ListActionEvents returns the full history of an action ordered by
// occurrence time, insertion id breaking ties.
func (r Repo) ListActionEvents(ctx context.Context, actionID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE action_id=? ORDER BY occurred_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r Repo) ListActionEventsTx(ctx context.Context, tx *sql.Tx, actionID string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE action_id=? ORDER BY occurred_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, contextID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if contextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, contextID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events `+where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestEvents returns recent events newest first, with optional filters.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, contextID, evtType, actionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if contextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, contextID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if actionID != "" {
		clauses = append(clauses, "action_id=?")
		args = append(args, actionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID, optionally scoped to a context.
func (r Repo) LatestEventID(ctx context.Context, contextID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if contextID != "" {
		query += ` WHERE context_id=?`
		args = append(args, contextID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ContextID, &e.ContextType, &e.ActionID, &e.Type, &payload, &actor, &e.OccurredAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		if actor.Valid {
			e.ActorID = &actor.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- references ---

const refColumns = `id,action_id,source_record_id,target_field_key,mode,snapshot_json,created_at`

func (r Repo) InsertReference(ctx context.Context, tx *sql.Tx, ref domain.Reference) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_references(id,action_id,source_record_id,target_field_key,mode,snapshot_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		ref.ID, ref.ActionID, ref.SourceRecordID, nullableStringPtr(ref.TargetFieldKey), ref.Mode, nullableStringPtr(ref.SnapshotJSON), ref.CreatedAt)
	return err
}

func (r Repo) GetReference(ctx context.Context, id string) (domain.Reference, error) {
	return scanReference(r.DB.QueryRowContext(ctx, `SELECT `+refColumns+` FROM action_references WHERE id=?`, id))
}

func scanReference(row *sql.Row) (domain.Reference, error) {
	var ref domain.Reference
	var field, snapshot sql.NullString
	err := row.Scan(&ref.ID, &ref.ActionID, &ref.SourceRecordID, &field, &ref.Mode, &snapshot, &ref.CreatedAt)
	if err == sql.ErrNoRows {
		return ref, ErrNotFound
	}
	if err != nil {
		return ref, err
	}
	if field.Valid {
		ref.TargetFieldKey = &field.String
	}
	if snapshot.Valid {
		ref.SnapshotJSON = &snapshot.String
	}
	return ref, nil
}

func (r Repo) ListActionReferences(ctx context.Context, actionID string) ([]domain.Reference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+refColumns+` FROM action_references WHERE action_id=? ORDER BY created_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	return collectReferences(rows)
}

func (r Repo) ListActionReferencesTx(ctx context.Context, tx *sql.Tx, actionID string) ([]domain.Reference, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+refColumns+` FROM action_references WHERE action_id=? ORDER BY created_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	return collectReferences(rows)
}

// ListSourceLinks returns references pointing at a source record: the
// record's "referenced by" perspective.
func (r Repo) ListSourceLinks(ctx context.Context, sourceRecordID string) ([]domain.Reference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+refColumns+` FROM action_references WHERE source_record_id=? ORDER BY created_at ASC, id ASC`, sourceRecordID)
	if err != nil {
		return nil, err
	}
	return collectReferences(rows)
}

func collectReferences(rows *sql.Rows) ([]domain.Reference, error) {
	defer rows.Close()
	var res []domain.Reference
	for rows.Next() {
		var ref domain.Reference
		var field, snapshot sql.NullString
		if err := rows.Scan(&ref.ID, &ref.ActionID, &ref.SourceRecordID, &field, &ref.Mode, &snapshot, &ref.CreatedAt); err != nil {
			return nil, err
		}
		if field.Valid {
			ref.TargetFieldKey = &field.String
		}
		if snapshot.Valid {
			ref.SnapshotJSON = &snapshot.String
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}

// CountLinks counts references with the same (action, source record, field)
// triple. Used to enforce the optional unique-links invariant.
func (r Repo) CountLinks(ctx context.Context, tx *sql.Tx, actionID, sourceRecordID string, targetFieldKey *string) (int, error) {
	query := `SELECT count(*) FROM action_references WHERE action_id=? AND source_record_id=?`
	args := []any{actionID, sourceRecordID}
	if targetFieldKey == nil {
		query += ` AND target_field_key IS NULL`
	} else {
		query += ` AND target_field_key=?`
		args = append(args, *targetFieldKey)
	}
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, args...)
	} else {
		row = r.DB.QueryRowContext(ctx, query, args...)
	}
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) UpdateReferenceMode(ctx context.Context, id, mode string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE action_references SET mode=? WHERE id=?`, mode, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateReferenceSnapshot(ctx context.Context, id, snapshotJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE action_references SET snapshot_json=? WHERE id=?`, snapshotJSON, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReference removes the link only; the source record is never touched.
func (r Repo) DeleteReference(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM action_references WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- source records ---

func (r Repo) UpsertSourceRecord(ctx context.Context, rec domain.SourceRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO source_records(id,kind,label,fields_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, label=excluded.label, fields_json=excluded.fields_json, updated_at=excluded.updated_at`,
		rec.ID, rec.Kind, nullable(rec.Label), nullableRaw(rec.FieldsJSON), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetSourceRecord(ctx context.Context, id string) (domain.SourceRecord, error) {
	var rec domain.SourceRecord
	var label, fields sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,label,fields_json,created_at,updated_at FROM source_records WHERE id=?`, id).
		Scan(&rec.ID, &rec.Kind, &label, &fields, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if label.Valid {
		rec.Label = label.String
	}
	if fields.Valid {
		rec.FieldsJSON = json.RawMessage(fields.String)
	}
	return rec, nil
}

func (r Repo) ListSourceRecords(ctx context.Context, kind string, limit int) ([]domain.SourceRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	query := `SELECT id,kind,label,fields_json,created_at,updated_at FROM source_records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SourceRecord
	for rows.Next() {
		var rec domain.SourceRecord
		var label, fields sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &label, &fields, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if label.Valid {
			rec.Label = label.String
		}
		if fields.Valid {
			rec.FieldsJSON = json.RawMessage(fields.String)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalBindings(bindings []domain.FieldBinding) (any, error) {
	if len(bindings) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(bindings)
	if err != nil {
		return nil, fmt.Errorf("marshal field bindings: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
