package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Writer appends events inside a caller-owned transaction. Events are
// insert-only; there is no update or delete path. The caller supplies
// occurred_at so every event of one composition carries the composer's
// transaction time.
type Writer struct{}

// Append inserts a single draft for an action.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, contextID, contextType, actionID string, actorID *string, occurredAt string, d Draft) error {
	data, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(context_id,context_type,action_id,type,payload_json,actor_id,occurred_at) VALUES (?,?,?,?,?,?,?)`,
		contextID, contextType, actionID, d.Type, string(data), nullableStringPtr(actorID), occurredAt)
	return err
}

// AppendAll inserts drafts preserving their order. All drafts share the same
// occurred_at; readers break ties on the autoincrement id.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, contextID, contextType, actionID string, actorID *string, occurredAt string, drafts []Draft) error {
	for _, d := range drafts {
		if err := w.Append(ctx, tx, contextID, contextType, actionID, actorID, occurredAt, d); err != nil {
			return fmt.Errorf("append %s event: %w", d.Type, err)
		}
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
