package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"actionline/internal/domain"
)

// DuplicateReferenceError rejects a second link to the same record and field
// when unique_links is enabled.
type DuplicateReferenceError struct {
	SourceRecordID string
	// InBatch is set when the duplicate sits inside one composition request
	// rather than clashing with an already stored link.
	InBatch bool
}

func (e DuplicateReferenceError) Error() string {
	if e.InBatch {
		return fmt.Sprintf("duplicate reference to record %s in one composition", e.SourceRecordID)
	}
	return fmt.Sprintf("reference to record %s already exists for this action", e.SourceRecordID)
}

// CreateReferences attaches references to an existing action outside of a
// composition. Validation and snapshot capture match the composer path.
func (e Engine) CreateReferences(ctx context.Context, actionID string, inputs []ReferenceInput) ([]domain.Reference, error) {
	if len(inputs) == 0 {
		return nil, errors.New("at least one reference is required")
	}
	if _, err := e.Repo.GetAction(ctx, actionID); err != nil {
		return nil, err
	}
	refs, err := e.prepareReferences(ctx, inputs)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	for i := range refs {
		refs[i].ActionID = actionID
		refs[i].CreatedAt = now
		if err := e.insertReference(ctx, tx, refs[i]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return refs, nil
}

// ToggleReferenceMode switches a reference between static and dynamic reads.
// The snapshot is never rewritten by a toggle; switching a drifted static
// reference to dynamic is how it gets back in sync.
func (e Engine) ToggleReferenceMode(ctx context.Context, id, newMode string) (domain.Reference, error) {
	ref, err := e.Repo.GetReference(ctx, id)
	if err != nil {
		return ref, err
	}
	if newMode == "" {
		// No explicit target: flip.
		if ref.Mode == domain.RefModeStatic {
			newMode = domain.RefModeDynamic
		} else {
			newMode = domain.RefModeStatic
		}
	}
	if newMode != domain.RefModeDynamic && newMode != domain.RefModeStatic {
		return ref, fmt.Errorf("invalid reference mode %q", newMode)
	}
	if err := e.Repo.UpdateReferenceMode(ctx, id, newMode); err != nil {
		return ref, err
	}
	// Return the persisted row, as the composer does.
	return e.Repo.GetReference(ctx, id)
}

// SetReferenceSnapshot overwrites the frozen value directly, bypassing any
// live read. Only meaningful for static references, but stored regardless.
func (e Engine) SetReferenceSnapshot(ctx context.Context, id string, value json.RawMessage) (domain.Reference, error) {
	if !json.Valid(value) {
		return domain.Reference{}, errors.New("snapshot value must be valid JSON")
	}
	if err := e.Repo.UpdateReferenceSnapshot(ctx, id, string(value)); err != nil {
		return domain.Reference{}, err
	}
	return e.Repo.GetReference(ctx, id)
}

// DeleteReference removes the link. The referenced source record is never
// deleted or mutated.
func (e Engine) DeleteReference(ctx context.Context, id string) error {
	return e.Repo.DeleteReference(ctx, id)
}

// ResolveReference computes the effective current value of a reference.
// Dynamic references read the source field live. Static references return
// the frozen snapshot together with a drift flag comparing it against the
// live value. Drift is never persisted; every resolve recomputes it. A
// vanished record or field is a resolution failure, not a stored state.
func (e Engine) ResolveReference(ctx context.Context, id string) (domain.Resolution, error) {
	var out domain.Resolution
	ref, err := e.Repo.GetReference(ctx, id)
	if err != nil {
		return out, err
	}
	rec, err := e.Repo.GetSourceRecord(ctx, ref.SourceRecordID)
	if err != nil {
		return out, fmt.Errorf("resolve reference %s: source record %s: %w", id, ref.SourceRecordID, err)
	}
	live, err := fieldValue(rec, ref.TargetFieldKey)
	if err != nil {
		return out, fmt.Errorf("resolve reference %s: %w", id, err)
	}
	out = domain.Resolution{
		ReferenceID: ref.ID,
		Label:       rec.Label,
		Status:      ref.Mode,
	}
	if ref.Mode == domain.RefModeDynamic {
		out.Value = live
		return out, nil
	}
	if ref.SnapshotJSON == nil {
		return domain.Resolution{}, fmt.Errorf("resolve reference %s: static reference has no snapshot", id)
	}
	out.Value = json.RawMessage(*ref.SnapshotJSON)
	out.Drift = !jsonEqual([]byte(*ref.SnapshotJSON), live)
	return out, nil
}

// liveValue reads the current value of a record field, or the whole field
// set when key is nil. Missing record or field yields nil without error;
// resolve-time callers use fieldValue for the strict variant.
func (e Engine) liveValue(ctx context.Context, recordID string, fieldKey *string) (json.RawMessage, error) {
	rec, err := e.Repo.GetSourceRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	v, err := fieldValue(rec, fieldKey)
	if err != nil {
		return nil, nil
	}
	return v, nil
}

func fieldValue(rec domain.SourceRecord, fieldKey *string) (json.RawMessage, error) {
	if fieldKey == nil {
		if len(rec.FieldsJSON) == 0 {
			return json.RawMessage("null"), nil
		}
		return rec.FieldsJSON, nil
	}
	if len(rec.FieldsJSON) == 0 {
		return nil, fmt.Errorf("record %s has no field %q", rec.ID, *fieldKey)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.FieldsJSON, &fields); err != nil {
		return nil, fmt.Errorf("decode fields of record %s: %w", rec.ID, err)
	}
	v, ok := fields[*fieldKey]
	if !ok {
		return nil, fmt.Errorf("record %s has no field %q", rec.ID, *fieldKey)
	}
	return v, nil
}

// jsonEqual compares two JSON documents structurally, so formatting and key
// order differences do not count as drift.
func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
