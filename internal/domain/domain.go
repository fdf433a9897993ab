package domain

import "encoding/json"

// Action is the declared intent of a work item. It is written once by the
// composer; later change is expressed through events, never by editing the row.
type Action struct {
	ID             string         `json:"id"`
	ContextID      string         `json:"context_id"`
	ContextType    string         `json:"context_type"`
	ParentActionID *string        `json:"parent_action_id,omitempty"`
	Type           string         `json:"type"`
	FieldBindings  []FieldBinding `json:"field_bindings,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// FieldBinding declares a field an action may carry values for.
type FieldBinding struct {
	FieldKey string          `json:"field_key"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Event types emitted by the composer. Callers may append their own types;
// these two are reserved.
const (
	EventActionDeclared     = "ACTION_DECLARED"
	EventFieldValueRecorded = "FIELD_VALUE_RECORDED"
)

// Event is an immutable fact about an action. Rows are never updated or
// deleted; the autoincrement ID breaks ordering ties within a timestamp.
type Event struct {
	ID          int64   `json:"id"`
	ContextID   string  `json:"context_id"`
	ContextType string  `json:"context_type"`
	ActionID    string  `json:"action_id"`
	Type        string  `json:"type"`
	Payload     string  `json:"payload_json,omitempty"`
	ActorID     *string `json:"actor_id,omitempty"`
	OccurredAt  string  `json:"occurred_at" format:"date-time"`
}

// Reference modes.
const (
	RefModeDynamic = "dynamic"
	RefModeStatic  = "static"
)

// Reference links an action to a field of an existing source record.
// TargetFieldKey nil means the whole record. SnapshotJSON holds the frozen
// value read at creation time; it is only meaningful in static mode.
type Reference struct {
	ID             string  `json:"id"`
	ActionID       string  `json:"action_id"`
	SourceRecordID string  `json:"source_record_id"`
	TargetFieldKey *string `json:"target_field_key,omitempty"`
	Mode           string  `json:"mode" enum:"static,dynamic"`
	SnapshotJSON   *string `json:"snapshot_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Resolution is the read-time view of a reference. Drift is recomputed on
// every resolve and never written back.
type Resolution struct {
	ReferenceID string          `json:"reference_id"`
	Value       json.RawMessage `json:"value"`
	Label       string          `json:"label,omitempty"`
	Status      string          `json:"status" enum:"static,dynamic"`
	Drift       bool            `json:"drift"`
}

// SourceRecord is the minimal record substrate references point at. Records
// are owned by a collaborator registry; this subsystem only reads fields live
// and never deletes records.
type SourceRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Label      string          `json:"label,omitempty"`
	FieldsJSON json.RawMessage `json:"fields,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
}

// ActionView is a display-oriented projection of an action's events, built by
// an interpreter. The engine treats it as opaque and optional.
type ActionView struct {
	ActionID    string                     `json:"action_id"`
	ContextID   string                     `json:"context_id"`
	ContextType string                     `json:"context_type"`
	Type        string                     `json:"type"`
	Fields      map[string]json.RawMessage `json:"fields,omitempty"`
	EventCount  int                        `json:"event_count"`
	DeclaredAt  string                     `json:"declared_at,omitempty" format:"date-time"`
	LastEventAt string                     `json:"last_event_at,omitempty" format:"date-time"`
}

// APIKey is a hashed credential tied to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
