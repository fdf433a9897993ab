package server

import (
	"encoding/json"

	"actionline/internal/domain"
	"actionline/internal/engine"
)

// Request payloads

type ComposeActionRequest struct {
	ContextType    string                `json:"context_type"`
	ParentActionID *string               `json:"parent_action_id,omitempty"`
	Type           string                `json:"type"`
	FieldBindings  []FieldBindingRequest `json:"field_bindings,omitempty"`
}

type FieldBindingRequest struct {
	FieldKey string          `json:"field_key"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type FieldValueRequest struct {
	FieldName string          `json:"field_name"`
	Value     json.RawMessage `json:"value,omitempty"`
}

type ExtraEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ReferenceRequest struct {
	SourceRecordID string  `json:"source_record_id"`
	TargetFieldKey *string `json:"target_field_key,omitempty"`
	Mode           string  `json:"mode,omitempty" enum:"static,dynamic"`
}

type ComposeRequest struct {
	Action      ComposeActionRequest `json:"action"`
	FieldValues []FieldValueRequest  `json:"field_values,omitempty"`
	ExtraEvents []ExtraEventRequest  `json:"extra_events,omitempty"`
	References  []ReferenceRequest   `json:"references,omitempty"`
}

type ToggleModeRequest struct {
	Mode string `json:"mode,omitempty" enum:"static,dynamic"`
}

type SetSnapshotRequest struct {
	Value json.RawMessage `json:"value"`
}

type PutRecordRequest struct {
	Kind   string          `json:"kind"`
	Label  string          `json:"label,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ActionResponse struct {
	ID             string                `json:"id"`
	ContextID      string                `json:"context_id"`
	ContextType    string                `json:"context_type"`
	ParentActionID *string               `json:"parent_action_id,omitempty"`
	Type           string                `json:"type"`
	FieldBindings  []FieldBindingRequest `json:"field_bindings,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	ContextID   string          `json:"context_id"`
	ContextType string          `json:"context_type"`
	ActionID    string          `json:"action_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     *string         `json:"actor_id,omitempty"`
	OccurredAt  string          `json:"occurred_at" format:"date-time"`
}

type ReferenceResponse struct {
	ID             string          `json:"id"`
	ActionID       string          `json:"action_id"`
	SourceRecordID string          `json:"source_record_id"`
	TargetFieldKey *string         `json:"target_field_key,omitempty"`
	Mode           string          `json:"mode" enum:"static,dynamic"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

type ResolutionResponse struct {
	ReferenceID string          `json:"reference_id"`
	Value       json.RawMessage `json:"value"`
	Label       string          `json:"label,omitempty"`
	Status      string          `json:"status" enum:"static,dynamic"`
	Drift       bool            `json:"drift"`
}

type ComposeResponse struct {
	Action     ActionResponse      `json:"action"`
	Events     []EventResponse     `json:"events"`
	References []ReferenceResponse `json:"references,omitempty"`
	View       *domain.ActionView  `json:"view,omitempty"`
}

type ActionDetailResponse struct {
	Action     ActionResponse      `json:"action"`
	Events     []EventResponse     `json:"events"`
	References []ReferenceResponse `json:"references,omitempty"`
}

type RecordResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PaginatedEventsResponse struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func bindingsFromRequest(in []FieldBindingRequest) []domain.FieldBinding {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.FieldBinding, len(in))
	for i, b := range in {
		out[i] = domain.FieldBinding{FieldKey: b.FieldKey, Value: b.Value}
	}
	return out
}

func bindingsResponse(in []domain.FieldBinding) []FieldBindingRequest {
	if len(in) == 0 {
		return nil
	}
	out := make([]FieldBindingRequest, len(in))
	for i, b := range in {
		out[i] = FieldBindingRequest{FieldKey: b.FieldKey, Value: b.Value}
	}
	return out
}

func composeInputFromRequest(contextID string, req ComposeRequest) engine.ComposeInput {
	input := engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:      contextID,
			ContextType:    req.Action.ContextType,
			ParentActionID: req.Action.ParentActionID,
			Type:           req.Action.Type,
			FieldBindings:  bindingsFromRequest(req.Action.FieldBindings),
		},
	}
	for _, fv := range req.FieldValues {
		input.FieldValues = append(input.FieldValues, engine.FieldValueInput{FieldName: fv.FieldName, Value: fv.Value})
	}
	for _, ex := range req.ExtraEvents {
		input.ExtraEvents = append(input.ExtraEvents, engine.ExtraEventInput{Type: ex.Type, Payload: ex.Payload})
	}
	for _, ref := range req.References {
		input.References = append(input.References, engine.ReferenceInput{
			SourceRecordID: ref.SourceRecordID,
			TargetFieldKey: ref.TargetFieldKey,
			Mode:           ref.Mode,
		})
	}
	return input
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:             a.ID,
		ContextID:      a.ContextID,
		ContextType:    a.ContextType,
		ParentActionID: a.ParentActionID,
		Type:           a.Type,
		FieldBindings:  bindingsResponse(a.FieldBindings),
		CreatedAt:      a.CreatedAt,
	}
}

func mapActions(in []domain.Action) []ActionResponse {
	out := make([]ActionResponse, len(in))
	for i, a := range in {
		out[i] = actionResponse(a)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:          e.ID,
		ContextID:   e.ContextID,
		ContextType: e.ContextType,
		ActionID:    e.ActionID,
		Type:        e.Type,
		ActorID:     e.ActorID,
		OccurredAt:  e.OccurredAt,
	}
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, len(in))
	for i, e := range in {
		out[i] = eventResponse(e)
	}
	return out
}

func referenceResponse(r domain.Reference) ReferenceResponse {
	resp := ReferenceResponse{
		ID:             r.ID,
		ActionID:       r.ActionID,
		SourceRecordID: r.SourceRecordID,
		TargetFieldKey: r.TargetFieldKey,
		Mode:           r.Mode,
		CreatedAt:      r.CreatedAt,
	}
	if r.SnapshotJSON != nil {
		resp.Snapshot = json.RawMessage(*r.SnapshotJSON)
	}
	return resp
}

func mapReferences(in []domain.Reference) []ReferenceResponse {
	if len(in) == 0 {
		return nil
	}
	out := make([]ReferenceResponse, len(in))
	for i, r := range in {
		out[i] = referenceResponse(r)
	}
	return out
}

func resolutionResponse(r domain.Resolution) ResolutionResponse {
	return ResolutionResponse{
		ReferenceID: r.ReferenceID,
		Value:       r.Value,
		Label:       r.Label,
		Status:      r.Status,
		Drift:       r.Drift,
	}
}

func recordResponse(r domain.SourceRecord) RecordResponse {
	return RecordResponse{
		ID:        r.ID,
		Kind:      r.Kind,
		Label:     r.Label,
		Fields:    r.FieldsJSON,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func mapRecords(in []domain.SourceRecord) []RecordResponse {
	out := make([]RecordResponse, len(in))
	for i, r := range in {
		out[i] = recordResponse(r)
	}
	return out
}
