package events

import (
	"encoding/json"
	"fmt"

	"actionline/internal/domain"
)

// DeclaredPayload is the payload of an ACTION_DECLARED event.
type DeclaredPayload struct {
	ActionType    string                `json:"action_type"`
	FieldBindings []domain.FieldBinding `json:"field_bindings,omitempty"`
}

// FieldValuePayload is the payload of a FIELD_VALUE_RECORDED event.
type FieldValuePayload struct {
	FieldName string          `json:"field_name"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// Draft is a constructed, not-yet-persisted event. Drafts are pure values;
// persistence happens through Writer inside the composer's transaction.
type Draft struct {
	Type    string
	Payload any
}

// BindingError reports a field value that names an undeclared field.
type BindingError struct {
	Field string
}

func (e BindingError) Error() string {
	return fmt.Sprintf("field %q is not declared in the action's field bindings", e.Field)
}

// ReservedTypeError reports a caller-supplied event using a composer-owned type.
type ReservedTypeError struct {
	Type string
}

func (e ReservedTypeError) Error() string {
	return fmt.Sprintf("event type %q is reserved for the composer", e.Type)
}

// Declared builds the declaration event that opens every action's history.
func Declared(actionType string, bindings []domain.FieldBinding) Draft {
	return Draft{
		Type:    domain.EventActionDeclared,
		Payload: DeclaredPayload{ActionType: actionType, FieldBindings: bindings},
	}
}

// FieldRecorded builds a field value event. Binding validation is the
// caller's job; see BindingPolicy.
func FieldRecorded(fieldName string, value json.RawMessage) Draft {
	return Draft{
		Type:    domain.EventFieldValueRecorded,
		Payload: FieldValuePayload{FieldName: fieldName, Value: value},
	}
}

// Generic builds a caller-supplied extension event. The composer-owned types
// are rejected: declarations are emitted only by the composer, and field
// values must go through binding validation.
func Generic(evtType string, payload map[string]any) (Draft, error) {
	if evtType == domain.EventActionDeclared || evtType == domain.EventFieldValueRecorded {
		return Draft{}, ReservedTypeError{Type: evtType}
	}
	if evtType == "" {
		return Draft{}, fmt.Errorf("event type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return Draft{Type: evtType, Payload: payload}, nil
}

// BindingPolicy is the field validation policy declared by an action. An
// action with no bindings is open: any field name is accepted. Otherwise the
// policy is restricted to the declared keys.
type BindingPolicy struct {
	restricted bool
	allowed    map[string]struct{}
}

// PolicyFor derives the policy from an action's declared bindings.
func PolicyFor(bindings []domain.FieldBinding) BindingPolicy {
	if len(bindings) == 0 {
		return BindingPolicy{}
	}
	allowed := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		allowed[b.FieldKey] = struct{}{}
	}
	return BindingPolicy{restricted: true, allowed: allowed}
}

// Open reports whether any field name is accepted.
func (p BindingPolicy) Open() bool { return !p.restricted }

// EnsureFieldAllowed fails with a BindingError naming the field when the
// policy is restricted and the field was not declared.
func (p BindingPolicy) EnsureFieldAllowed(fieldName string) error {
	if !p.restricted {
		return nil
	}
	if _, ok := p.allowed[fieldName]; !ok {
		return BindingError{Field: fieldName}
	}
	return nil
}
