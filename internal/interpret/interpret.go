// Package interpret builds display views of actions by replaying their event
// history. The engine consumes it through the ViewProvider contract and
// tolerates its absence; nothing here may write.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/repo"
)

type Interpreter struct {
	Repo repo.Repo
}

func New(r repo.Repo) Interpreter {
	return Interpreter{Repo: r}
}

// ViewForAction replays an action's events into a denormalized view. Returns
// nil when the action has no history. Replay is deterministic: events arrive
// ordered by occurrence time with insertion order breaking ties.
func (i Interpreter) ViewForAction(ctx context.Context, actionID string) (*domain.ActionView, error) {
	action, err := i.Repo.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	evts, err := i.Repo.ListActionEvents(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if len(evts) == 0 {
		return nil, nil
	}
	view := &domain.ActionView{
		ActionID:    action.ID,
		ContextID:   action.ContextID,
		ContextType: action.ContextType,
		Type:        action.Type,
		Fields:      map[string]json.RawMessage{},
		EventCount:  len(evts),
		LastEventAt: evts[len(evts)-1].OccurredAt,
	}
	for _, evt := range evts {
		switch evt.Type {
		case domain.EventActionDeclared:
			var p events.DeclaredPayload
			if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
				return nil, fmt.Errorf("decode declaration of action %s: %w", actionID, err)
			}
			view.DeclaredAt = evt.OccurredAt
			for _, b := range p.FieldBindings {
				if len(b.Value) > 0 {
					view.Fields[b.FieldKey] = b.Value
				}
			}
		case domain.EventFieldValueRecorded:
			var p events.FieldValuePayload
			if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
				return nil, fmt.Errorf("decode field value of action %s: %w", actionID, err)
			}
			// Latest recording wins.
			view.Fields[p.FieldName] = p.Value
		}
	}
	if len(view.Fields) == 0 {
		view.Fields = nil
	}
	return view, nil
}
