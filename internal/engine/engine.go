package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/repo"
)

// ViewProvider is the interpreter contract consumed by the engine: given an
// action id, return a view or nil. Failures are tolerated; a composition is
// complete without a view.
type ViewProvider interface {
	ViewForAction(ctx context.Context, actionID string) (*domain.ActionView, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Views  ViewProvider
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GuardrailError rejects action types that would write into a retired
// storage path.
type GuardrailError struct {
	Type string
}

func (e GuardrailError) Error() string {
	return fmt.Sprintf("action type %q belongs to a retired storage path and may not receive new writes", e.Type)
}

// legacyTypes are permanently forbidden, independent of configuration.
var legacyTypes = map[string]struct{}{
	"legacy_task": {},
	"task_node":   {},
}

func (e Engine) ensureTypeAllowed(actionType string) error {
	lowered := strings.ToLower(strings.TrimSpace(actionType))
	if _, bad := legacyTypes[lowered]; bad {
		return GuardrailError{Type: actionType}
	}
	if e.Config == nil {
		return nil
	}
	for _, t := range e.Config.Actions.ForbiddenTypes {
		if strings.EqualFold(t, actionType) {
			return GuardrailError{Type: actionType}
		}
	}
	if e.Config.Actions.EnforceCatalog {
		if _, ok := e.Config.Actions.Catalog[actionType]; !ok {
			return fmt.Errorf("action type %q is not in the configured catalog", actionType)
		}
	}
	return nil
}

// ActionInput declares the action a composition creates.
type ActionInput struct {
	ContextID      string
	ContextType    string
	ParentActionID *string
	Type           string
	FieldBindings  []domain.FieldBinding
}

// FieldValueInput records a value for a declared field at composition time.
type FieldValueInput struct {
	FieldName string
	Value     json.RawMessage
}

// ExtraEventInput is a caller-supplied extension event.
type ExtraEventInput struct {
	Type    string
	Payload map[string]any
}

// ReferenceInput attaches a reference during composition. Mode defaults to
// dynamic when empty.
type ReferenceInput struct {
	SourceRecordID string
	TargetFieldKey *string
	Mode           string
}

// ComposeInput is the full composition request.
type ComposeInput struct {
	Action      ActionInput
	FieldValues []FieldValueInput
	ExtraEvents []ExtraEventInput
	References  []ReferenceInput
}

// ComposeOptions carries the acting identity and transactional context. When
// Tx is supplied the composition joins the caller's transaction and the
// caller owns commit/rollback; the view step is then the caller's business
// and is skipped here.
type ComposeOptions struct {
	ActorID  *string
	SkipView bool
	Tx       *sql.Tx
}

// ComposeResult bundles everything a composition created.
type ComposeResult struct {
	Action     domain.Action
	Events     []domain.Event
	References []domain.Reference
	View       *domain.ActionView
}

// Compose is the single write entry point: it validates the request, then
// atomically inserts the action, its ordered events, and its references.
// Either all core writes land or none do. The view is computed after commit
// and is best-effort.
func (e Engine) Compose(ctx context.Context, input ComposeInput, opts ComposeOptions) (ComposeResult, error) {
	var res ComposeResult
	if input.Action.ContextID == "" || input.Action.ContextType == "" {
		return res, errors.New("context_id and context_type are required")
	}
	if input.Action.Type == "" {
		return res, errors.New("action type is required")
	}
	if err := e.ensureTypeAllowed(input.Action.Type); err != nil {
		return res, err
	}

	// Validate and build the full event list before anything is written. A
	// single disallowed field aborts the whole composition.
	policy := events.PolicyFor(input.Action.FieldBindings)
	drafts := make([]events.Draft, 0, 1+len(input.FieldValues)+len(input.ExtraEvents))
	drafts = append(drafts, events.Declared(input.Action.Type, input.Action.FieldBindings))
	for _, fv := range input.FieldValues {
		if fv.FieldName == "" {
			return res, errors.New("field value is missing field_name")
		}
		if err := policy.EnsureFieldAllowed(fv.FieldName); err != nil {
			return res, err
		}
		drafts = append(drafts, events.FieldRecorded(fv.FieldName, fv.Value))
	}
	for _, ex := range input.ExtraEvents {
		d, err := events.Generic(ex.Type, ex.Payload)
		if err != nil {
			return res, err
		}
		drafts = append(drafts, d)
	}
	refs, err := e.prepareReferences(ctx, input.References)
	if err != nil {
		return res, err
	}

	tx := opts.Tx
	ownTx := tx == nil
	if ownTx {
		tx, err = e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
	}

	now := e.now().UTC().Format(time.RFC3339)
	action := domain.Action{
		ID:             uuid.New().String(),
		ContextID:      input.Action.ContextID,
		ContextType:    input.Action.ContextType,
		ParentActionID: input.Action.ParentActionID,
		Type:           input.Action.Type,
		FieldBindings:  input.Action.FieldBindings,
		CreatedAt:      now,
	}
	if action.ParentActionID != nil {
		if _, err := e.Repo.GetActionTx(ctx, tx, *action.ParentActionID); err != nil {
			return res, fmt.Errorf("parent action %s: %w", *action.ParentActionID, err)
		}
	}
	if err := e.Repo.InsertAction(ctx, tx, action); err != nil {
		return res, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.AppendAll(ctx, tx, action.ContextID, action.ContextType, action.ID, opts.ActorID, now, drafts); err != nil {
		return res, err
	}
	for i := range refs {
		refs[i].ActionID = action.ID
		refs[i].CreatedAt = now
		if err := e.insertReference(ctx, tx, refs[i]); err != nil {
			return res, err
		}
	}

	// Re-read persisted rows so the response carries generated ids and
	// timestamps exactly as stored.
	persisted, err := e.Repo.ListActionEventsTx(ctx, tx, action.ID)
	if err != nil {
		return res, err
	}
	persistedRefs, err := e.Repo.ListActionReferencesTx(ctx, tx, action.ID)
	if err != nil {
		return res, err
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return res, err
		}
	}

	res = ComposeResult{Action: action, Events: persisted}
	if len(persistedRefs) > 0 {
		res.References = persistedRefs
	}
	if ownTx && !opts.SkipView && e.Views != nil {
		view, err := e.Views.ViewForAction(ctx, action.ID)
		if err != nil {
			log.Printf("view computation for action %s failed: %v", action.ID, err)
		} else {
			res.View = view
		}
	}
	return res, nil
}

// prepareReferences validates reference inputs and captures live snapshots
// ahead of the write transaction.
func (e Engine) prepareReferences(ctx context.Context, inputs []ReferenceInput) ([]domain.Reference, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	refs := make([]domain.Reference, 0, len(inputs))
	for _, in := range inputs {
		ref, err := e.buildReference(ctx, in)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if e.Config != nil && e.Config.References.UniqueLinks {
		seen := map[string]struct{}{}
		for _, ref := range refs {
			key := ref.SourceRecordID + "\x00"
			if ref.TargetFieldKey != nil {
				key += *ref.TargetFieldKey
			}
			if _, dup := seen[key]; dup {
				return nil, DuplicateReferenceError{SourceRecordID: ref.SourceRecordID, InBatch: true}
			}
			seen[key] = struct{}{}
		}
	}
	return refs, nil
}

func (e Engine) buildReference(ctx context.Context, in ReferenceInput) (domain.Reference, error) {
	var ref domain.Reference
	if in.SourceRecordID == "" {
		return ref, errors.New("reference is missing source_record_id")
	}
	mode := in.Mode
	if mode == "" {
		mode = domain.RefModeDynamic
	}
	if mode != domain.RefModeDynamic && mode != domain.RefModeStatic {
		return ref, fmt.Errorf("invalid reference mode %q", in.Mode)
	}
	ref = domain.Reference{
		ID:             uuid.New().String(),
		SourceRecordID: in.SourceRecordID,
		TargetFieldKey: in.TargetFieldKey,
		Mode:           mode,
	}
	// Freeze the live value at creation time so a later switch to static
	// has a meaningful snapshot. A missing record or field leaves the
	// snapshot empty; that is only noticed at resolve time.
	if live, err := e.liveValue(ctx, in.SourceRecordID, in.TargetFieldKey); err == nil && live != nil {
		s := string(live)
		ref.SnapshotJSON = &s
	}
	return ref, nil
}

func (e Engine) insertReference(ctx context.Context, tx *sql.Tx, ref domain.Reference) error {
	if e.Config != nil && e.Config.References.UniqueLinks {
		n, err := e.Repo.CountLinks(ctx, tx, ref.ActionID, ref.SourceRecordID, ref.TargetFieldKey)
		if err != nil {
			return err
		}
		if n > 0 {
			return DuplicateReferenceError{SourceRecordID: ref.SourceRecordID}
		}
	}
	if err := e.Repo.InsertReference(ctx, tx, ref); err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}
