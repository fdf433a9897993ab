package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedRecord(t *testing.T, env testEnv, id, kind string, fields string) {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	err := env.Engine.Repo.UpsertSourceRecord(env.Ctx, domain.SourceRecord{
		ID:         id,
		Kind:       kind,
		Label:      id,
		FieldsJSON: json.RawMessage(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed record %s: %v", id, err)
	}
}

func strPtr(s string) *string { return &s }

func countRows(t *testing.T, env testEnv, table string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestComposeWritesActionEventsAndReferences(t *testing.T) {
	env := newTestEnv(t)
	seedRecord(t, env, "rec-42", "requirement", `{"status":"ready","owner":"ana"}`)

	res, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:   "ctx-1",
			ContextType: "board",
			Type:        "TASK",
			FieldBindings: []domain.FieldBinding{
				{FieldKey: "title"},
				{FieldKey: "status", Value: json.RawMessage(`"open"`)},
			},
		},
		FieldValues: []engine.FieldValueInput{
			{FieldName: "title", Value: json.RawMessage(`"Draft the plan"`)},
		},
		References: []engine.ReferenceInput{
			{SourceRecordID: "rec-42", TargetFieldKey: strPtr("status")},
		},
	}, engine.ComposeOptions{ActorID: strPtr("tester")})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if res.Action.ID == "" || res.Action.ContextID != "ctx-1" || res.Action.Type != "TASK" {
		t.Fatalf("unexpected action: %+v", res.Action)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(res.Events))
	}
	if res.Events[0].Type != domain.EventActionDeclared {
		t.Fatalf("first event must be %s, got %s", domain.EventActionDeclared, res.Events[0].Type)
	}
	if res.Events[1].Type != domain.EventFieldValueRecorded {
		t.Fatalf("second event must be %s, got %s", domain.EventFieldValueRecorded, res.Events[1].Type)
	}
	var declared events.DeclaredPayload
	if err := json.Unmarshal([]byte(res.Events[0].Payload), &declared); err != nil {
		t.Fatalf("decode declared payload: %v", err)
	}
	if declared.ActionType != "TASK" || len(declared.FieldBindings) != 2 {
		t.Fatalf("unexpected declared payload: %+v", declared)
	}
	var recorded events.FieldValuePayload
	if err := json.Unmarshal([]byte(res.Events[1].Payload), &recorded); err != nil {
		t.Fatalf("decode field payload: %v", err)
	}
	if recorded.FieldName != "title" {
		t.Fatalf("unexpected field payload: %+v", recorded)
	}
	if res.Events[0].ActorID == nil || *res.Events[0].ActorID != "tester" {
		t.Fatalf("expected actor on event, got %+v", res.Events[0].ActorID)
	}
	if res.Action.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("action must use the engine clock, got %s", res.Action.CreatedAt)
	}
	for _, evt := range res.Events {
		if evt.OccurredAt != res.Action.CreatedAt {
			t.Fatalf("event time %s must match action time %s", evt.OccurredAt, res.Action.CreatedAt)
		}
	}

	if len(res.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(res.References))
	}
	ref := res.References[0]
	if ref.Mode != domain.RefModeDynamic {
		t.Fatalf("default mode must be dynamic, got %s", ref.Mode)
	}
	if ref.SnapshotJSON == nil || *ref.SnapshotJSON != `"ready"` {
		t.Fatalf("expected live snapshot captured at creation, got %v", ref.SnapshotJSON)
	}
}

func TestComposeGuardrailRejectsLegacyTypes(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{"legacy_task", "LEGACY_TASK", "task_node", "Task_Node"} {
		_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
			Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: typ},
		}, engine.ComposeOptions{})
		var ge engine.GuardrailError
		if !errors.As(err, &ge) {
			t.Fatalf("type %q: expected GuardrailError, got %v", typ, err)
		}
	}
	if n := countRows(t, env, "actions"); n != 0 {
		t.Fatalf("guardrail must write nothing, found %d actions", n)
	}
	if n := countRows(t, env, "events"); n != 0 {
		t.Fatalf("guardrail must write nothing, found %d events", n)
	}
}

func TestComposeGuardrailConfigExtension(t *testing.T) {
	cfg := config.Default()
	cfg.Actions.ForbiddenTypes = []string{"retired_kind"}
	env := newTestEnvWithConfig(t, cfg)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "Retired_Kind"},
	}, engine.ComposeOptions{})
	var ge engine.GuardrailError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GuardrailError for configured type, got %v", err)
	}
}

func TestComposeEnforceCatalog(t *testing.T) {
	cfg := config.Default()
	cfg.Actions.EnforceCatalog = true
	env := newTestEnvWithConfig(t, cfg)
	if _, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}, engine.ComposeOptions{}); err != nil {
		t.Fatalf("catalog type should pass: %v", err)
	}
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "WIDGET"},
	}, engine.ComposeOptions{})
	if err == nil {
		t.Fatalf("expected unlisted type rejection")
	}
}

func TestComposeAtomicityOnFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:      "ctx-1",
			ContextType:    "board",
			Type:           "TASK",
			ParentActionID: strPtr("nope"),
		},
		FieldValues: []engine.FieldValueInput{
			{FieldName: "title", Value: json.RawMessage(`"x"`)},
		},
	}, engine.ComposeOptions{})
	if err == nil {
		t.Fatalf("expected missing parent error")
	}
	if n := countRows(t, env, "actions"); n != 0 {
		t.Fatalf("failed compose must leave no actions, found %d", n)
	}
	if n := countRows(t, env, "events"); n != 0 {
		t.Fatalf("failed compose must leave no events, found %d", n)
	}
	if n := countRows(t, env, "action_references"); n != 0 {
		t.Fatalf("failed compose must leave no references, found %d", n)
	}
}

func TestComposeBindingEnforcement(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:     "ctx-1",
			ContextType:   "board",
			Type:          "TASK",
			FieldBindings: []domain.FieldBinding{{FieldKey: "title"}},
		},
		FieldValues: []engine.FieldValueInput{
			{FieldName: "priority", Value: json.RawMessage(`1`)},
		},
	}, engine.ComposeOptions{})
	var be events.BindingError
	if !errors.As(err, &be) || be.Field != "priority" {
		t.Fatalf("expected BindingError for priority, got %v", err)
	}
	if n := countRows(t, env, "actions"); n != 0 {
		t.Fatalf("rejected compose must write nothing, found %d actions", n)
	}

	// Without bindings any field name is accepted.
	res, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
		FieldValues: []engine.FieldValueInput{
			{FieldName: "anything", Value: json.RawMessage(`true`)},
		},
	}, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("open policy compose: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(res.Events))
	}
}

func TestComposeEventOrdering(t *testing.T) {
	env := newTestEnv(t)
	input := engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}
	for i := 0; i < 5; i++ {
		input.FieldValues = append(input.FieldValues, engine.FieldValueInput{
			FieldName: fmt.Sprintf("f%d", i),
			Value:     json.RawMessage(fmt.Sprintf("%d", i)),
		})
	}
	input.ExtraEvents = append(input.ExtraEvents,
		engine.ExtraEventInput{Type: "CHECK_SCHEDULED", Payload: map[string]any{"at": "soon"}},
		engine.ExtraEventInput{Type: "LABEL_APPLIED", Payload: map[string]any{"label": "urgent"}},
	)
	res, err := env.Engine.Compose(env.Ctx, input, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(res.Events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(res.Events))
	}
	if res.Events[0].Type != domain.EventActionDeclared {
		t.Fatalf("declared event must come first")
	}
	for i := 1; i <= 5; i++ {
		if res.Events[i].Type != domain.EventFieldValueRecorded {
			t.Fatalf("event %d must be %s, got %s", i, domain.EventFieldValueRecorded, res.Events[i].Type)
		}
		var p events.FieldValuePayload
		if err := json.Unmarshal([]byte(res.Events[i].Payload), &p); err != nil {
			t.Fatalf("decode payload %d: %v", i, err)
		}
		if want := fmt.Sprintf("f%d", i-1); p.FieldName != want {
			t.Fatalf("field order broken: event %d has %s, want %s", i, p.FieldName, want)
		}
	}
	if res.Events[6].Type != "CHECK_SCHEDULED" || res.Events[7].Type != "LABEL_APPLIED" {
		t.Fatalf("extension events out of order: %s, %s", res.Events[6].Type, res.Events[7].Type)
	}
	// Same-timestamp ordering is carried by the autoincrement id.
	for i := 1; i < len(res.Events); i++ {
		if res.Events[i].OccurredAt != res.Events[0].OccurredAt {
			t.Fatalf("events of one composition must share occurred_at")
		}
		if res.Events[i].ID <= res.Events[i-1].ID {
			t.Fatalf("event ids must ascend: %d then %d", res.Events[i-1].ID, res.Events[i].ID)
		}
	}
}

func TestComposeRejectsReservedExtensionTypes(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{domain.EventActionDeclared, domain.EventFieldValueRecorded, ""} {
		_, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
			Action:      engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
			ExtraEvents: []engine.ExtraEventInput{{Type: typ}},
		}, engine.ComposeOptions{})
		if err == nil {
			t.Fatalf("extension type %q must be rejected", typ)
		}
	}
}

type failingViews struct{}

func (failingViews) ViewForAction(context.Context, string) (*domain.ActionView, error) {
	return nil, errors.New("interpreter down")
}

func TestComposeSurvivesViewFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Views = failingViews{}
	res, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("compose must succeed despite view failure: %v", err)
	}
	if res.View != nil {
		t.Fatalf("expected nil view")
	}
	if _, err := env.Engine.Repo.GetAction(env.Ctx, res.Action.ID); err != nil {
		t.Fatalf("action must be committed: %v", err)
	}
}

func TestComposeExternalTransaction(t *testing.T) {
	env := newTestEnv(t)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}, engine.ComposeOptions{Tx: tx})
	if err != nil {
		t.Fatalf("compose in external tx: %v", err)
	}
	if res.View != nil {
		t.Fatalf("view must be skipped inside an external tx")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if n := countRows(t, env, "actions"); n != 0 {
		t.Fatalf("rolled back compose must leave no actions, found %d", n)
	}

	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err = env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}, engine.ComposeOptions{Tx: tx})
	if err != nil {
		t.Fatalf("compose in external tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := env.Engine.Repo.GetAction(env.Ctx, res.Action.ID); err != nil {
		t.Fatalf("committed action must be readable: %v", err)
	}
}

func TestComposeParentChild(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{ContextID: "ctx-1", ContextType: "board", Type: "TASK"},
	}, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("compose parent: %v", err)
	}
	child, err := env.Engine.Compose(env.Ctx, engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:      "ctx-1",
			ContextType:    "board",
			Type:           "TASK",
			ParentActionID: strPtr(parent.Action.ID),
		},
	}, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("compose child: %v", err)
	}
	stored, err := env.Engine.Repo.GetAction(env.Ctx, child.Action.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if stored.ParentActionID == nil || *stored.ParentActionID != parent.Action.ID {
		t.Fatalf("parent link not persisted: %+v", stored.ParentActionID)
	}
}
