package interpret_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/interpret"
	"actionline/internal/migrate"
)

func newEngine(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return eng, context.Background()
}

func TestViewReplaysFieldHistory(t *testing.T) {
	eng, ctx := newEngine(t)
	res, err := eng.Compose(ctx, engine.ComposeInput{
		Action: engine.ActionInput{
			ContextID:   "ctx-1",
			ContextType: "board",
			Type:        "TASK",
			FieldBindings: []domain.FieldBinding{
				{FieldKey: "title", Value: json.RawMessage(`"untitled"`)},
				{FieldKey: "status", Value: json.RawMessage(`"open"`)},
			},
		},
		FieldValues: []engine.FieldValueInput{
			{FieldName: "title", Value: json.RawMessage(`"first"`)},
			{FieldName: "title", Value: json.RawMessage(`"second"`)},
		},
		ExtraEvents: []engine.ExtraEventInput{
			{Type: "LABEL_APPLIED", Payload: map[string]any{"label": "urgent"}},
		},
	}, engine.ComposeOptions{})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	view, err := interpret.New(eng.Repo).ViewForAction(ctx, res.Action.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view == nil {
		t.Fatalf("expected a view")
	}
	if view.Type != "TASK" || view.ContextID != "ctx-1" {
		t.Fatalf("unexpected view header: %+v", view)
	}
	if string(view.Fields["title"]) != `"second"` {
		t.Fatalf("latest recording must win, got %s", view.Fields["title"])
	}
	if string(view.Fields["status"]) != `"open"` {
		t.Fatalf("binding default must survive when never re-recorded, got %s", view.Fields["status"])
	}
	// Declaration + two field values + one extension event.
	if view.EventCount != 4 {
		t.Fatalf("expected 4 events counted, got %d", view.EventCount)
	}
	if view.DeclaredAt == "" || view.LastEventAt == "" {
		t.Fatalf("timestamps must be populated: %+v", view)
	}
}

func TestViewNilForUnknownOrEmptyHistory(t *testing.T) {
	eng, ctx := newEngine(t)
	if _, err := interpret.New(eng.Repo).ViewForAction(ctx, "nope"); err == nil {
		t.Fatalf("unknown action must error")
	}
}
