package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/interpret"
	"actionline/internal/migrate"
	"actionline/internal/repo"
	"actionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "actl",
	Short: "Actionline CLI",
	Long: `Actionline records work as actions with an append-only event trail.
Core concepts:
- Workspace: your .actionline directory holding the database; actionline.yml holds the config.
- Context: the container an action belongs to (a board, a document, a mission).
- Action: a typed entry with optional field bindings; composing one also writes its events and references in a single transaction.
- Events: the append-only history of an action, starting with ACTION_DECLARED.
- References: typed links from an action to source records; dynamic ones follow the live value, static ones keep a snapshot and report drift.
- Records: the shared source data that references point at ('actl record put').
- Event log: the full diary across actions, view with 'actl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ACTIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(refCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func composeCmd() *cobra.Command {
	var contextID, contextType, actionType, parentID string
	var bindings, fields, extraEvents, refs []string
	var skipView bool
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose an action with events and references",
		Long: `Compose writes an action, its events, and its references in one transaction.
Field bindings and values take name=JSON pairs; non-JSON values are treated as strings.
References take record-id[:field-key][@static|@dynamic], defaulting to dynamic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if contextID == "" {
				return fmt.Errorf("--context required")
			}
			if actionType == "" {
				return fmt.Errorf("--type required")
			}
			input := engine.ComposeInput{
				Action: engine.ActionInput{
					ContextID:      contextID,
					ContextType:    contextType,
					ParentActionID: optionalString(parentID),
					Type:           actionType,
				},
			}
			for _, b := range bindings {
				key, value, err := parseKeyValue(b)
				if err != nil {
					return fmt.Errorf("invalid --binding %q: %w", b, err)
				}
				input.Action.FieldBindings = append(input.Action.FieldBindings, domain.FieldBinding{FieldKey: key, Value: value})
			}
			for _, f := range fields {
				key, value, err := parseKeyValue(f)
				if err != nil {
					return fmt.Errorf("invalid --field %q: %w", f, err)
				}
				input.FieldValues = append(input.FieldValues, engine.FieldValueInput{FieldName: key, Value: value})
			}
			for _, ev := range extraEvents {
				evtType, payload, err := parseEvent(ev)
				if err != nil {
					return fmt.Errorf("invalid --event %q: %w", ev, err)
				}
				input.ExtraEvents = append(input.ExtraEvents, engine.ExtraEventInput{Type: evtType, Payload: payload})
			}
			for _, r := range refs {
				ref, err := parseRef(r)
				if err != nil {
					return fmt.Errorf("invalid --ref %q: %w", r, err)
				}
				input.References = append(input.References, ref)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				res, err := e.Compose(ctx, input, engine.ComposeOptions{
					ActorID:  optionalString(actor),
					SkipView: skipView,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id")
	cmd.Flags().StringVar(&contextType, "context-type", "default", "context type")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent action id")
	cmd.Flags().StringArrayVar(&bindings, "binding", []string{}, "field binding key=JSON (repeatable)")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "field value name=JSON (repeatable)")
	cmd.Flags().StringArrayVar(&extraEvents, "event", []string{}, "extension event TYPE=JSON payload (repeatable)")
	cmd.Flags().StringArrayVar(&refs, "ref", []string{}, "reference record-id[:field-key][@mode] (repeatable)")
	cmd.Flags().BoolVar(&skipView, "skip-view", false, "skip the post-commit view")
	_ = cmd.MarkFlagRequired("context")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Inspect actions",
	}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionShowCmd())
	act.AddCommand(actionEventsCmd())
	act.AddCommand(actionViewCmd())
	return act
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions in a context",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ContextID == "" {
				return fmt.Errorf("--context required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actions, err := r.ListActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Context", "Parent", "Created"})
				for _, a := range actions {
					parent := ""
					if a.ParentActionID != nil {
						parent = *a.ParentActionID
					}
					tw.AppendRow(table.Row{a.ID, a.Type, a.ContextID, parent, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ContextID, "context", "", "context id")
	cmd.Flags().StringVar(&f.ContextType, "context-type", "", "context type filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "action type filter")
	cmd.Flags().StringVar(&f.ParentActionID, "parent", "", "parent action filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an action with events and references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAction(ctx, id)
				if err != nil {
					return err
				}
				events, err := r.ListActionEvents(ctx, id)
				if err != nil {
					return err
				}
				refs, err := r.ListActionReferences(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"action":     a,
					"events":     events,
					"references": refs,
				})
			})
		},
	}
	return cmd
}

func actionEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "List events of an action in append order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAction(ctx, id); err != nil {
					return err
				}
				events, err := r.ListActionEvents(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	return cmd
}

func actionViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <id>",
		Short: "Interpreted view of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				view, err := interpret.New(r).ViewForAction(ctx, id)
				if err != nil {
					return err
				}
				if view == nil {
					return fmt.Errorf("no events recorded for action %s", id)
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func refCmd() *cobra.Command {
	ref := &cobra.Command{
		Use:   "ref",
		Short: "Manage references",
		Long:  "References link actions to source records. Dynamic references follow the record's current value; static references keep a snapshot and report drift when the live value has moved.",
	}
	ref.AddCommand(refListCmd())
	ref.AddCommand(refAddCmd())
	ref.AddCommand(refResolveCmd())
	ref.AddCommand(refToggleCmd())
	ref.AddCommand(refSnapshotCmd())
	ref.AddCommand(refDeleteCmd())
	return ref
}

func refListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <action-id>",
		Short: "List references of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAction(ctx, id); err != nil {
					return err
				}
				refs, err := r.ListActionReferences(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(refs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Record", "Field", "Mode", "Snapshot"})
				for _, ref := range refs {
					field := ""
					if ref.TargetFieldKey != nil {
						field = *ref.TargetFieldKey
					}
					snapshot := ""
					if ref.SnapshotJSON != nil {
						snapshot = *ref.SnapshotJSON
					}
					tw.AppendRow(table.Row{ref.ID, ref.SourceRecordID, field, ref.Mode, snapshot})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func refAddCmd() *cobra.Command {
	var refs []string
	cmd := &cobra.Command{
		Use:   "add <action-id>",
		Short: "Attach references to an existing action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(refs) == 0 {
				return fmt.Errorf("--ref required")
			}
			id := args[0]
			var inputs []engine.ReferenceInput
			for _, r := range refs {
				ref, err := parseRef(r)
				if err != nil {
					return fmt.Errorf("invalid --ref %q: %w", r, err)
				}
				inputs = append(inputs, ref)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateReferences(ctx, id, inputs)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringArrayVar(&refs, "ref", []string{}, "reference record-id[:field-key][@mode] (repeatable)")
	return cmd
}

func refResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a reference to its current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveReference(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func refToggleCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Toggle a reference between static and dynamic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.ToggleReferenceMode(ctx, id, mode)
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "target mode (static or dynamic; empty flips)")
	return cmd
}

func refSnapshotCmd() *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Replace the stored snapshot of a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if valueJSON == "" {
				return fmt.Errorf("--value-json required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.SetReferenceSnapshot(ctx, id, json.RawMessage(valueJSON))
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value-json", "", "snapshot value JSON")
	return cmd
}

func refDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteReference(ctx, id)
			})
		},
	}
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Manage source records",
	}
	rec.AddCommand(recordPutCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordLinksCmd())
	return rec
}

func recordPutCmd() *cobra.Command {
	var kind, label, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or update a source record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			id := args[0]
			fields := fieldsJSON
			if fields == "" {
				fields = "{}"
			}
			if !json.Valid([]byte(fields)) {
				return fmt.Errorf("--fields-json must be valid JSON")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				rec := domain.SourceRecord{
					ID:         id,
					Kind:       kind,
					Label:      label,
					FieldsJSON: json.RawMessage(fields),
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := r.UpsertSourceRecord(ctx, rec); err != nil {
					return err
				}
				stored, err := r.GetSourceRecord(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "record kind")
	cmd.Flags().StringVar(&label, "label", "", "display label")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "record fields JSON object")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a source record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetSourceRecord(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func recordListCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List source records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSourceRecords(ctx, kind, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Label", "Updated"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.Kind, rec.Label, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func recordLinksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links <id>",
		Short: "List references pointing at a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetSourceRecord(ctx, id); err != nil {
					return err
				}
				refs, err := r.ListSourceLinks(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(refs)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of everything that happened, across all actions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var contextID, evtType, actionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, contextID, evtType, actionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&contextID, "context", "", "context filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&actionID, "action", "", "action filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in actionline.yml: the action catalog, forbidden types, reference uniqueness, and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default actionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Views = interpret.New(e.Repo)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("ACTIONLINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
				return fmt.Errorf("ACTIONLINE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Actionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "admit requests without credentials")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Views = interpret.New(e.Repo)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseKeyValue splits key=value where value is JSON. Bare values are
// treated as JSON strings.
func parseKeyValue(s string) (string, json.RawMessage, error) {
	key, value, found := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil, fmt.Errorf("key is required")
	}
	if !found || value == "" {
		return key, nil, nil
	}
	if json.Valid([]byte(value)) {
		return key, json.RawMessage(value), nil
	}
	quoted, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	return key, json.RawMessage(quoted), nil
}

// parseEvent splits TYPE=JSON where the JSON payload is an object.
func parseEvent(s string) (string, map[string]any, error) {
	evtType, payload, found := strings.Cut(s, "=")
	evtType = strings.TrimSpace(evtType)
	if evtType == "" {
		return "", nil, fmt.Errorf("event type is required")
	}
	if !found || payload == "" {
		return evtType, nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return "", nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return evtType, obj, nil
}

// parseRef splits record-id[:field-key][@mode].
func parseRef(s string) (engine.ReferenceInput, error) {
	mode := ""
	if at := strings.LastIndex(s, "@"); at >= 0 {
		mode = s[at+1:]
		s = s[:at]
	}
	recordID, fieldKey, hasField := strings.Cut(s, ":")
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return engine.ReferenceInput{}, fmt.Errorf("record id is required")
	}
	ref := engine.ReferenceInput{SourceRecordID: recordID, Mode: mode}
	if hasField && fieldKey != "" {
		ref.TargetFieldKey = &fieldKey
	}
	return ref, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
