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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/repo"
	"actionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Actionline CLI",
	Long: `Actionline composes actions as append-only event logs.
Core concepts:
- Workspace: your .actionline directory holding the event database; recipes live in actionline.yml.
- Recipe: the schema for one action type (permitted fields, reference slots).
- Action: a declared unit of work whose state is a pure fold over its events.
- Record: a mutable source document that references point at.
- Reference: a link from an action field slot to a record field; static links
  freeze a snapshot, dynamic links follow the live value.
- Drift: a static snapshot diverging from the live record, reported on demand.
- Event log: the single source of truth; view with 'al action log'.`,
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
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(amendCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(refCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace with database and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.OpenWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already exists at %s\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(cfg.Workspace.ID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("initialized workspace %s (config at %s)\n", cfg.Workspace.ID, path)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the recipe catalog plus server, resolver, and webhook settings, read from actionline.yml in the workspace.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			path := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("imported config for workspace %s into %s\n", cfg.Workspace.ID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
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

func composeCmd() *cobra.Command {
	var actionType, contextID, contextType, parent string
	var fields, refs, bindings []string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a new action from a recipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFieldValues(fields)
			if err != nil {
				return err
			}
			references, err := parseReferences(refs)
			if err != nil {
				return err
			}
			opts := engine.ComposeOptions{
				ContextID:     contextID,
				ContextType:   domain.ContextType(contextType),
				Type:          actionType,
				FieldBindings: bindings,
				FieldValues:   values,
				References:    references,
			}
			if parent != "" {
				opts.ParentActionID = &parent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.Compose(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "", "action type (recipe name)")
	cmd.Flags().StringVar(&contextID, "context", "", "context id")
	cmd.Flags().StringVar(&contextType, "context-type", "project", "context type (project|stage|subprocess|process)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent action id")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field value as key=value (value parsed as JSON when possible)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference as slot=record[.field][:static|dynamic]")
	cmd.Flags().StringArrayVar(&bindings, "bind", nil, "declared field binding (defaults to --field keys)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func amendCmd() *cobra.Command {
	var base int64
	var fields, refs []string
	cmd := &cobra.Command{
		Use:   "amend <action-id>",
		Short: "Amend an action with new field values or references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFieldValues(fields)
			if err != nil {
				return err
			}
			references, err := parseReferences(refs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.Amend(ctx, engine.AmendOptions{
					ActionID:     args[0],
					BaseSequence: base,
					FieldValues:  values,
					References:   references,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().Int64Var(&base, "base", 0, "observed tail sequence (0 appends at current tail)")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field value as key=value")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference as slot=record[.field][:static|dynamic]")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Inspect and update actions"}
	act.AddCommand(actionShowCmd())
	act.AddCommand(actionLogCmd())
	act.AddCommand(actionStatusCmd())
	act.AddCommand(actionRetractCmd())
	return act
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show projected action state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func actionLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <action-id>",
		Short: "Show the ordered event history of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"SEQ", "TYPE", "OCCURRED", "PAYLOAD"})
				for _, evt := range events {
					payload, _ := json.Marshal(evt.Payload)
					t.AppendRow(table.Row{evt.Sequence, evt.Type, evt.OccurredAt, string(payload)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func actionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <action-id> <status>",
		Short: "Record a status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.SetStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func actionRetractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retract <action-id>",
		Short: "Retract an action (history is preserved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.Retract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func refCmd() *cobra.Command {
	ref := &cobra.Command{Use: "ref", Short: "Resolve and manage references"}
	ref.AddCommand(refResolveCmd())
	ref.AddCommand(refDriftCmd())
	ref.AddCommand(refModeCmd())
	ref.AddCommand(refSnapshotCmd())
	return ref
}

func refResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <reference-id>...",
		Short: "Resolve references to current values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					resolved, err := e.ResolveReference(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(resolved)
				}
				resolved, err := e.ResolveReferences(ctx, args)
				if err != nil {
					return err
				}
				return printJSONOrTable(resolved)
			})
		},
	}
	return cmd
}

func refDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift <reference-id>",
		Short: "Check a static reference for snapshot drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.CheckDrift(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	return cmd
}

func refModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode <reference-id> <static|dynamic>",
		Short: "Convert a reference between static and dynamic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.ChangeReferenceMode(ctx, args[0], domain.RefMode(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	return cmd
}

func refSnapshotCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "snapshot <reference-id>",
		Short: "Overwrite a static snapshot with a new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.OverwriteSnapshot(ctx, args[0], parseJSONValue(value))
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "new snapshot value (parsed as JSON when possible)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage source records"}
	rec.AddCommand(recordPutCmd())
	rec.AddCommand(recordGetCmd())
	rec.AddCommand(recordSetCmd())
	rec.AddCommand(recordRmCmd())
	rec.AddCommand(recordListCmd())
	return rec
}

func recordPutCmd() *cobra.Command {
	var fieldsJSON string
	var fields []string
	cmd := &cobra.Command{
		Use:   "put <record-id>",
		Short: "Create or replace a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var values map[string]any
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &values); err != nil {
					return fmt.Errorf("invalid --fields json: %w", err)
				}
			} else {
				parsed, err := parseFieldValues(fields)
				if err != nil {
					return err
				}
				values = parsed
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.UpsertRecord(ctx, domain.Record{ID: args[0], Fields: values})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&fieldsJSON, "fields", "", "record fields as a JSON object")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "record field as key=value")
	return cmd
}

func recordGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <record-id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func recordSetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <record-id> <field-key>",
		Short: "Set one field on a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.SetRecordField(ctx, args[0], args[1], parseJSONValue(value))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "field value (parsed as JSON when possible)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func recordRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <record-id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteRecord(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted record %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func recordListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListRecords(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "FIELDS", "UPDATED"})
				for _, rec := range records {
					fields, _ := json.Marshal(rec.Fields)
					t.AppendRow(table.Row{rec.ID, string(fields), rec.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, err := app.OpenWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8787"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
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
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config server.base_path)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.OpenWorkspace(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, _, err := app.OpenWorkspace(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
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

// parseFieldValues turns repeated key=value flags into a field map. Values
// that parse as JSON keep their JSON type; everything else stays a string.
func parseFieldValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", pair)
		}
		out[key] = parseJSONValue(value)
	}
	return out, nil
}

// parseReferences turns slot=record[.field][:mode] flags into reference
// options. Mode defaults to dynamic when omitted.
func parseReferences(specs []string) ([]engine.ReferenceOptions, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]engine.ReferenceOptions, 0, len(specs))
	for _, spec := range specs {
		slot, rest, ok := strings.Cut(spec, "=")
		if !ok || slot == "" || rest == "" {
			return nil, fmt.Errorf("invalid ref %q: expected slot=record[.field][:mode]", spec)
		}
		source := rest
		mode := ""
		if i := strings.LastIndex(rest, ":"); i >= 0 {
			source, mode = rest[:i], rest[i+1:]
		}
		recordID, fieldKey, _ := strings.Cut(source, ".")
		if recordID == "" {
			return nil, fmt.Errorf("invalid ref %q: record id is required", spec)
		}
		out = append(out, engine.ReferenceOptions{
			SourceRecordID: recordID,
			SourceFieldKey: fieldKey,
			TargetFieldKey: slot,
			Mode:           domain.RefMode(mode),
		})
	}
	return out, nil
}

func parseJSONValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
