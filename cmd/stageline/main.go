package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/archive"
	"stageline/internal/db"
	"stageline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "stageline",
	Short: "Stageline governance CLI",
	Long: `Stageline runs PRINCE2-style project governance.
Core concepts:
- Project board: who may direct the project (executive, senior user, senior supplier) and who manages it.
- Documents: business case, project initiation document (PID), stage plans and the end project report.
  Drafts are edited freely; approval freezes them and revisions open a new version.
- Stages: the PID is baselined before stages exist; a stage starts only with an approved plan
  and, after the first, once the previous stage gate is approved.
- Work packages: draft -> authorized -> in_progress -> completed -> closed; they drive stage progress.
- Tolerances: time, cost, scope, quality, benefit and risk bands; a deviation outside a band raises an exception.
- Event log: every change is recorded; view it with 'stageline log tail' or relay it with 'stageline serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("dsn") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if reason := engine.ReasonOf(err); reason != "" {
			fmt.Fprintln(os.Stderr, "reason:", reason)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("dsn", "", "database DSN (defaults to the workspace SQLite file)")
	flags.String("log-level", "info", "log level")
	flags.String("policy-file", "", "governance policy seeding new projects")
	flags.String("archive", archive.DriverNone, "baseline archive: none, fs or s3")
	flags.String("archive-dir", "", "directory for the fs archive")
	flags.String("archive-bucket", "", "bucket for the s3 archive")
	flags.String("archive-region", "", "region for the s3 archive")
	flags.String("archive-endpoint", "", "custom s3 endpoint")
	flags.String("archive-prefix", "", "key prefix for archived baselines")
	flags.Bool("archive-path-style", false, "use path-style s3 addressing")
	for _, name := range []string{
		"workspace", "json", "actor-id", "project", "db-driver", "dsn", "log-level", "policy-file",
		"archive", "archive-dir", "archive-bucket", "archive-region", "archive-endpoint", "archive-prefix", "archive-path-style",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(workPackageCmd())
	rootCmd.AddCommand(toleranceCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(lessonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		Driver:     viper.GetString("db-driver"),
		DSN:        viper.GetString("dsn"),
		PolicyFile: viper.GetString("policy-file"),
		LogLevel:   viper.GetString("log-level"),
		Archive: archive.Options{
			Driver:    viper.GetString("archive"),
			Dir:       viper.GetString("archive-dir"),
			Bucket:    viper.GetString("archive-bucket"),
			Region:    viper.GetString("archive-region"),
			Endpoint:  viper.GetString("archive-endpoint"),
			Prefix:    viper.GetString("archive-prefix"),
			PathStyle: viper.GetBool("archive-path-style"),
		},
	}
}

func withApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, appOptions(), func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// withProject resolves the target project before calling fn.
func withProject(ctx context.Context, fn func(ctx context.Context, e engine.Engine, projectID string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

// printJSONOrTable prints v as JSON with --json, otherwise through render.
// A nil render prints indented JSON.
func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return data, nil
}

func optionalString(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
