package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/analytics"
	"github.com/PiGrieco/mcp-memory-server/internal/app"
	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/doctor"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"github.com/PiGrieco/mcp-memory-server/internal/server/mcp"
	"github.com/PiGrieco/mcp-memory-server/internal/storage"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/PiGrieco/mcp-memory-server/internal/version"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-memory",
	Short: "mcp-memory - automatic memory for AI assistants",
	Long: `mcp-memory decides per message whether to remember it or recall related
memories, and serves the memory store to AI hosts over the Model Context Protocol.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(completionCmd)

	serveCmd.Flags().StringVar(&servePlatform, "platform", "", "Host platform tool table: "+strings.Join(mcp.PlatformNames(), ", "))
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	analyzeCmd.Flags().BoolVar(&analyzeApply, "apply", false, "Apply the decision: save and search the in-process store")
	analyzeCmd.Flags().StringVarP(&analyzeProject, "project", "p", "", "Project for an applied save")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesValidateCmd)

	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the analytics export as JSON")
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "Check for a newer release")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Print diagnostics as JSON")
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate the autocompletion script for the specified shell",
	Long: `Generate the autocompletion script for mcp-memory for the specified shell.
See each command's help for details on how to use the generated script.
	`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "mcp-memory v%s\n", version.Version)
		if !versionCheck {
			return nil
		}
		latest, err := version.CheckForUpdates(cmd.Context(), version.ReleasesURL)
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		if latest == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "You are running the latest release.")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "A newer release is available: v%s\n", latest)
		}
		return nil
	},
}

var (
	servePlatform    string
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Model Context Protocol server on stdin/stdout",
}

func runServeCmd(a *app.App, cmd *cobra.Command, args []string) error {
	cfg := a.Core.Config
	platformName := cfg.Platform
	if servePlatform != "" {
		platformName = servePlatform
	}
	platform, err := mcp.LookupPlatform(platformName)
	if err != nil {
		return err
	}

	metricsAddr := serveMetricsAddr
	if metricsAddr == "" && cfg.MetricsEnabled {
		metricsAddr = cfg.MetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start()
	server := mcp.NewServer(a.Engine, a.Store, a.Observers.Analytics, a.Observers.Metrics, a.Core.Logger.Named("mcp"), mcp.Options{
		Name:     "mcp-memory",
		Version:  version.Version,
		Platform: platform,
	})

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		httpServer := &http.Server{Addr: metricsAddr, Handler: otelhttp.NewHandler(metricsMux(), "mcp-memory-metrics"), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.Core.Logger.Info("Serving metrics", zap.String("addr", metricsAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer stop()
		err := server.Serve(gctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

var (
	analyzeApply   bool
	analyzeProject string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [message]",
	Short: "Show the save/search decision for a message",
	Args:  cobra.MinimumNArgs(1),
}

func runAnalyzeCmd(a *app.App, cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	var result any
	if analyzeApply {
		out, err := a.Engine.Handle(cmd.Context(), engine.Message{Text: text, Project: analyzeProject})
		if err != nil {
			return err
		}
		result = out
	} else {
		eval, err := a.Engine.Evaluate(cmd.Context(), text)
		if err != nil {
			return err
		}
		result = eval
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect trigger rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active trigger rules in priority order",
}

func runRulesListCmd(a *app.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-14s %-20s %8s  %s\n", "NAME", "KIND", "ACTION", "PRIORITY", "ENABLED")
	for _, r := range a.Trigger.Analyzer.Rules().Rules() {
		fmt.Fprintf(out, "%-20s %-14s %-20s %8d  %t\n", r.Name, r.Kind, r.Action, r.Priority, r.IsEnabled())
	}
	return nil
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a YAML rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := trigger.LoadRules(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: %d rules\n", args[0], rs.Len())
		return nil
	},
}

var doctorJSON bool

// doctorCmd runs without the application so that it can report on
// configurations the application refuses to start with.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostics on the configuration and optional backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		var db *storage.DB
		if cfg.SnapshotEnabled {
			if db, err = storage.Open(cfg.SnapshotPath); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "cannot open snapshot database: %v\n", err)
			} else {
				defer db.Close()
			}
		}

		diag := doctor.NewRunner(cfg, db).RunAll(cmd.Context())
		if doctorJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(diag); err != nil {
				return err
			}
		} else {
			diag.PrintReport(cmd.OutOrStdout())
		}
		if diag.Status != "healthy" {
			return fmt.Errorf("%d issue(s) found", len(diag.Issues))
		}
		return nil
	},
}

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage analytics from the latest snapshot",
}

func runStatsCmd(a *app.App, cmd *cobra.Command, args []string) error {
	summary := a.Observers.Analytics.Summary()
	if statsJSON {
		data, err := a.Observers.Analytics.Export()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), analytics.Render(summary, 30))
	return nil
}

// newAppRunner creates a Cobra RunE function that builds the app.App instance,
// runs runFunc and closes the app afterwards.
func newAppRunner(opts app.Options, runFunc func(*app.App, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer a.Close()

		if err := runFunc(a, cmd, args); err != nil {
			a.Core.Logger.Error("Command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}

func main() {
	// The stdio server must keep stderr quiet; interactive commands log there.
	serveCmd.RunE = newAppRunner(app.Options{IncludeStderr: false}, runServeCmd)
	analyzeCmd.RunE = newAppRunner(app.Options{IncludeStderr: true}, runAnalyzeCmd)
	rulesListCmd.RunE = newAppRunner(app.Options{IncludeStderr: true}, runRulesListCmd)
	statsCmd.RunE = newAppRunner(app.Options{IncludeStderr: true}, runStatsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
