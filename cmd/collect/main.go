// Command collect runs one collection outside the long-running service and
// inspects the run audit trail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mr1hm/go-weather-ingest/internal/app"
	"github.com/mr1hm/go-weather-ingest/internal/config"
	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/logging"
	"github.com/mr1hm/go-weather-ingest/internal/models"
	"github.com/mr1hm/go-weather-ingest/internal/repository"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sources string
	root := &cobra.Command{
		Use:           "collect",
		Short:         "One-shot weather collection runs",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if sources != "" {
				os.Setenv("SOURCES_FILE", sources)
			}
		},
	}
	root.PersistentFlags().StringVar(&sources, "sources", "", "sources file (default $SOURCES_FILE or ./sources.yaml)")

	root.AddCommand(newRunCmd(), newRunsCmd(), newReapCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		locations  []string
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "run ADAPTER...",
		Short: "Collect the given adapters now and print the finished run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(start, end)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(a *app.App) error {
				req := ingestion.Request{Adapters: args, Window: w}
				for _, id := range locations {
					loc, err := a.DB.GetLocation(ctx, id)
					if err != nil {
						return err
					}
					if loc == nil {
						return fmt.Errorf("unknown location %q", id)
					}
					req.Locations = append(req.Locations, *loc)
				}

				run, err := a.Manager.Run(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, run); err != nil {
					return err
				}
				if run.Status == models.RunFailed {
					return fmt.Errorf("run %d failed", run.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&locations, "location", "l", nil, "location ids (default: every configured target)")
	cmd.Flags().StringVar(&start, "start", "", "window start, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "window end (exclusive)")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var f repository.RunFilter
	var status string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent collection runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = models.RunStatus(status)
			return withApp(cmd.Context(), func(a *app.App) error {
				runs, err := a.DB.ListRuns(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Adapter, "adapter", "", "only runs that included this adapter")
	cmd.Flags().StringVar(&status, "status", "", "running, success, partial or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail runs left running longer than the configured stale_after",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Manager.ReapStale(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d runs\n", n)
				return nil
			})
		},
	}
}

func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level)

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseWindow accepts RFC 3339 timestamps or dates. Both empty means the
// configured lookback.
func parseWindow(start, end string) (models.Window, error) {
	if start == "" && end == "" {
		return models.Window{}, nil
	}
	if start == "" || end == "" {
		return models.Window{}, fmt.Errorf("--start and --end must be given together")
	}
	s, err := parseTime(start)
	if err != nil {
		return models.Window{}, fmt.Errorf("--start: %w", err)
	}
	e, err := parseTime(end)
	if err != nil {
		return models.Window{}, fmt.Errorf("--end: %w", err)
	}
	w := models.Window{Start: s, End: e}
	return w, w.Validate()
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
