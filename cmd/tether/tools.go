package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/five82/tether/internal/app"
	"github.com/five82/tether/internal/config"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/logtail"
	"github.com/five82/tether/internal/validate"
)

func newDiscoverCmd(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery and persist the result",
		Long: `discover probes the cached port first (unless --force), then scans the
configured range in batches. The lowest answering port wins. Do not run it
while a worker is active; the worker already does this continuously.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags, "discover", flags.verbose)
			if err != nil {
				return err
			}
			defer env.Close()

			out := newPrinter(cmd.OutOrStdout())
			progress := newPrinter(cmd.ErrOrStderr())
			res, err := app.Discover(cmd.Context(), env, force, func(current, total int) {
				progress.Muted("scanned %d/%d", current, total)
			})
			if err != nil {
				return fmt.Errorf("discover in %s: %w", env.Range, err)
			}
			if res.CacheHit {
				out.Success("daemon on port %d (cached)", res.Port)
			} else {
				out.Success("daemon on port %d (%d probed)", res.Port, res.Probed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the cached port and scan the whole range")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted port and check it live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags, "status", flags.verbose)
			if err != nil {
				return err
			}
			defer env.Close()

			report := app.Status(cmd.Context(), env)
			if asJSON {
				return printStatusJSON(cmd, report)
			}

			out := newPrinter(cmd.OutOrStdout())
			if report.CachedPort != nil {
				out.Field("Port", fmt.Sprint(*report.CachedPort))
			} else {
				out.Field("Port", "-")
			}
			out.Field("Range", env.Range.String())
			out.Field("Store", fmt.Sprintf("%s %s", env.Config.Store.Backend, env.Config.Store.Path))
			out.Field("Theme", string(report.Theme))
			if report.BusUp {
				out.Field("Worker", "running on "+env.Config.Bus.Bind)
			} else {
				out.Field("Worker", "not running")
			}
			if report.Health != nil {
				out.Success("daemon %s %s is %s", report.Health.App, report.Health.Version, report.Health.Status)
			} else {
				out.Failure("daemon unreachable: %v", report.HealthErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printStatusJSON(cmd *cobra.Command, report app.StatusReport) error {
	payload := map[string]any{
		"port":      report.CachedPort,
		"theme":     report.Theme,
		"workerUp":  report.BusUp,
		"checkedAt": report.CheckedAt,
		"health":    report.Health,
	}
	if report.HealthErr != nil {
		payload["error"] = report.HealthErr.Error()
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <kind> <value>",
		Short: "Check a value with the form validators",
		Long: `validate runs one of the built-in validators: port, url, path, number,
text or select.`,
		Example: "  tether validate port 9090\n  tether validate url http://localhost:9090",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := validate.New()
			kind := strings.ToLower(strings.TrimSpace(args[0]))
			if !slices.Contains(svc.Kinds(), kind) {
				return fmt.Errorf("unknown kind %q (known: %s)", args[0], strings.Join(svc.Kinds(), ", "))
			}
			res := svc.Validate(kind, args[1], nil)
			out := newPrinter(cmd.OutOrStdout())
			if !res.Valid {
				out.Failure("%s", res.Error)
				return errors.New("invalid value")
			}
			out.Success("valid %s", kind)
			return nil
		},
	}
}

func newResetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the persisted port and preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags, "reset", flags.verbose)
			if err != nil {
				return err
			}
			defer env.Close()

			app.Reset(cmd.Context(), env)
			newPrinter(cmd.OutOrStdout()).Success("cleared persisted state in %s", env.Config.Store.Path)
			return nil
		},
	}
}

func newLogsCmd(flags *rootFlags) *cobra.Command {
	var (
		lines   int
		level   string
		ctxName string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the tether log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			minLevel := slog.LevelDebug
			if level != "" {
				if minLevel, err = logging.ParseLevel(level); err != nil {
					return err
				}
			}

			raw, err := logtail.Read(cfg.Log.File, lines)
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			if len(raw) == 0 {
				out.Muted("no log output in %s", cfg.Log.File)
				return nil
			}
			filter := logtail.Filter{MinLevel: minLevel, Context: ctxName}
			for _, line := range filter.Apply(raw) {
				out.Println(logtail.Colorize(line))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to read")
	cmd.Flags().StringVar(&level, "level", "", "minimum level: debug, info, warn, error")
	cmd.Flags().StringVar(&ctxName, "context", "", "only records from this context (worker, popup, ...)")
	return cmd
}
