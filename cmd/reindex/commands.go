package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"ladderlegends/internal/config"
	"ladderlegends/internal/db"
	"ladderlegends/internal/discord"
	"ladderlegends/internal/index"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/reindex"
)

type rootOptions struct {
	concurrency int
	format      string // text or json
	notify      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "reindex",
		Short:         "Validate and rebuild per-user replay indexes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().IntVarP(&opts.concurrency, "concurrency", "c", 4, "users processed in parallel")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.notify, "notify", false, "post a summary to DISCORD_WEBHOOK_URL")

	cmd.AddCommand(newUserCommand(opts), newValidateCommand(opts), newAllCommand(opts))
	return cmd
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "user <user-id>...",
		Short: "Rebuild the index of the given users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, opts, func(r *reindex.Runner) error {
				var outcomes []reindex.Outcome
				for _, userID := range args {
					o, err := r.User(cmd.Context(), userID)
					if err != nil {
						return err
					}
					outcomes = append(outcomes, o)
				}
				return printReport(cmd.OutOrStdout(), opts.format, reindex.Report{Outcomes: outcomes})
			})
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "validate [user-id]...",
		Short: "Check indexes against the record store (all users when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, opts, func(r *reindex.Runner) error {
				report, err := r.Validate(cmd.Context(), args, fix)
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), opts.format, report)
			})
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "rebuild invalid indexes")
	return cmd
}

func newAllCommand(opts *rootOptions) *cobra.Command {
	var onlyInvalid bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Rebuild every user's index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, opts, func(r *reindex.Runner) error {
				report, err := r.All(cmd.Context(), onlyInvalid)
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), opts.format, report)
			})
		},
	}
	cmd.Flags().BoolVar(&onlyInvalid, "only-invalid", false, "skip indexes that validate")
	return cmd
}

// withRunner opens the store from the environment and hands a runner to fn.
func withRunner(cmd *cobra.Command, opts *rootOptions, fn func(*reindex.Runner) error) error {
	config.LoadEnvFile(config.EnvPaths...)
	cfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	// stdout carries the report
	logCfg.Console = cmd.ErrOrStderr()
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := db.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL, cfg.TursoAuthToken)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	runOpts := reindex.Options{Concurrency: opts.concurrency, Logger: logger}
	if opts.notify {
		if cfg.DiscordWebhookURL == "" {
			return errors.New("--notify needs DISCORD_WEBHOOK_URL")
		}
		runOpts.Notifier = discord.NewWebhookClient(cfg.DiscordWebhookURL)
	}
	indexes := index.NewService(store, store, nil, index.Options{Logger: logger})
	return fn(reindex.NewRunner(store, indexes, runOpts))
}

type outcomeJSON struct {
	reindex.Outcome
	Error string `json:"error,omitempty"`
}

func printReport(w io.Writer, format string, report reindex.Report) error {
	if format == "json" {
		rows := make([]outcomeJSON, 0, len(report.Outcomes))
		for _, o := range report.Outcomes {
			row := outcomeJSON{Outcome: o}
			if o.Err != nil {
				row.Error = o.Err.Error()
			}
			rows = append(rows, row)
		}
		s := report.Summary()
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"users":    rows,
			"rebuilt":  s.Rebuilt,
			"invalid":  s.Invalid,
			"failed":   s.Failed,
			"duration": report.Duration.String(),
		})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tVALID\tREBUILT\tREPLAYS\tERROR")
	for _, o := range report.Outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%d\t%s\n", o.UserID, o.Valid, o.Rebuilt, o.ReplayCount, errText)
	}
	s := report.Summary()
	fmt.Fprintf(tw, "\n%d users, %d rebuilt, %d invalid, %d failed in %s\n",
		s.Users, s.Rebuilt, s.Invalid, s.Failed, report.Duration.Round(time.Millisecond))
	return tw.Flush()
}
