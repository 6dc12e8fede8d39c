package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/config"
	"github.com/stellarlinkco/ctxkeeper/internal/gateway"
	"github.com/stellarlinkco/ctxkeeper/internal/health"
	"github.com/stellarlinkco/ctxkeeper/internal/pruner"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	scope      string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "ctxkeeper",
		Short:        "ctxkeeper - context window management for long-running sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ~/.ctxkeeper/config.*)")

	root.AddCommand(
		c.serveCmd(),
		c.countCmd(),
		c.pruneCmd(),
		c.archiveCmd(),
		c.restoreCmd(),
		c.healthCmd(),
		c.cleanupCmd(),
		c.statsCmd(),
	)
	return root
}

func (c *cli) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// open builds the components for one-shot commands. Logging goes to
// stderr so stdout stays clean for content.
func (c *cli) open() (*gateway.Gateway, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		return nil, err
	}
	return gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
}

func (c *cli) parseScope() (archive.Scope, error) {
	return archive.ParseScope(c.scope)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the workspace, monitor sessions and run maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			g, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
			if err != nil {
				return err
			}
			logger.Info("ctxkeeper starting",
				zap.String("workspace", cfg.Workspace.Dir),
				zap.String("archive_driver", cfg.Archive.Driver),
			)
			return g.Run(cmd.Context())
		},
	}
}

// readInput reads the file named by args[0], or stdin for "-" or no args.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(data), nil
}

func (c *cli) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count [file|-]",
		Short: "Count the tokens of an event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			res := g.Counter.Count(cmd.Context(), content)
			u := g.Counter.Usage(res.Tokens)
			level := g.Config().Monitor.Thresholds.Level(u.UsedPercentage)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tokens:    %d (%s)\n", res.Tokens, res.Source)
			fmt.Fprintf(out, "limit:     %d\n", u.Limit)
			fmt.Fprintf(out, "used:      %.1f%%\n", u.UsedPercentage)
			fmt.Fprintf(out, "remaining: %.1f%%\n", u.RemainingPercentage)
			fmt.Fprintf(out, "level:     %s\n", level)
			if u.ShouldCompact {
				fmt.Fprintln(out, "compaction recommended")
			}
			return nil
		},
	}
}

func (c *cli) pruneCmd() *cobra.Command {
	var (
		mode   string
		target float64
		output string
	)
	cmd := &cobra.Command{
		Use:   "prune [file|-]",
		Short: "Prune an event log and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := pruner.Mode(mode)
			if m != pruner.ModeSmart && m != pruner.ModeEmergency {
				return fmt.Errorf("unknown mode %q", mode)
			}
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			res := g.Pruner.Prune(cmd.Context(), content, target, m)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d -> %d tokens (%.0f%%), %d -> %d events, strategies %v\n",
				res.Mode, res.OriginalTokens, res.FinalTokens, res.Reduction*100,
				res.OriginalEvents, res.FinalEvents, res.Strategies)
			if output != "" {
				return os.WriteFile(output, []byte(res.Content), 0o644)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), res.Content)
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(pruner.ModeSmart), "smart or emergency")
	cmd.Flags().Float64Var(&target, "target", 0.3, "target reduction as a fraction")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the pruned log here instead of stdout")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a workspace session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := c.parseScope()
			if err != nil {
				return err
			}
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			s, err := g.Workspace.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			meta, err := g.Archive.Archive(cmd.Context(), s.ID, archive.SessionData{
				Content:      s.Content,
				LastActivity: s.LastActivity,
				EventsCount:  s.EventsCount,
				StackDepth:   s.StackDepth,
				CurrentTask:  s.CurrentTask,
			}, scope)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), meta)
		},
	}
	cmd.Flags().StringVar(&c.scope, "scope", string(archive.ScopeSession), "archive scope")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "restore <session-id>",
		Short: "Restore an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := c.parseScope()
			if err != nil {
				return err
			}
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			r, err := g.Archive.Restore(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			if r.IntegrityWarning {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: archived content does not match its fingerprint")
			}
			if !r.PerformanceMet {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: restore took %s\n", r.RestoreTime)
			}
			if write {
				return g.Workspace.Write(args[0], r.Content)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), r.Content)
			return err
		},
	}
	cmd.Flags().StringVar(&c.scope, "scope", string(archive.ScopeSession), "archive scope")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the restored log back into the workspace")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health [session-id]",
		Short: "Score the health of workspace sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()
			ctx := cmd.Context()

			var sessions []health.Session
			if len(args) == 1 {
				s, err := g.Workspace.Session(ctx, args[0])
				if err != nil {
					return err
				}
				sessions = []health.Session{s}
			} else if sessions, err = g.Workspace.Sessions(ctx); err != nil {
				return err
			}

			records := make([]health.Record, 0, len(sessions))
			for _, s := range sessions {
				rec, _, err := g.Maintainer.Assess(ctx, s)
				if err != nil {
					return fmt.Errorf("health of %s: %w", s.ID, err)
				}
				records = append(records, rec)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSCORE\tLEVEL\tFRESH\tUSAGE\tINTEGRITY\tCOMPRESS\tEFFICIENCY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%.2f\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
					r.SessionID, r.Overall, r.Level, r.Scores.Freshness, r.Scores.Usage,
					r.Scores.Integrity, r.Scores.Compression, r.Scores.Efficiency)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	return cmd
}

func (c *cli) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired deep-sleep archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			report, err := g.Archive.CleanupExpired(cmd.Context(), days)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d, deleted %d, freed %d bytes\n", report.Scanned, report.Deleted, report.BytesFreed)
			for _, e := range report.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			if len(report.Errors) > 0 {
				return errors.New("cleanup finished with errors")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (0 uses the per-scope default)")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show archive counts per scope and level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.open()
			if err != nil {
				return err
			}
			defer g.Shutdown()

			stats, err := g.Archive.Stats(cmd.Context())
			if stats == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			out := cmd.OutOrStdout()
			for _, sc := range archive.Scopes {
				st := stats[sc]
				fmt.Fprintf(out, "%s: %d archives, %d bytes\n", sc, st.Count, st.Bytes)
				levels := make([]string, 0, len(st.ByLevel))
				for l := range st.ByLevel {
					levels = append(levels, l)
				}
				sort.Strings(levels)
				for _, l := range levels {
					fmt.Fprintf(out, "  %s: %d\n", l, st.ByLevel[l])
				}
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
