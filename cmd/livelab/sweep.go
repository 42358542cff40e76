package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/metrics"
	"github.com/livinglabs/livelab/internal/notify"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/retention"
	"github.com/livinglabs/livelab/internal/store"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply the run retention policy once",
		Long: `Classify every active run and, for the window ending now, warn the
owners of newly outdated runs and delete runs past the reactivation period.

With --dry-run nothing is sent or deleted; the planned actions are printed.`,
		RunE: runSweep,
	}

	cmd.Flags().Bool("dry-run", false, "print the plan without notifying or deleting")
	cmd.Flags().String("now", "", "evaluate as of this RFC 3339 time instead of the current time")

	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	now := time.Now()
	if v, _ := cmd.Flags().GetString("now"); v != "" {
		now, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer func() { _ = eventBus.Close() }()

	engine, err := newEngine(cmd.Context(), cfg, st, eventBus, metrics.New(), log)
	if err != nil {
		return err
	}

	window, err := sweepWindow(cmd.Context(), st, engine.Interval(), now)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun {
		plan, failures, err := engine.Plan(cmd.Context(), window)
		if err != nil {
			return err
		}
		printPlan(out, plan, failures, engine.Policy())
		return nil
	}

	report, err := engine.SweepWindow(cmd.Context(), window)
	if err != nil {
		return err
	}
	if err := st.SetLastSweepEnd(cmd.Context(), window.To); err != nil {
		log.Error("Saving sweep checkpoint failed", "error", err)
	}
	printSweepReport(out, report)
	return nil
}

// sweepWindow starts at the end of the last recorded sweep so a manual
// sweep does not repeat warnings the daemon already sent. Without a
// checkpoint it covers one interval. A checkpoint at or after now yields
// an empty window, in which only deletions happen.
func sweepWindow(ctx context.Context, cp store.Checkpoint, interval time.Duration, now time.Time) (retention.Window, error) {
	last, err := cp.LastSweepEnd(ctx)
	if err != nil {
		return retention.Window{}, err
	}
	switch {
	case last.IsZero():
		return retention.Window{From: now.Add(-interval), To: now}, nil
	case !now.After(last):
		return retention.Window{From: now, To: now}, nil
	default:
		return retention.Window{From: last, To: now}, nil
	}
}

// newEngine wires a retention engine. Warnings are published on the bus;
// without a broker they are delivered to the log.
func newEngine(ctx context.Context, cfg *config.Config, st store.Reader, b bus.Bus, m *metrics.Metrics, log *logger.Logger) (*retention.Engine, error) {
	eventBus := bus.NewInstrumentedBus(b, m)
	notifier, err := notify.NewNotifier(ctx, cfg.Bus, eventBus, retention.EventSource, log)
	if err != nil {
		return nil, err
	}

	return retention.NewEngine(cfg.Retention, st, notifier,
		retention.WithBus(eventBus),
		retention.WithMetrics(m),
		retention.WithLogger(log),
	)
}

func printPlan(w io.Writer, plan retention.SweepPlan, failures []retention.Failure, p retention.Policy) {
	fmt.Fprintf(w, "would delete %d run(s)\n", len(plan.Delete))
	for _, item := range plan.Delete {
		fmt.Fprintf(w, "  %s  user=%s  %s since %s\n", item.Run.ID, item.Run.UserID,
			item.Verdict.State, item.Verdict.StaleSince.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "would warn %d run(s)\n", len(plan.Notify))
	for _, item := range plan.Notify {
		fmt.Fprintf(w, "  %s  user=%s  %s, deleted at %s\n", item.Run.ID, item.Run.UserID,
			item.Verdict.State, item.Verdict.DeleteAt(p).Format(time.RFC3339))
	}
	printProblems(w, plan.Skipped, failures)
}

func printSweepReport(w io.Writer, r *retention.SweepReport) {
	fmt.Fprintf(w, "sweep %s over (%s, %s] took %s\n", r.ID,
		r.Window.From.Format(time.RFC3339), r.Window.To.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "deleted %d run(s)\n", len(r.Deleted))
	for _, id := range r.Deleted {
		fmt.Fprintf(w, "  %s\n", id)
	}
	fmt.Fprintf(w, "warned %d run(s)\n", len(r.Warned))
	for _, id := range r.Warned {
		fmt.Fprintf(w, "  %s\n", id)
	}
	printProblems(w, r.Skipped, r.Failures)
}

func printProblems(w io.Writer, skipped []retention.SkippedRun, failures []retention.Failure) {
	if len(skipped) > 0 {
		fmt.Fprintf(w, "skipped %d run(s)\n", len(skipped))
		for _, s := range skipped {
			fmt.Fprintf(w, "  %s  %v\n", s.Run.ID, s.Reason)
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(w, "%d failure(s)\n", len(failures))
		for _, f := range failures {
			fmt.Fprintf(w, "  %s  %s: %v\n", f.RunID, f.Op, f.Err)
		}
	}
}
