package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/client"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/evaluation"
	"github.com/livinglabs/livelab/internal/metrics"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/pkg/security"
	"github.com/livinglabs/livelab/internal/simulator"
	"github.com/livinglabs/livelab/internal/trec"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate user clicks against a site's rankings",
		Long: `Repeatedly fetch a ranking for a random labelled query, simulate a user
clicking through it and submit the clicks as feedback.

Every --key runs its own campaign concurrently. Interrupt to stop; the
report is printed either way.`,
		RunE: runSimulate,
	}

	cmd.Flags().String("qrels", "", "TREC qrels file with relevance labels (required)")
	cmd.Flags().StringSlice("key", nil, "site API key, repeatable (default from config)")
	cmd.Flags().Int("iterations", 0, "sessions per campaign, 0 runs until interrupted (default from config)")
	cmd.Flags().Int64("seed", 0, "random seed, campaign i uses seed+i (default from config)")
	_ = cmd.MarkFlagRequired("qrels")

	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	qrelsPath, _ := cmd.Flags().GetString("qrels")
	keys, _ := cmd.Flags().GetStringSlice("key")
	if cmd.Flags().Changed("iterations") {
		cfg.Simulator.Iterations, _ = cmd.Flags().GetInt("iterations")
	}
	if cmd.Flags().Changed("seed") {
		cfg.Simulator.Seed, _ = cmd.Flags().GetInt64("seed")
	}
	if len(keys) == 0 && cfg.API.Key != "" {
		keys = []string{cfg.API.Key}
	}
	if len(keys) == 0 {
		return fmt.Errorf("no site key given: use --key or LL_API_KEY")
	}

	if err := security.ValidateInputPath(qrelsPath); err != nil {
		return err
	}
	judgments, err := trec.LoadQrels(qrelsPath)
	if err != nil {
		return err
	}
	if cfg.Simulator.HashIDs {
		judgments = judgments.Rekey(trec.SiteID)
	}

	m := metrics.New()
	history, err := metrics.NewHistory(cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer func() { _ = eventBus.Close() }()
	instrumented := bus.NewInstrumentedBus(eventBus, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	campaigns := make([]*simulator.Campaign, len(keys))
	for i, key := range keys {
		c, err := newCampaign(cfg, key, int64(i), judgments, log, m, history, instrumented)
		if err != nil {
			return err
		}
		campaigns[i] = c
	}

	log.Info("Starting simulation",
		"campaigns", len(campaigns),
		"queries", len(judgments.Queries()),
		"api", cfg.API.BaseURL,
	)

	reports := make([]*simulator.Report, len(campaigns))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range campaigns {
		g.Go(func() error {
			reports[i] = c.Run(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range reports {
		printCampaignReport(cmd.OutOrStdout(), r)
	}
	return nil
}

func newCampaign(cfg *config.Config, key string, offset int64, judgments evaluation.Judgments,
	log *logger.Logger, m *metrics.Metrics, history metrics.History, b bus.Bus) (*simulator.Campaign, error) {
	settings, err := simulator.SettingsFromConfig(key, cfg.Simulator)
	if err != nil {
		return nil, err
	}

	api := client.New(client.Config{
		BaseURL:             cfg.API.BaseURL,
		Key:                 key,
		Timeout:             cfg.API.Timeout,
		RequestsPerSecond:   cfg.API.RequestsPerSecond,
		MaxFeedbackAttempts: cfg.API.MaxFeedbackAttempts,
		RetryBackoff:        cfg.API.RetryBackoff,
		RetryBackoffMax:     cfg.API.RetryBackoffMax,
	})

	seed := cfg.Simulator.Seed
	if seed != 0 {
		seed += offset
	}

	log.Debug("Campaign configured", "site", security.MaskSecret(key), "seed", seed)
	return simulator.NewCampaign(settings, api, judgments,
		simulator.WithLogger(log),
		simulator.WithMetrics(m),
		simulator.WithHistory(history),
		simulator.WithBus(b),
		simulator.WithRandom(simulator.NewRandom(seed)),
	)
}

func printCampaignReport(w io.Writer, r *simulator.Report) {
	fmt.Fprintf(w, "campaign %s (site %s)\n", r.CampaignID, security.MaskSecret(r.Site))
	fmt.Fprintf(w, "  iterations: %d  sessions: %d  clicks: %d\n", r.Iterations, r.Sessions, r.Clicks)
	fmt.Fprintf(w, "  ranking failures: %d  feedback failures: %d  retries: %d\n",
		r.RankingFailures, r.FeedbackFailures, r.FeedbackRetries)
	if r.Cancelled {
		fmt.Fprintln(w, "  stopped early")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  query\tndcg")
	for _, res := range r.SortedNDCG() {
		fmt.Fprintf(tw, "  %s\t%.4f\n", res.QueryID, res.NDCG)
	}
	fmt.Fprintf(tw, "  mean\t%.4f\n", r.MeanNDCG)
	_ = tw.Flush()
}
