package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/metrics"
	"github.com/livinglabs/livelab/internal/pkg/security"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read the NDCG history written by simulation campaigns",
		Long: `Read the mean NDCG series that 'livelab simulate' appends after every
session. Only the redis persistence outlives the simulator process.`,
	}

	show := &cobra.Command{
		Use:   "show SITE-KEY",
		Short: "Print the NDCG series of a site",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	show.Flags().Duration("since", 0, "only points within this duration (0 = all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored series",
			Args:  cobra.NoArgs,
			RunE:  runHistoryList,
		},
		show,
		&cobra.Command{
			Use:   "clear SITE-KEY",
			Short: "Delete the NDCG series of a site",
			Args:  cobra.ExactArgs(1),
			RunE:  runHistoryClear,
		},
	)
	return cmd
}

func openHistory(cmd *cobra.Command) (metrics.History, error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	h, err := metrics.NewHistory(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	log.Debug("History opened", "persistence", cfg.Metrics.Persistence, "ttl", cfg.Metrics.HistoryTTL)
	return h, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	h, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	names, err := h.Series(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "no series")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	h, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	var since time.Time
	if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
		since = time.Now().Add(-d)
	}
	points, err := h.Load(cmd.Context(), metrics.NDCGSeries(args[0]), since)
	if err != nil {
		return err
	}
	printHistory(cmd.OutOrStdout(), args[0], points)
	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	h, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	if err := h.Delete(cmd.Context(), metrics.NDCGSeries(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared history of site %s\n", security.MaskSecret(args[0]))
	return nil
}

func printHistory(w io.Writer, site string, points []metrics.DataPoint) {
	fmt.Fprintf(w, "site %s: %d point(s)\n", security.MaskSecret(site), len(points))
	if len(points) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMEAN NDCG")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%.4f\n", p.Timestamp.Format(time.RFC3339), p.Value)
	}
	_ = tw.Flush()
}
