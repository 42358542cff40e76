package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/notify"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and re-deliver audited events",
		Long: `Read the event log written by the retention daemon and the simulator,
re-publish logged events after a mailer outage, or follow a Kafka topic.`,
	}

	cmd.PersistentFlags().String("topic", "", "only events of this topic")
	cmd.PersistentFlags().Duration("since", 0, "only events logged within this duration")
	cmd.PersistentFlags().Int("limit", 0, "maximum number of events (0 = all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print logged events",
			Args:  cobra.NoArgs,
			RunE:  runEventsList,
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Publish logged events of one topic again",
			Long: `Publish logged events of --topic on the configured bus, oldest first.
Replayed events are not logged a second time. On the memory bus replayed
notify.email events are delivered to the log.`,
			Args: cobra.NoArgs,
			RunE: runEventsReplay,
		},
		&cobra.Command{
			Use:   "tail",
			Short: "Print events of one topic as they arrive on Kafka",
			Args:  cobra.NoArgs,
			RunE:  runEventsTail,
		},
	)
	return cmd
}

func eventFilter(cmd *cobra.Command) bus.Filter {
	topic, _ := cmd.Flags().GetString("topic")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	f := bus.Filter{Topic: topic, Limit: limit}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f
}

func openEventLog(cfg *config.Config) (*bus.EventLogger, error) {
	if cfg.Bus.EventLog == "" {
		return nil, apperrors.ConfigurationError("no event log configured (set bus.event_log or LL_EVENT_LOG)")
	}
	return bus.NewEventLogger(cfg.Bus.EventLog, true)
}

func runEventsList(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	l, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	events, err := l.Events(eventFilter(cmd))
	if err != nil {
		return err
	}
	printEvents(cmd.OutOrStdout(), events)
	return nil
}

func runEventsReplay(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	f := eventFilter(cmd)
	if f.Topic == "" {
		return apperrors.ValidationError("replay needs --topic")
	}

	l, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	n, err := replayEvents(cmd.Context(), cfg.Bus, l, f, log)
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s) on %s\n", n, f.Topic)
	return err
}

// replayEvents publishes the logged events matching f on a bus built from
// busCfg without its event log, then closes the bus so in-process handlers
// finish.
func replayEvents(ctx context.Context, busCfg config.BusConfig, l *bus.EventLogger, f bus.Filter, log *logger.Logger) (int, error) {
	busCfg.EventLog = ""
	b, err := bus.NewBus(busCfg, log)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.Close() }()

	if err := notify.SubscribeMailer(ctx, busCfg, b, log); err != nil {
		return 0, err
	}

	n, err := l.Replay(ctx, b, f)
	if err != nil {
		log.Error("Replay stopped", "replayed", n, "error", err)
		return n, err
	}
	log.Info("Replay finished", "topic", f.Topic, "replayed", n)
	return n, nil
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	topic, _ := cmd.Flags().GetString("topic")
	if topic == "" {
		return apperrors.ValidationError("tail needs --topic")
	}
	if !strings.EqualFold(cfg.Bus.Type, "kafka") {
		return apperrors.ConfigurationError("tail needs the kafka bus; events on the memory bus never leave their process")
	}

	busCfg := cfg.Bus
	busCfg.EventLog = ""
	b, err := bus.NewBus(busCfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Subscribe(ctx, topic, eventPrinter(cmd.OutOrStdout())); err != nil {
		return err
	}
	log.Info("Following topic", "topic", topic, "group", cfg.Bus.KafkaGroup)

	<-ctx.Done()
	return nil
}

// eventPrinter returns a handler writing each event as one JSON line.
// Handlers may run concurrently.
func eventPrinter(w io.Writer) bus.Handler {
	var mu sync.Mutex
	return func(ctx context.Context, event bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
}

func printEvents(w io.Writer, events []bus.LoggedEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOGGED\tTOPIC\tEVENT\tCORRELATION\tSOURCE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.ID, e.Event.CorrelationID, e.Event.Source)
	}
	_ = tw.Flush()
}
