package retention

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/metrics"
	"github.com/livinglabs/livelab/internal/notify"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/store"
)

// EventSource is the source name on events emitted by the engine.
const EventSource = "retention"

// Failure operations recorded in a SweepReport.
const (
	OpQuery  = "get_query"
	OpUser   = "get_user"
	OpNotify = "notify"
	OpDelete = "delete"
	OpNotice = "deletion_notice"
)

// Failure is a side effect that failed for one run.
type Failure struct {
	RunID string
	Op    string
	Err   error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	ID       string
	Window   Window
	Duration time.Duration
	Warned   []string
	Deleted  []string
	Skipped  []SkippedRun
	Failures []Failure
}

// Counts returns the report totals.
func (r *SweepReport) Counts() metrics.SweepCounts {
	return metrics.SweepCounts{
		Warned:   len(r.Warned),
		Deleted:  len(r.Deleted),
		Skipped:  len(r.Skipped),
		Failures: len(r.Failures),
	}
}

// RunEvent is the payload of retention.run.* events.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	QueryID    string    `json:"query_id"`
	State      string    `json:"state"`
	Trigger    Trigger   `json:"trigger"`
	StaleSince time.Time `json:"stale_since"`
	DeleteAt   time.Time `json:"delete_at"`
}

// SweepEvent is the payload of retention.sweep.completed events.
type SweepEvent struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Warned   int       `json:"warned"`
	Deleted  int       `json:"deleted"`
	Skipped  int       `json:"skipped"`
	Failures int       `json:"failures"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes retention events on b.
func WithBus(b bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics records sweeps in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine runs retention sweeps against a store.
type Engine struct {
	store    store.Reader
	notifier notify.Notifier
	bus      bus.Bus
	metrics  *metrics.Metrics
	log      *logger.Logger

	policy          Policy
	interval        time.Duration
	reactivationURL string
	notifyOnDelete  bool
}

// NewEngine creates a retention engine.
func NewEngine(cfg config.RetentionConfig, st store.Reader, n notify.Notifier, opts ...Option) (*Engine, error) {
	policy := PolicyFromConfig(cfg)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		return nil, apperrors.ConfigurationError("retention sweep interval must be positive")
	}
	if st == nil || n == nil {
		return nil, apperrors.ConfigurationError("retention engine needs a store and a notifier")
	}

	e := &Engine{
		store:           st,
		notifier:        n,
		policy:          policy,
		interval:        cfg.Interval,
		reactivationURL: cfg.ReactivationURL,
		notifyOnDelete:  cfg.NotifyOnDelete,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	return e, nil
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Interval returns the configured sweep interval.
func (e *Engine) Interval() time.Duration {
	return e.interval
}

// Sweep runs one sweep over the window (now-Interval, now].
func (e *Engine) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	return e.SweepWindow(ctx, Window{From: now.Add(-e.interval), To: now})
}

// Plan loads the active runs and their queries and plans a sweep over w
// without performing any side effect. Query lookups that fail for reasons
// other than NotFound are returned as failures and their runs left out of
// the plan.
func (e *Engine) Plan(ctx context.Context, w Window) (SweepPlan, []Failure, error) {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == "" {
			code = apperrors.CodeInternal
		}
		return SweepPlan{}, nil, apperrors.Wrap(code, "listing active runs", err)
	}

	queries := make(map[string]*store.Query)
	lookupErrs := make(map[string]error)
	for _, run := range runs {
		if _, seen := queries[run.QueryID]; seen {
			continue
		}
		if _, seen := lookupErrs[run.QueryID]; seen {
			continue
		}
		q, err := e.store.GetQuery(ctx, run.QueryID)
		switch {
		case err == nil:
			queries[run.QueryID] = q
		case apperrors.IsNotFound(err):
			queries[run.QueryID] = nil
		default:
			lookupErrs[run.QueryID] = err
		}
	}

	var failures []Failure
	planned := runs[:0:0]
	for _, run := range runs {
		if err, failed := lookupErrs[run.QueryID]; failed {
			failures = append(failures, Failure{RunID: run.ID, Op: OpQuery, Err: err})
			continue
		}
		planned = append(planned, run)
	}

	return Plan(planned, queries, w, e.policy), failures, nil
}

// SweepWindow runs one sweep over an explicit window. Failures affecting a
// single run are recorded in the report and do not stop the sweep. An
// error is returned only when the runs cannot be listed or ctx ends.
func (e *Engine) SweepWindow(ctx context.Context, w Window) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{ID: uuid.NewString(), Window: w}
	log := e.log.With("sweep_id", report.ID)

	plan, failures, err := e.Plan(ctx, w)
	if err != nil {
		report.Duration = time.Since(start)
		e.metrics.RecordSweep(w.To, report.Duration, report.Counts(), err)
		log.Error("Sweep aborted", "error", err)
		return report, err
	}
	report.Failures = failures
	report.Skipped = plan.Skipped

	for _, s := range plan.Skipped {
		log.Warn("Skipping run", "run_id", s.Run.ID, "query_id", s.Run.QueryID, "reason", s.Reason.Error())
	}

	users := make(map[string]*store.User)
	for _, item := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, report, start, err)
		}
		e.deleteRun(ctx, report, item, users)
	}
	for _, item := range plan.Notify {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, report, start, err)
		}
		e.warnRun(ctx, report, item, users)
	}

	return e.finish(ctx, report, start, nil)
}

func (e *Engine) finish(ctx context.Context, report *SweepReport, start time.Time, err error) (*SweepReport, error) {
	report.Duration = time.Since(start)
	counts := report.Counts()
	e.metrics.RecordSweep(report.Window.To, report.Duration, counts, err)

	e.publish(context.WithoutCancel(ctx), report.ID, bus.TopicSweepDone, SweepEvent{
		From:     report.Window.From,
		To:       report.Window.To,
		Warned:   counts.Warned,
		Deleted:  counts.Deleted,
		Skipped:  counts.Skipped,
		Failures: counts.Failures,
	})

	msg := "Sweep completed"
	if err != nil {
		msg = "Sweep interrupted"
	}
	e.log.Info(msg,
		"sweep_id", report.ID,
		"to", report.Window.To,
		"warned", counts.Warned,
		"deleted", counts.Deleted,
		"skipped", counts.Skipped,
		"failures", counts.Failures,
		"duration", report.Duration,
	)
	return report, err
}

func (e *Engine) deleteRun(ctx context.Context, report *SweepReport, item Item, users map[string]*store.User) {
	run := item.Run
	log := e.log.WithRun(run.ID, run.UserID)

	if err := e.store.DeleteRun(ctx, run.ID); err != nil {
		if !apperrors.IsNotFound(err) {
			log.WithError(err).Error("Failed to delete run")
			report.Failures = append(report.Failures, Failure{RunID: run.ID, Op: OpDelete, Err: err})
			return
		}
		log.Debug("Run already deleted")
	}

	report.Deleted = append(report.Deleted, run.ID)
	log.Info("Deleted run", "trigger", string(item.Verdict.Trigger), "stale_since", item.Verdict.StaleSince)
	e.publish(ctx, report.ID, bus.TopicRunDeleted, e.runEvent(item))

	if !e.notifyOnDelete {
		return
	}
	user, err := e.user(ctx, run.UserID, users)
	if err == nil {
		subject, body := deletionMessage(run.ID, item.Verdict)
		err = e.notifier.Notify(ctx, *user, subject, body)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to send deletion notice")
		report.Failures = append(report.Failures, Failure{RunID: run.ID, Op: OpNotice, Err: err})
	}
}

func (e *Engine) warnRun(ctx context.Context, report *SweepReport, item Item, users map[string]*store.User) {
	run := item.Run
	log := e.log.WithRun(run.ID, run.UserID)

	user, err := e.user(ctx, run.UserID, users)
	if err != nil {
		log.WithError(err).Error("Failed to resolve run owner")
		report.Failures = append(report.Failures, Failure{RunID: run.ID, Op: OpUser, Err: err})
		return
	}

	subject, body := warningMessage(run.ID, item.Verdict, e.policy, e.reactivationURL)
	if err := e.notifier.Notify(ctx, *user, subject, body); err != nil {
		log.WithError(err).Error("Failed to send warning")
		report.Failures = append(report.Failures, Failure{RunID: run.ID, Op: OpNotify, Err: err})
		return
	}

	report.Warned = append(report.Warned, run.ID)
	log.Info("Warned run owner",
		"trigger", string(item.Verdict.Trigger),
		"delete_at", item.Verdict.DeleteAt(e.policy),
	)
	e.publish(ctx, report.ID, bus.TopicRunWarned, e.runEvent(item))
}

func (e *Engine) user(ctx context.Context, id string, cache map[string]*store.User) (*store.User, error) {
	if u, ok := cache[id]; ok {
		return u, nil
	}
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = u
	return u, nil
}

func (e *Engine) runEvent(item Item) RunEvent {
	return RunEvent{
		RunID:      item.Run.ID,
		UserID:     item.Run.UserID,
		QueryID:    item.Run.QueryID,
		State:      item.Verdict.State.String(),
		Trigger:    item.Verdict.Trigger,
		StaleSince: item.Verdict.StaleSince,
		DeleteAt:   item.Verdict.DeleteAt(e.policy),
	}
}

func (e *Engine) publish(ctx context.Context, sweepID, topic string, payload any) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(topic, EventSource, payload)
	event.CorrelationID = sweepID
	if err := e.bus.Publish(ctx, topic, event); err != nil {
		e.log.Warn("Failed to publish retention event", "topic", topic, "error", err.Error())
	}
}
