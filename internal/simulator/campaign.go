package simulator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/client"
	"github.com/livinglabs/livelab/internal/clickmodel"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/evaluation"
	"github.com/livinglabs/livelab/internal/metrics"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
)

// EventSource is the source name on events emitted by campaigns.
const EventSource = "simulator"

// API is the part of the site API a campaign needs. *client.Client
// implements it.
type API interface {
	GetRanking(ctx context.Context, siteQID string) (*client.Ranking, error)
	PutFeedback(ctx context.Context, fb client.Feedback) (int, error)
}

// Settings controls a campaign's pacing and click behaviour.
type Settings struct {
	// Site labels metrics, history and events, usually the site key.
	Site string
	// Iterations bounds the number of sessions. Zero runs until cancelled.
	Iterations int
	MinWait    time.Duration
	MaxWait    time.Duration
	Model      clickmodel.Model
}

// SettingsFromConfig builds campaign settings for a site.
func SettingsFromConfig(site string, cfg config.SimulatorConfig) (Settings, error) {
	model, err := clickmodel.New(cfg.ClickProbabilities, cfg.StopProbabilities)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Site:       site,
		Iterations: cfg.Iterations,
		MinWait:    cfg.MinWait,
		MaxWait:    cfg.MaxWait,
		Model:      model,
	}, nil
}

// Report summarizes a campaign.
type Report struct {
	CampaignID       string
	Site             string
	Iterations       int
	Sessions         int
	Clicks           int
	RankingFailures  int
	FeedbackFailures int
	FeedbackRetries  int
	PerQueryNDCG     map[string]float64
	MeanNDCG         float64
	Cancelled        bool
}

// SessionEvent is the payload of campaign.feedback.submitted events.
type SessionEvent struct {
	Site    string  `json:"site"`
	QueryID string  `json:"query_id"`
	SID     string  `json:"sid"`
	Clicks  int     `json:"clicks"`
	NDCG    float64 `json:"ndcg"`
}

// Option configures a Campaign.
type Option func(*Campaign)

// WithLogger sets the campaign logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Campaign) { c.log = log }
}

// WithMetrics records sessions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Campaign) { c.metrics = m }
}

// WithHistory appends the running mean NDCG to h after every session.
func WithHistory(h metrics.History) Option {
	return func(c *Campaign) { c.history = h }
}

// WithBus publishes session and completion events on b.
func WithBus(b bus.Bus) Option {
	return func(c *Campaign) { c.bus = b }
}

// WithRandom sets the random source. Campaigns sharing a source are not
// safe to run concurrently.
func WithRandom(rng RandomSource) Option {
	return func(c *Campaign) { c.rng = rng }
}

// Campaign repeatedly simulates a user session for one site.
type Campaign struct {
	settings  Settings
	api       API
	evaluator *evaluation.Evaluator
	queries   []string

	rng     RandomSource
	log     *logger.Logger
	metrics *metrics.Metrics
	history metrics.History
	bus     bus.Bus
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewCampaign creates a campaign over the labelled queries of judgments.
func NewCampaign(settings Settings, api API, judgments evaluation.Judgments, opts ...Option) (*Campaign, error) {
	if err := settings.Model.Validate(); err != nil {
		return nil, err
	}
	if settings.Iterations < 0 {
		return nil, apperrors.ConfigurationError("iterations must not be negative")
	}
	if settings.MinWait < 0 || settings.MaxWait < settings.MinWait {
		return nil, apperrors.ConfigurationError("wait bounds must satisfy 0 <= min <= max")
	}
	if api == nil {
		return nil, apperrors.ConfigurationError("campaign needs an API client")
	}

	queries := judgments.Queries()
	if len(queries) == 0 {
		return nil, apperrors.ValidationError("no labelled queries to simulate")
	}

	c := &Campaign{
		settings:  settings,
		api:       api,
		evaluator: evaluation.NewEvaluator(judgments),
		queries:   queries,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = NewRandom(0)
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	return c, nil
}

// Evaluator returns the evaluator holding the campaign's per-query results.
func (c *Campaign) Evaluator() *evaluation.Evaluator {
	return c.evaluator
}

// Run simulates sessions until the iteration budget is spent or ctx is
// cancelled. Cancellation is honored between sessions and while waiting;
// a request already in flight is allowed to finish. Ranking and feedback
// failures are counted and the campaign moves on.
func (c *Campaign) Run(ctx context.Context) *Report {
	report := &Report{
		CampaignID: uuid.NewString(),
		Site:       c.settings.Site,
	}
	ctx = context.WithValue(ctx, logger.CampaignIDKey, report.CampaignID)
	log := c.log.WithContext(ctx).WithSite(c.settings.Site)

	log.Info("Campaign starting",
		"queries", len(c.queries),
		"iterations", c.settings.Iterations,
	)

	for i := 0; c.settings.Iterations == 0 || i < c.settings.Iterations; i++ {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Iterations++
		c.session(ctx, log, report)

		if c.settings.Iterations > 0 && i == c.settings.Iterations-1 {
			break
		}
		if err := c.sleep(ctx, c.wait()); err != nil {
			report.Cancelled = true
			break
		}
	}

	c.finish(ctx, log, report)
	return report
}

// session runs one simulated user session.
func (c *Campaign) session(ctx context.Context, log *logger.Logger, report *Report) {
	site := c.settings.Site
	qid := c.queries[c.rng.IntN(len(c.queries))]
	qlog := log.WithQuery(qid)

	callCtx := context.WithoutCancel(ctx)

	ranking, err := c.api.GetRanking(callCtx, qid)
	if err != nil {
		report.RankingFailures++
		c.metrics.RecordRankingFailure(site)
		qlog.WithError(err).Warn("Failed to get ranking")
		return
	}

	docIDs := ranking.DocIDs()
	result := c.evaluator.Record(qid, docIDs)
	clicks := SimulateSession(docIDs, c.evaluator.Judgments()[qid], c.settings.Model, c.rng)

	attempts, err := c.api.PutFeedback(callCtx, feedback(ranking, qid, clicks))
	if attempts > 1 {
		report.FeedbackRetries += attempts - 1
	}
	c.metrics.RecordFeedback(site, attempts, err)
	if err != nil {
		report.FeedbackFailures++
		qlog.WithError(err).Warn("Failed to submit feedback", "sid", ranking.SID, "attempts", attempts)
	} else {
		n := ClickCount(clicks)
		report.Sessions++
		report.Clicks += n
		c.metrics.RecordSession(site, n)
		qlog.Debug("Submitted feedback", "sid", ranking.SID, "clicks", n, "ndcg", result.NDCG)
		c.publish(callCtx, report.CampaignID, bus.TopicFeedbackSubmitted, SessionEvent{
			Site:    site,
			QueryID: qid,
			SID:     ranking.SID,
			Clicks:  n,
			NDCG:    result.NDCG,
		})
	}

	mean := c.evaluator.Summary().MeanNDCG
	c.metrics.SetMeanNDCG(site, mean)
	if c.history != nil {
		dp := metrics.DataPoint{Timestamp: time.Now(), Value: mean}
		if err := c.history.Save(callCtx, metrics.NDCGSeries(site), dp); err != nil {
			qlog.WithError(err).Warn("Failed to save NDCG history")
		}
	}
}

func (c *Campaign) finish(ctx context.Context, log *logger.Logger, report *Report) {
	results := c.evaluator.Results()
	report.PerQueryNDCG = make(map[string]float64, len(results))
	for _, r := range results {
		report.PerQueryNDCG[r.QueryID] = r.NDCG
	}
	report.MeanNDCG = evaluation.Summarize(results).MeanNDCG

	c.publish(context.WithoutCancel(ctx), report.CampaignID, bus.TopicCampaignDone, report)

	log.Info("Campaign finished",
		"iterations", report.Iterations,
		"sessions", report.Sessions,
		"clicks", report.Clicks,
		"ranking_failures", report.RankingFailures,
		"feedback_failures", report.FeedbackFailures,
		"feedback_retries", report.FeedbackRetries,
		"mean_ndcg", report.MeanNDCG,
		"cancelled", report.Cancelled,
	)
}

// wait draws a pause uniformly from [MinWait, MaxWait].
func (c *Campaign) wait() time.Duration {
	span := c.settings.MaxWait - c.settings.MinWait
	if span <= 0 {
		return c.settings.MinWait
	}
	return c.settings.MinWait + time.Duration(c.rng.Float64()*float64(span))
}

func (c *Campaign) publish(ctx context.Context, campaignID, topic string, payload any) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(topic, EventSource, payload)
	event.CorrelationID = campaignID
	if err := c.bus.Publish(ctx, topic, event); err != nil {
		c.log.Warn("Failed to publish campaign event", "topic", topic, "error", err.Error())
	}
}

// feedback builds the feedback body for a session. Only clicked documents
// carry the clicked flag.
func feedback(ranking *client.Ranking, qid string, clicks []Click) client.Feedback {
	fb := client.Feedback{
		SID:     ranking.SID,
		SiteQID: qid,
		Type:    "clicks",
		Doclist: make([]client.FeedbackDoc, len(clicks)),
	}
	for i, c := range clicks {
		fb.Doclist[i] = client.FeedbackDoc{SiteDocID: c.DocID, Clicked: c.Clicked}
	}
	return fb
}

// SortedNDCG returns the per-query NDCG of a report ordered by query ID.
func (r *Report) SortedNDCG() []evaluation.EvaluationResult {
	out := make([]evaluation.EvaluationResult, 0, len(r.PerQueryNDCG))
	for q, v := range r.PerQueryNDCG {
		out = append(out, evaluation.EvaluationResult{QueryID: q, NDCG: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryID < out[j].QueryID })
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
