package retention

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/metrics"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/store"
)

// faultyStore wraps a MemoryStore and fails selected calls.
type faultyStore struct {
	*store.MemoryStore
	listErr     error
	queryErr    map[string]error
	deleteErr   map[string]error
	userErr     map[string]error
	deleteCalls []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: store.NewMemoryStore(),
		queryErr:    map[string]error{},
		deleteErr:   map[string]error{},
		userErr:     map[string]error{},
	}
}

func (s *faultyStore) ListActiveRuns(ctx context.Context) ([]store.Run, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListActiveRuns(ctx)
}

func (s *faultyStore) GetQuery(ctx context.Context, id string) (*store.Query, error) {
	if err := s.queryErr[id]; err != nil {
		return nil, err
	}
	return s.MemoryStore.GetQuery(ctx, id)
}

func (s *faultyStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	if err := s.userErr[id]; err != nil {
		return nil, err
	}
	return s.MemoryStore.GetUser(ctx, id)
}

func (s *faultyStore) DeleteRun(ctx context.Context, id string) error {
	s.deleteCalls = append(s.deleteCalls, id)
	if err := s.deleteErr[id]; err != nil {
		return err
	}
	return s.MemoryStore.DeleteRun(ctx, id)
}

type sentMessage struct {
	UserID  string
	Subject string
	Body    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool
}

func (n *recordingNotifier) Notify(ctx context.Context, user store.User, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[user.ID] {
		return apperrors.ServiceUnavailableError("mailer")
	}
	n.sent = append(n.sent, sentMessage{UserID: user.ID, Subject: subject, Body: body})
	return nil
}

func testConfig() config.RetentionConfig {
	return config.RetentionConfig{
		AgeThreshold:       30 * day,
		ReactivationPeriod: 7 * day,
		Interval:           day,
		ReactivationURL:    "http://example.org/runs",
	}
}

type fixture struct {
	store    *faultyStore
	notifier *recordingNotifier
	bus      *bus.MemoryBus
	metrics  *metrics.Metrics
	engine   *Engine
}

func newFixture(t *testing.T, cfg config.RetentionConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFaultyStore(),
		notifier: &recordingNotifier{fail: map[string]bool{}},
		bus:      bus.NewMemoryBus(nil),
		metrics:  metrics.New(),
	}
	t.Cleanup(func() { f.bus.Close() })

	e, err := NewEngine(cfg, f.store, f.notifier, WithBus(f.bus), WithMetrics(f.metrics))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) addRun(t *testing.T, id, userID, queryID string, modified time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.PutUser(ctx, store.User{ID: userID, Email: userID + "@example.org"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SubmitRun(ctx, store.Run{ID: id, UserID: userID, QueryID: queryID, ModifiedTime: modified}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addQuery(t *testing.T, id string, doclist *time.Time) {
	t.Helper()
	if err := f.store.PutQuery(context.Background(), store.Query{ID: id, DoclistModified: doclist}); err != nil {
		t.Fatal(err)
	}
}

func TestNewEngineValidation(t *testing.T) {
	st := store.NewMemoryStore()
	n := &recordingNotifier{}

	tests := []struct {
		name   string
		mutate func(*config.RetentionConfig)
	}{
		{"zero age threshold", func(c *config.RetentionConfig) { c.AgeThreshold = 0 }},
		{"negative reactivation", func(c *config.RetentionConfig) { c.ReactivationPeriod = -day }},
		{"zero interval", func(c *config.RetentionConfig) { c.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewEngine(cfg, st, n); !apperrors.IsConfiguration(err) {
				t.Errorf("NewEngine() error = %v, want configuration error", err)
			}
		})
	}

	if _, err := NewEngine(testConfig(), nil, n); !apperrors.IsConfiguration(err) {
		t.Errorf("NewEngine(nil store) error = %v, want configuration error", err)
	}
}

func TestSweepScenarios(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q-age", nil)
	f.addQuery(t, "q-doclist", ptr(at(-12*time.Hour)))

	f.addRun(t, "old", "u1", "q-age", at(-40*day))
	f.addRun(t, "young", "u2", "q-age", at(-25*day))
	f.addRun(t, "outdated", "u3", "q-doclist", at(-10*day))

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if strings.Join(report.Deleted, ",") != "old" {
		t.Errorf("Deleted = %v, want [old]", report.Deleted)
	}
	if strings.Join(report.Warned, ",") != "outdated" {
		t.Errorf("Warned = %v, want [outdated]", report.Warned)
	}
	if len(report.Failures) != 0 || len(report.Skipped) != 0 {
		t.Errorf("unexpected failures %+v / skipped %+v", report.Failures, report.Skipped)
	}

	runs, _ := f.store.ListActiveRuns(context.Background())
	if len(runs) != 2 {
		t.Errorf("remaining runs = %d, want 2", len(runs))
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.notifier.sent))
	}
	msg := f.notifier.sent[0]
	if msg.UserID != "u3" || msg.Subject != "Outdated run" {
		t.Errorf("message = %+v", msg)
	}
	for _, want := range []string{"outdated", "document list", "7 days", "http://example.org/runs"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body %q missing %q", msg.Body, want)
		}
	}

	expected := `
# HELP livelab_retention_runs_deleted_total Runs deleted after their reactivation period expired.
# TYPE livelab_retention_runs_deleted_total counter
livelab_retention_runs_deleted_total 1
# HELP livelab_retention_runs_warned_total Runs whose owners were warned of pending deletion.
# TYPE livelab_retention_runs_warned_total counter
livelab_retention_runs_warned_total 1
`
	if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected),
		"livelab_retention_runs_deleted_total", "livelab_retention_runs_warned_total"); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestSweepAgeWarningWording(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "r1", "u1", "q1", at(-30*day-time.Hour))

	if _, err := f.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.notifier.sent))
	}
	body := f.notifier.sent[0].Body
	for _, want := range []string{"r1", "age threshold of 30 days", "deleted in 7 days"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", ptr(at(-5*day)))
	f.addRun(t, "r1", "u1", "q1", at(-10*day))

	// Daily sweeps from ten days ago until now warn exactly once.
	for i := 10; i >= 0; i-- {
		if _, err := f.engine.Sweep(context.Background(), at(-time.Duration(i)*day)); err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("sent %d warnings, want 1", len(f.notifier.sent))
	}

	// Re-sweeping the current window emits nothing new once the run has
	// been warned in an earlier window.
	if _, err := f.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("sent %d warnings after re-sweep, want 1", len(f.notifier.sent))
	}
}

func TestSweepReactivation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "r1", "u1", "q1", at(-31*day))

	// Resubmission inside the reactivation period.
	if _, err := f.store.SubmitRun(context.Background(), store.Run{UserID: "u1", QueryID: "q1", ModifiedTime: at(-day)}); err != nil {
		t.Fatal(err)
	}

	// A week later the run would have been deleted without the resubmission.
	report, err := f.engine.Sweep(context.Background(), at(7*day))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(report.Deleted) != 0 || len(report.Warned) != 0 {
		t.Errorf("report = %+v, want no side effects", report)
	}
}

func TestSweepFailureIsolation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addQuery(t, "q2", ptr(at(-time.Hour)))
	f.addRun(t, "del-fails", "u1", "q1", at(-40*day))
	f.addRun(t, "del-ok", "u2", "q1", at(-45*day))
	f.addRun(t, "notify-fails", "u3", "q2", at(-2*day))
	f.addRun(t, "user-missing", "u4", "q2", at(-3*day))
	f.addRun(t, "warn-ok", "u5", "q2", at(-4*day))

	f.store.deleteErr["del-fails"] = apperrors.ServiceUnavailableError("store")
	f.notifier.fail["u3"] = true
	f.store.userErr["u4"] = apperrors.NotFoundError("user u4")

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if strings.Join(report.Deleted, ",") != "del-ok" {
		t.Errorf("Deleted = %v, want [del-ok]", report.Deleted)
	}
	if strings.Join(report.Warned, ",") != "warn-ok" {
		t.Errorf("Warned = %v, want [warn-ok]", report.Warned)
	}

	got := map[string]string{}
	for _, fl := range report.Failures {
		got[fl.RunID] = fl.Op
	}
	want := map[string]string{"del-fails": OpDelete, "notify-fails": OpNotify, "user-missing": OpUser}
	if len(got) != len(want) {
		t.Fatalf("failures = %+v, want %v", report.Failures, want)
	}
	for id, op := range want {
		if got[id] != op {
			t.Errorf("failure for %s = %q, want %q", id, got[id], op)
		}
	}

	counts := report.Counts()
	if counts.Failures != 3 || counts.Deleted != 1 || counts.Warned != 1 {
		t.Errorf("Counts() = %+v", counts)
	}
}

func TestSweepMissingQuery(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addRun(t, "orphan", "u1", "gone", at(-40*day))

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Run.ID != "orphan" {
		t.Fatalf("Skipped = %+v, want orphan", report.Skipped)
	}
	if !apperrors.IsNotFound(report.Skipped[0].Reason) {
		t.Errorf("reason = %v, want not found", report.Skipped[0].Reason)
	}
	if len(f.store.deleteCalls) != 0 {
		t.Errorf("DeleteRun called for %v", f.store.deleteCalls)
	}
}

func TestSweepQueryLookupFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addQuery(t, "q2", nil)
	f.addRun(t, "r1", "u1", "q1", at(-40*day))
	f.addRun(t, "r2", "u2", "q2", at(-40*day))
	f.store.queryErr["q1"] = apperrors.ServiceUnavailableError("store")

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if strings.Join(report.Deleted, ",") != "r2" {
		t.Errorf("Deleted = %v, want [r2]", report.Deleted)
	}
	if len(report.Failures) != 1 || report.Failures[0].Op != OpQuery {
		t.Errorf("Failures = %+v, want one query failure", report.Failures)
	}
}

func TestSweepListFailureAborts(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.listErr = apperrors.ServiceUnavailableError("store")

	_, err := f.engine.Sweep(context.Background(), testNow)
	if !apperrors.IsUnavailable(err) {
		t.Errorf("Sweep() error = %v, want unavailable", err)
	}

	f.store.listErr = errors.New("disk on fire")
	_, err = f.engine.Sweep(context.Background(), testNow)
	if apperrors.CodeOf(err) != apperrors.CodeInternal {
		t.Errorf("Sweep() error code = %q, want internal", apperrors.CodeOf(err))
	}
}

func TestSweepDeleteNotFoundCountsAsDeleted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "r1", "u1", "q1", at(-40*day))
	f.store.deleteErr["r1"] = apperrors.NotFoundError("run r1")

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 1 || len(report.Failures) != 0 {
		t.Errorf("report = %+v, want one deletion and no failures", report)
	}
}

func TestSweepDeletionNotice(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyOnDelete = true
	f := newFixture(t, cfg)
	f.addQuery(t, "q1", nil)
	f.addQuery(t, "q2", ptr(at(-9*day)))
	f.addRun(t, "aged", "u1", "q1", at(-40*day))
	f.addRun(t, "obsolete", "u2", "q2", at(-10*day))

	if _, err := f.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.sent) != 2 {
		t.Fatalf("sent %d notices, want 2", len(f.notifier.sent))
	}
	sort.Slice(f.notifier.sent, func(i, j int) bool { return f.notifier.sent[i].UserID < f.notifier.sent[j].UserID })

	if s := f.notifier.sent[0]; s.Subject != "Run deleted" || !strings.Contains(s.Body, "Your outdated run aged") {
		t.Errorf("age notice = %+v", s)
	}
	if s := f.notifier.sent[1]; !strings.Contains(s.Body, "document list obsolete") {
		t.Errorf("doclist notice = %+v", s)
	}
}

func TestSweepPublishesEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "gone", "u1", "q1", at(-40*day))
	f.addRun(t, "warned", "u2", "q1", at(-30*day-time.Hour))

	var mu sync.Mutex
	var wg sync.WaitGroup
	events := map[string]bus.Event{}
	for _, topic := range []string{bus.TopicRunDeleted, bus.TopicRunWarned, bus.TopicSweepDone} {
		wg.Add(1)
		if err := f.bus.Subscribe(context.Background(), topic, func(ctx context.Context, e bus.Event) error {
			mu.Lock()
			events[e.Type] = e
			mu.Unlock()
			wg.Done()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := f.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for retention events")
	}

	mu.Lock()
	defer mu.Unlock()
	for topic, e := range events {
		if e.CorrelationID != report.ID {
			t.Errorf("%s correlation = %q, want sweep ID %q", topic, e.CorrelationID, report.ID)
		}
		if e.Source != EventSource {
			t.Errorf("%s source = %q", topic, e.Source)
		}
	}
	deleted, ok := events[bus.TopicRunDeleted].Payload.(RunEvent)
	if !ok || deleted.RunID != "gone" || deleted.State != "DELETED" {
		t.Errorf("deleted payload = %+v", events[bus.TopicRunDeleted].Payload)
	}
	warned, ok := events[bus.TopicRunWarned].Payload.(RunEvent)
	if !ok || warned.RunID != "warned" || !warned.DeleteAt.Equal(at(7*day-time.Hour)) {
		t.Errorf("warned payload = %+v", events[bus.TopicRunWarned].Payload)
	}
	if done, ok := events[bus.TopicSweepDone].Payload.(SweepEvent); !ok || done.Deleted != 1 || done.Warned != 1 {
		t.Errorf("sweep payload = %+v", events[bus.TopicSweepDone].Payload)
	}
}

func TestSweepCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "r1", "u1", "q1", at(-40*day))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Sweep(ctx, testNow)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sweep() error = %v, want context.Canceled", err)
	}
	if report == nil || len(report.Deleted) != 0 {
		t.Errorf("report = %+v, want nothing deleted", report)
	}
}

// cancellingNotifier cancels the sweep context after the first message.
type cancellingNotifier struct {
	recordingNotifier
	cancel context.CancelFunc
}

func (n *cancellingNotifier) Notify(ctx context.Context, user store.User, subject, body string) error {
	err := n.recordingNotifier.Notify(ctx, user, subject, body)
	n.cancel()
	return err
}

func TestSweepCancelledMidwayRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newFaultyStore()
	n := &cancellingNotifier{cancel: cancel}
	m := metrics.New()
	e, err := NewEngine(testConfig(), st, n, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: st}
	f.addQuery(t, "q1", ptr(at(-12*time.Hour)))
	f.addRun(t, "r1", "u1", "q1", at(-2*day))
	f.addRun(t, "r2", "u2", "q1", at(-2*day))

	report, err := e.Sweep(ctx, testNow)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sweep() error = %v, want context.Canceled", err)
	}
	if len(report.Warned) != 1 {
		t.Errorf("Warned = %v, want exactly one run before cancellation", report.Warned)
	}

	expected := `
# HELP livelab_retention_sweeps_total Retention sweeps by result.
# TYPE livelab_retention_sweeps_total counter
livelab_retention_sweeps_total{result="failed"} 1
# HELP livelab_retention_runs_warned_total Runs whose owners were warned of pending deletion.
# TYPE livelab_retention_runs_warned_total counter
livelab_retention_runs_warned_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"livelab_retention_sweeps_total", "livelab_retention_runs_warned_total"); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestEnginePlanHasNoSideEffects(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addQuery(t, "q1", nil)
	f.addRun(t, "r1", "u1", "q1", at(-40*day))

	plan, failures, err := f.engine.Plan(context.Background(), Window{From: at(-day), To: testNow})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Delete) != 1 || len(failures) != 0 {
		t.Errorf("plan = %+v, failures = %+v", plan, failures)
	}
	if len(f.store.deleteCalls) != 0 || len(f.notifier.sent) != 0 {
		t.Error("Plan() performed side effects")
	}
}
