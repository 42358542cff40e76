package retention

import (
	"time"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/store"
)

// Window is the half-open interval (From, To] covered by one sweep.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether From < t <= To.
func (w Window) Contains(t time.Time) bool {
	return t.After(w.From) && !t.After(w.To)
}

// Item is a run together with its classification.
type Item struct {
	Run     store.Run
	Verdict Verdict
}

// SkippedRun is a run that could not be classified.
type SkippedRun struct {
	Run    store.Run
	Reason error
}

// SweepPlan lists the side effects one sweep has to perform.
type SweepPlan struct {
	Notify  []Item
	Delete  []Item
	Skipped []SkippedRun
}

// Plan classifies runs at window.To. Deletable runs go to Delete. Stale
// runs whose stale state began inside the window go to Notify, so a run is
// warned by exactly one sweep of a contiguous sequence of windows. Runs
// whose query is absent from queries are skipped.
func Plan(runs []store.Run, queries map[string]*store.Query, window Window, p Policy) SweepPlan {
	var plan SweepPlan

	for _, run := range runs {
		query, ok := queries[run.QueryID]
		if !ok || query == nil {
			plan.Skipped = append(plan.Skipped, SkippedRun{
				Run:    run,
				Reason: apperrors.NotFoundError("query " + run.QueryID),
			})
			continue
		}

		v := Classify(run, query, window.To, p)
		switch {
		case v.State == Deleted:
			plan.Delete = append(plan.Delete, Item{Run: run, Verdict: v})
		case v.State.Stale() && window.Contains(v.StaleSince):
			plan.Notify = append(plan.Notify, Item{Run: run, Verdict: v})
		}
	}

	return plan
}
