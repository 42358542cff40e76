// Package retention decides when participant runs go stale, warns their
// owners and deletes runs that were not reactivated in time.
package retention

import (
	"time"

	"github.com/livinglabs/livelab/internal/config"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/store"
)

// State is the retention state of a run. It is derived on every sweep and
// never stored.
type State int

const (
	Active State = iota
	StaleByAge
	StaleByDoclist
	Deleted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case StaleByAge:
		return "STALE_BY_AGE"
	case StaleByDoclist:
		return "STALE_BY_DOCLIST"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Stale reports whether the run is awaiting reactivation.
func (s State) Stale() bool {
	return s == StaleByAge || s == StaleByDoclist
}

// Trigger names what made a run stale.
type Trigger string

const (
	TriggerNone    Trigger = ""
	TriggerAge     Trigger = "age"
	TriggerDoclist Trigger = "doclist"
)

// Policy holds the retention thresholds.
type Policy struct {
	// AgeThreshold is how long a run may go without resubmission.
	AgeThreshold time.Duration
	// ReactivationPeriod is the grace period between going stale and
	// deletion.
	ReactivationPeriod time.Duration
}

// PolicyFromConfig extracts the policy from the retention configuration.
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	return Policy{AgeThreshold: cfg.AgeThreshold, ReactivationPeriod: cfg.ReactivationPeriod}
}

// Validate checks the thresholds.
func (p Policy) Validate() error {
	if p.AgeThreshold <= 0 {
		return apperrors.ConfigurationError("retention age threshold must be positive")
	}
	if p.ReactivationPeriod < 0 {
		return apperrors.ConfigurationError("retention reactivation period must not be negative")
	}
	return nil
}

// Verdict is the classification of one run at one instant.
type Verdict struct {
	State State
	// StaleSince is when the run entered its stale state. Zero for active
	// runs.
	StaleSince time.Time
	Trigger    Trigger
}

// DeleteAt is when a stale run becomes deletable.
func (v Verdict) DeleteAt(p Policy) time.Time {
	if v.StaleSince.IsZero() {
		return time.Time{}
	}
	return v.StaleSince.Add(p.ReactivationPeriod)
}

// Classify derives the retention state of run at now. A nil query, or one
// whose document list was never replaced, can only make the run stale by
// age. When both triggers apply the document list wins.
func Classify(run store.Run, query *store.Query, now time.Time, p Policy) Verdict {
	var v Verdict

	switch {
	case query != nil && query.DoclistModified != nil && run.ModifiedTime.Before(*query.DoclistModified):
		v = Verdict{State: StaleByDoclist, StaleSince: *query.DoclistModified, Trigger: TriggerDoclist}
	case run.ModifiedTime.Before(now.Add(-p.AgeThreshold)):
		v = Verdict{State: StaleByAge, StaleSince: run.ModifiedTime.Add(p.AgeThreshold), Trigger: TriggerAge}
	default:
		return Verdict{State: Active}
	}

	if now.Sub(v.StaleSince) >= p.ReactivationPeriod {
		v.State = Deleted
	}
	return v
}
