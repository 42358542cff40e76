package retention

import (
	"fmt"
	"time"
)

const (
	warningSubject  = "Outdated run"
	deletionSubject = "Run deleted"
)

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

// warningMessage builds the email sent when a run goes stale.
func warningMessage(runID string, v Verdict, p Policy, reactivationURL string) (string, string) {
	period := days(p.ReactivationPeriod)

	var body string
	if v.Trigger == TriggerDoclist {
		body = fmt.Sprintf("Your run %s is older than the corresponding document list, "+
			"it will be deactivated in %d days.", runID, period)
	} else {
		body = fmt.Sprintf("Your run %s is older than the set age threshold of %d days. "+
			"The run will be deleted in %d days.", runID, days(p.AgeThreshold), period)
	}
	body += fmt.Sprintf(" If this run is valuable, you can reactivate it via %s inside the "+
		"reactivation period. After %d days, it is not possible to reactivate anymore.",
		reactivationURL, period)

	return warningSubject, body
}

// deletionMessage builds the optional notice sent after a run is deleted.
func deletionMessage(runID string, v Verdict) (string, string) {
	if v.Trigger == TriggerDoclist {
		return deletionSubject, fmt.Sprintf("Your run %s is past the reactivation period "+
			"(document list obsolete) and will be deleted.", runID)
	}
	return deletionSubject, fmt.Sprintf("Your outdated run %s is past the reactivation "+
		"period and will be deleted.", runID)
}
