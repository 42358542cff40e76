// Package simulator drives simulated users against a site: it fetches
// rankings, generates cascade-model clicks and submits them as feedback.
package simulator

import (
	"math/rand/v2"
	"time"

	"github.com/livinglabs/livelab/internal/clickmodel"
)

// RandomSource supplies the randomness of a simulation. *rand.Rand from
// math/rand/v2 satisfies it.
type RandomSource interface {
	Float64() float64
	IntN(n int) int
}

// NewRandom returns a seeded source. A zero seed draws one from the clock.
func NewRandom(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Click is the outcome for one ranked document.
type Click struct {
	DocID   string
	Grade   int
	Clicked bool
}

// SimulateSession scans ranking top-down. Each document is clicked with
// the click probability of its grade; after a click the user stops with
// the stop probability of that grade. Documents below the stopping point
// are returned unclicked. Unlabelled documents have grade 0.
func SimulateSession(ranking []string, labels map[string]int, model clickmodel.Model, rng RandomSource) []Click {
	clicks := make([]Click, len(ranking))
	stopped := false

	for pos, docID := range ranking {
		grade := labels[docID]
		clicks[pos] = Click{DocID: docID, Grade: grade}
		if stopped {
			continue
		}
		if rng.Float64() < model.ClickProbability(grade) {
			clicks[pos].Clicked = true
			if rng.Float64() < model.StopProbability(grade) {
				stopped = true
			}
		}
	}

	return clicks
}

// ClickCount returns the number of clicked documents.
func ClickCount(clicks []Click) int {
	n := 0
	for _, c := range clicks {
		if c.Clicked {
			n++
		}
	}
	return n
}
