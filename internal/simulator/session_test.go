package simulator

import (
	"math"
	"testing"

	"github.com/livinglabs/livelab/internal/clickmodel"
)

// scriptedRandom replays fixed draws and fails the test when it runs dry.
type scriptedRandom struct {
	t      *testing.T
	floats []float64
	ints   []int
}

func (r *scriptedRandom) Float64() float64 {
	if len(r.floats) == 0 {
		r.t.Fatal("unexpected Float64 draw")
	}
	f := r.floats[0]
	r.floats = r.floats[1:]
	return f
}

func (r *scriptedRandom) IntN(n int) int {
	if len(r.ints) == 0 {
		return 0
	}
	i := r.ints[0] % n
	r.ints = r.ints[1:]
	return i
}

func clicked(clicks []Click) []bool {
	out := make([]bool, len(clicks))
	for i, c := range clicks {
		out[i] = c.Clicked
	}
	return out
}

func TestSimulateSession(t *testing.T) {
	labels := map[string]int{"d1": 2, "d2": 1, "d3": 0}
	ranking := []string{"d1", "d2", "d3"}

	tests := []struct {
		name   string
		floats []float64
		want   []bool
	}{
		{
			name:   "stop after second click",
			floats: []float64{0.9, 0.95, 0.4, 0.1},
			want:   []bool{true, true, false},
		},
		{
			name:   "stop draw only after a click",
			floats: []float64{0.99, 0.6, 0.01, 0.5},
			want:   []bool{false, false, true},
		},
		{
			name:   "stop on first click",
			floats: []float64{0.0, 0.0},
			want:   []bool{true, false, false},
		},
		{
			name:   "no clicks",
			floats: []float64{0.96, 0.5, 0.05},
			want:   []bool{false, false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := &scriptedRandom{t: t, floats: tt.floats}
			clicks := SimulateSession(ranking, labels, clickmodel.Default(), rng)

			got := clicked(clicks)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("clicks = %v, want %v", got, tt.want)
				}
			}
			if len(rng.floats) != 0 {
				t.Errorf("%d draws left unused", len(rng.floats))
			}
			for i, c := range clicks {
				if c.DocID != ranking[i] || c.Grade != labels[ranking[i]] {
					t.Errorf("click %d = %+v", i, c)
				}
			}
		})
	}
}

func TestSimulateSessionUnlabelled(t *testing.T) {
	rng := &scriptedRandom{t: t, floats: []float64{0.04, 0.9}}
	clicks := SimulateSession([]string{"unknown"}, nil, clickmodel.Default(), rng)
	if !clicks[0].Clicked || clicks[0].Grade != 0 {
		t.Errorf("unlabelled document should use grade 0: %+v", clicks[0])
	}
}

func TestSimulateSessionEmpty(t *testing.T) {
	if clicks := SimulateSession(nil, nil, clickmodel.Default(), &scriptedRandom{t: t}); len(clicks) != 0 {
		t.Errorf("SimulateSession(nil) = %v", clicks)
	}
}

// Click rate depends on the grade only, never on the rank.
func TestClickRateIndependentOfPosition(t *testing.T) {
	model := clickmodel.Model{Click: []float64{0.1, 0.5}, Stop: []float64{0, 0}}
	ranking := []string{"a", "b", "c", "d"}
	labels := map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}
	rng := NewRandom(42)

	const sessions = 20000
	counts := make([]int, len(ranking))
	for i := 0; i < sessions; i++ {
		for pos, c := range SimulateSession(ranking, labels, model, rng) {
			if c.Clicked {
				counts[pos]++
			}
		}
	}

	for pos, n := range counts {
		rate := float64(n) / sessions
		if math.Abs(rate-0.5) > 0.02 {
			t.Errorf("click rate at position %d = %.3f, want about 0.5", pos, rate)
		}
	}
}

func TestNewRandomReproducible(t *testing.T) {
	a, b := NewRandom(7), NewRandom(7)
	for i := 0; i < 10; i++ {
		if a.Float64() != b.Float64() {
			t.Fatal("same seed should give the same sequence")
		}
	}
}

func TestClickCount(t *testing.T) {
	if n := ClickCount([]Click{{Clicked: true}, {}, {Clicked: true}}); n != 2 {
		t.Errorf("ClickCount() = %d, want 2", n)
	}
}
