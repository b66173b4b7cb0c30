package pricing

import (
	"testing"

	"genstudio/internal/models"
)

func TestEstimateTable(t *testing.T) {
	e := NewEstimator(10)

	cases := []struct {
		name     string
		duration int
		res      string
		provider string
		want     int64
	}{
		{"30s 720p stability", 30, models.Resolution720p, "stability", 5},
		{"30s 720p runway", 30, models.Resolution720p, "runway", 6},
		{"30s 1080p stability", 30, models.Resolution1080p, "stability", 8},
		{"60s 4K veo3", 60, models.Resolution4K, "veo3", 60},
		{"zero duration clamps to one", 0, models.Resolution720p, "stability", 1},
		{"one second clamps up", 1, models.Resolution720p, "stability", 1},
		{"unknown provider gets no multiplier", 60, models.Resolution720p, "other", 10},
	}
	for _, tc := range cases {
		if got := e.Estimate(tc.duration, tc.res, tc.provider); got != tc.want {
			t.Errorf("%s: Estimate = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestEstimateMonotonic(t *testing.T) {
	e := NewEstimator(10)

	var prev int64
	for d := 0; d <= 600; d += 5 {
		got := e.Estimate(d, models.Resolution1080p, "runway")
		if got < 1 {
			t.Fatalf("duration %d: estimate %d below minimum", d, got)
		}
		if got < prev {
			t.Fatalf("duration %d: estimate %d decreased from %d", d, got, prev)
		}
		prev = got
	}

	// Higher resolution tiers never cost less.
	for _, d := range []int{5, 30, 90, 300} {
		lo := e.Estimate(d, models.Resolution720p, "runway")
		mid := e.Estimate(d, models.Resolution1080p, "runway")
		hi := e.Estimate(d, models.Resolution4K, "runway")
		if mid < lo || hi < mid {
			t.Fatalf("duration %d: resolution tiers not monotonic: %d %d %d", d, lo, mid, hi)
		}
	}
}

func TestRepromptCost(t *testing.T) {
	if got := RepromptCost(5); got != 1 {
		t.Fatalf("short reprompt = %d, want 1", got)
	}
	if got := RepromptCost(30); got != 2 {
		t.Fatalf("medium reprompt = %d, want 2", got)
	}
	if got := RepromptCost(31); got != 4 {
		t.Fatalf("long reprompt = %d, want 4", got)
	}
}
