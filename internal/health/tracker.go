// Package health maintains rolling reliability scores for generation
// providers and answers eligibility and ranking queries for the router.
package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"genstudio/internal/models"
)

const (
	// emaAlpha is the smoothing factor for the moving averages.
	emaAlpha = 0.1
	// availableFloor: below this success rate the provider is taken out of
	// rotation entirely.
	availableFloor = 0.5
	// eligibleFloor: the stricter bar a provider must clear to be offered to
	// the ranking step. A provider can be available but not preferred.
	eligibleFloor = 0.8
)

type state struct {
	successRate float64
	avgRespMs   float64
	lastChecked time.Time
	available   bool
}

// Prober checks a provider upstream. The default prober is a no-op that
// reports every provider alive; real deployments can plug in actual probes.
type Prober interface {
	Probe(ctx context.Context, provider string) bool
}

type noopProber struct{}

func (noopProber) Probe(context.Context, string) bool { return true }

// Tracker tracks per-provider health. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*state
	seedMs    float64
	prober    Prober
}

// NewTracker seeds one record per provider with an optimistic prior: full
// success rate and the given response-time seed, so a provider with no
// evidence yet is still eligible for selection.
func NewTracker(providers []string, seedResponseMs float64) *Tracker {
	if seedResponseMs <= 0 {
		seedResponseMs = 10000
	}
	t := &Tracker{
		providers: make(map[string]*state, len(providers)),
		seedMs:    seedResponseMs,
		prober:    noopProber{},
	}
	now := time.Now().UTC()
	for _, p := range providers {
		t.providers[p] = &state{
			successRate: 1.0,
			avgRespMs:   seedResponseMs,
			lastChecked: now,
			available:   true,
		}
	}
	return t
}

// SetProber replaces the upstream prober used by the periodic refresh.
func (t *Tracker) SetProber(p Prober) {
	if p == nil {
		return
	}
	t.mu.Lock()
	t.prober = p
	t.mu.Unlock()
}

// Record folds one completed attempt into the provider's moving averages and
// recomputes availability. Unknown providers are ignored.
func (t *Tracker) Record(provider string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.providers[provider]
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.successRate = st.successRate*(1-emaAlpha) + outcome*emaAlpha
	st.avgRespMs = st.avgRespMs*(1-emaAlpha) + float64(latency.Milliseconds())*emaAlpha
	st.available = st.successRate > availableFloor
}

// Eligible reports whether a provider clears the selection bar.
func (t *Tracker) Eligible(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.providers[provider]
	if !ok {
		return false
	}
	return st.available && st.successRate > eligibleFloor
}

// Rank orders candidates descending by successRate/(avgResponseMs+1):
// reliability rewarded, latency penalized. Unknown candidates sort last.
func (t *Tracker) Rank(candidates []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return t.score(ranked[i]) > t.score(ranked[j])
	})
	return ranked
}

// score must be called with at least a read lock held.
func (t *Tracker) score(provider string) float64 {
	st, ok := t.providers[provider]
	if !ok {
		return -1
	}
	return st.successRate / (st.avgRespMs + 1)
}

// Snapshot returns a copy of every provider's health, sorted by name.
func (t *Tracker) Snapshot() []models.ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.ProviderHealth, 0, len(t.providers))
	for name, st := range t.providers {
		out = append(out, models.ProviderHealth{
			Provider:          name,
			SuccessRate:       st.successRate,
			AvgResponseTimeMs: st.avgRespMs,
			LastCheckedAt:     st.lastChecked,
			Available:         st.available,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// refresh re-stamps every provider and applies the prober's verdict. With the
// default prober this is a liveness heartbeat, not a correctness operation.
func (t *Tracker) refresh(ctx context.Context) {
	t.mu.Lock()
	prober := t.prober
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.Unlock()

	now := time.Now().UTC()
	for _, name := range names {
		alive := prober.Probe(ctx, name)
		t.mu.Lock()
		if st, ok := t.providers[name]; ok {
			st.lastChecked = now
			if alive {
				st.available = st.successRate > availableFloor
			} else {
				st.available = false
			}
		}
		t.mu.Unlock()
	}
}

// Run drives the periodic refresh until the context is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
			for _, h := range t.Snapshot() {
				log.Printf("health: %s success=%.1f%% avg=%.0fms available=%v",
					h.Provider, h.SuccessRate*100, h.AvgResponseTimeMs, h.Available)
			}
		}
	}
}
