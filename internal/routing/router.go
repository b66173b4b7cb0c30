// Package routing decides which provider handles a generation job. The
// selection logic is an ordered decision table: business guardrails (plan and
// credit protection) run before health optimization, every rule is total, and
// the first match wins.
package routing

import (
	"genstudio/internal/models"
)

// HealthView is the read side of the provider health tracker.
type HealthView interface {
	Eligible(provider string) bool
	Rank(candidates []string) []string
}

// Options fixes the router's provider roles and thresholds.
type Options struct {
	// Providers is the full candidate set.
	Providers []string
	// DefaultProvider is the cheapest option, the fallback target, and the
	// cost-containment choice for FREE-plan and low-credit users.
	DefaultProvider string
	// PremiumProvider is the highest-quality option for urgent top-tier jobs.
	PremiumProvider string
	// LowCreditThreshold routes users below this balance to the default
	// provider so a retry stays affordable.
	LowCreditThreshold int64
}

// Decision is the routing input: the job plus the user's current balance.
type Decision struct {
	Job     models.GenerationJob
	Balance int64
}

// Selection reports the chosen provider and which rule chose it.
type Selection struct {
	Provider string
	Rule     string
}

// A rule sees the eligible set as a snapshot taken once per Select call, so
// concurrent health updates cannot change the set between a rule's guard and
// its pick.
type rule struct {
	name string
	when func(*Router, Decision, []string) bool
	pick func(*Router, Decision, []string) string
}

// Router evaluates the decision table against live health data.
type Router struct {
	opts   Options
	health HealthView
	rules  []rule
}

// NewRouter builds a router over the given health view.
func NewRouter(opts Options, health HealthView) *Router {
	if opts.LowCreditThreshold == 0 {
		opts.LowCreditThreshold = 50
	}
	r := &Router{opts: opts, health: health}
	r.rules = []rule{
		{
			// Caller override always wins; a bad explicit choice is handled
			// by the failure path, not vetoed here.
			name: "explicit_provider",
			when: func(_ *Router, d Decision, _ []string) bool {
				return d.Job.ExplicitProvider != nil && *d.Job.ExplicitProvider != ""
			},
			pick: func(_ *Router, d Decision, _ []string) string { return *d.Job.ExplicitProvider },
		},
		{
			// Cost containment for the non-paying tier. Deliberately skips
			// the health check: predictable cost is chosen over availability
			// for this tier.
			name: "free_plan",
			when: func(_ *Router, d Decision, _ []string) bool { return d.Job.UserPlan == models.PlanFree },
			pick: pickDefault,
		},
		{
			// Users close to empty stay on the cheapest provider so a failed
			// generation leaves them able to retry.
			name: "low_credit",
			when: func(r *Router, d Decision, _ []string) bool { return d.Balance < r.opts.LowCreditThreshold },
			pick: pickDefault,
		},
		{
			name: "premium_priority",
			when: func(_ *Router, d Decision, _ []string) bool {
				return d.Job.Priority == models.PriorityHigh && d.Job.UserPlan == models.PlanEnterprise
			},
			pick: func(r *Router, _ Decision, _ []string) string { return r.opts.PremiumProvider },
		},
		{
			// Total-outage fallback: no eligible provider left.
			name: "no_eligible",
			when: func(_ *Router, _ Decision, elig []string) bool { return len(elig) == 0 },
			pick: pickDefault,
		},
		{
			name: "best_health",
			when: func(_ *Router, _ Decision, _ []string) bool { return true },
			pick: func(r *Router, _ Decision, elig []string) string {
				ranked := r.health.Rank(elig)
				if len(ranked) == 0 {
					return r.opts.DefaultProvider
				}
				return ranked[0]
			},
		},
	}
	return r
}

func pickDefault(r *Router, _ Decision, _ []string) string { return r.opts.DefaultProvider }

func (r *Router) eligible() []string {
	out := make([]string, 0, len(r.opts.Providers))
	for _, p := range r.opts.Providers {
		if r.health.Eligible(p) {
			out = append(out, p)
		}
	}
	return out
}

// Select walks the decision table and returns the first match. The table
// always terminates: the last rule matches unconditionally. The eligible set
// is snapshotted once so every rule judges the same world.
func (r *Router) Select(d Decision) Selection {
	elig := r.eligible()
	for _, rl := range r.rules {
		if rl.when(r, d, elig) {
			return Selection{Provider: rl.pick(r, d, elig), Rule: rl.name}
		}
	}
	// Unreachable: the table ends in a catch-all.
	return Selection{Provider: r.opts.DefaultProvider, Rule: "fallback"}
}

// SelectFallback names the retry target after a failed attempt: always the
// default provider, regardless of health. Pinning the fallback bounds every
// job to exactly one retry and can never loop.
func (r *Router) SelectFallback(_ models.GenerationJob, failedProvider string) string {
	return r.opts.DefaultProvider
}
