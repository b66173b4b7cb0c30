// Package pricing maps generation parameters to a credit cost. Estimation is
// pure: no I/O, no clock, no shared state.
package pricing

import (
	"math"

	"genstudio/internal/models"
)

// DefaultCreditsPerMinute is the base tariff applied per minute of output.
const DefaultCreditsPerMinute = 10

var resolutionMultiplier = map[string]float64{
	models.Resolution720p:  1.0,
	models.Resolution1080p: 1.5,
	models.Resolution4K:    3.0,
}

var defaultProviderMultiplier = map[string]float64{
	"runway":    1.2,
	"stability": 1.0,
	"veo3":      2.0,
}

// Estimator computes credit costs for generation jobs.
type Estimator struct {
	creditsPerMinute   int
	providerMultiplier map[string]float64
}

// NewEstimator builds an estimator with the given per-minute rate. A rate of
// zero falls back to the default tariff.
func NewEstimator(creditsPerMinute int) *Estimator {
	if creditsPerMinute <= 0 {
		creditsPerMinute = DefaultCreditsPerMinute
	}
	return &Estimator{
		creditsPerMinute:   creditsPerMinute,
		providerMultiplier: defaultProviderMultiplier,
	}
}

// Estimate returns the credit cost for a job, always at least 1. Rounding is
// up at every stage so partial minutes and multipliers never undersell.
func (e *Estimator) Estimate(durationSeconds int, resolution, provider string) int64 {
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	credits := math.Ceil(float64(durationSeconds) / 60 * float64(e.creditsPerMinute))

	if m, ok := resolutionMultiplier[resolution]; ok {
		credits = math.Ceil(credits * m)
	}
	if m, ok := e.providerMultiplier[provider]; ok {
		credits = math.Ceil(credits * m)
	}

	if credits < 1 {
		credits = 1
	}
	return int64(credits)
}

// RepromptCost prices a scene re-prompt by scene length.
func RepromptCost(sceneDurationSeconds int) int64 {
	switch {
	case sceneDurationSeconds < 10:
		return 1
	case sceneDurationSeconds <= 30:
		return 2
	default:
		return 4
	}
}

// Costs exposes the current tariff for display to callers.
type Costs struct {
	CreditsPerMinute     int                `json:"credits_per_minute"`
	ResolutionMultiplier map[string]float64 `json:"resolution_multiplier"`
	ProviderMultiplier   map[string]float64 `json:"provider_multiplier"`
}

// Costs returns the tariff table the estimator is running with.
func (e *Estimator) Costs() Costs {
	res := make(map[string]float64, len(resolutionMultiplier))
	for k, v := range resolutionMultiplier {
		res[k] = v
	}
	prov := make(map[string]float64, len(e.providerMultiplier))
	for k, v := range e.providerMultiplier {
		prov[k] = v
	}
	return Costs{
		CreditsPerMinute:     e.creditsPerMinute,
		ResolutionMultiplier: res,
		ProviderMultiplier:   prov,
	}
}
