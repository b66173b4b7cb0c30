package provider

import (
	"context"
	"fmt"
	"time"
)

// Stability is the adapter for the Stability video generation API. It is the
// designated cheapest provider and the fallback target.
type Stability struct {
	restClient
	apiURL string
}

// NewStability builds the adapter with a bounded request timeout.
func NewStability(apiURL, apiKey string, timeout time.Duration) *Stability {
	return &Stability{
		restClient: newRESTClient("stability", apiKey, timeout),
		apiURL:     apiURL,
	}
}

func (s *Stability) Name() string { return "stability" }

type stabilitySubmitRequest struct {
	Prompt     string `json:"prompt"`
	Seconds    int    `json:"seconds"`
	Resolution string `json:"resolution"`
}

type stabilityGeneration struct {
	GenerationID string `json:"generation_id"`
	State        string `json:"state"`
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Percent      int    `json:"percent_complete"`
	FailureMsg   string `json:"failure_message"`
}

func (s *Stability) Submit(ctx context.Context, req Request) (string, error) {
	var gen stabilityGeneration
	err := s.postJSON(ctx, s.apiURL+"/video/generate", stabilitySubmitRequest{
		Prompt:     req.Prompt,
		Seconds:    req.DurationSeconds,
		Resolution: req.Resolution,
	}, &gen)
	if err != nil {
		return "", err
	}
	if gen.GenerationID == "" {
		return "", transientErr(s.Name(), fmt.Errorf("submit accepted but no generation id returned"))
	}
	return gen.GenerationID, nil
}

func (s *Stability) Poll(ctx context.Context, taskID string) (Status, error) {
	var gen stabilityGeneration
	if err := s.getJSON(ctx, s.apiURL+"/video/generate/"+taskID, &gen); err != nil {
		return Status{}, err
	}
	return Status{
		TaskID:    taskID,
		State:     normalizeState(gen.State),
		ResultURL: gen.VideoURL,
		PosterURL: gen.ThumbnailURL,
		Progress:  gen.Percent,
		Error:     gen.FailureMsg,
	}, nil
}

// Cancel is a no-op: the Stability API has no cancellation endpoint, so the
// task is left to run out and its result discarded.
func (s *Stability) Cancel(ctx context.Context, taskID string) error {
	return nil
}
