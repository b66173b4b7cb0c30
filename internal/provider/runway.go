package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Runway is the adapter for the Runway video generation API.
type Runway struct {
	restClient
	apiURL string
}

// NewRunway builds the adapter with a bounded request timeout.
func NewRunway(apiURL, apiKey string, timeout time.Duration) *Runway {
	return &Runway{
		restClient: newRESTClient("runway", apiKey, timeout),
		apiURL:     apiURL,
	}
}

func (r *Runway) Name() string { return "runway" }

type runwaySubmitRequest struct {
	TextPrompt  string `json:"text_prompt"`
	Duration    int    `json:"duration"`
	Resolution  string `json:"resolution"`
	AspectRatio string `json:"aspect_ratio"`
}

type runwayTask struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
	Output   struct {
		VideoURL  string `json:"video_url"`
		PosterURL string `json:"poster_url"`
	} `json:"output"`
}

func (r *Runway) Submit(ctx context.Context, req Request) (string, error) {
	var task runwayTask
	err := r.postJSON(ctx, r.apiURL+"/generate", runwaySubmitRequest{
		TextPrompt:  req.Prompt,
		Duration:    req.DurationSeconds,
		Resolution:  req.Resolution,
		AspectRatio: "16:9",
	}, &task)
	if err != nil {
		return "", err
	}
	if task.ID == "" {
		return "", transientErr(r.Name(), fmt.Errorf("submit accepted but no task id returned"))
	}
	return task.ID, nil
}

func (r *Runway) Poll(ctx context.Context, taskID string) (Status, error) {
	var task runwayTask
	if err := r.getJSON(ctx, r.apiURL+"/tasks/"+taskID, &task); err != nil {
		return Status{}, err
	}
	return Status{
		TaskID:    taskID,
		State:     normalizeState(task.Status),
		ResultURL: task.Output.VideoURL,
		PosterURL: task.Output.PosterURL,
		Progress:  task.Progress,
		Error:     task.Error,
	}, nil
}

func (r *Runway) Cancel(ctx context.Context, taskID string) error {
	return r.do(ctx, http.MethodPost, r.apiURL+"/tasks/"+taskID+"/cancel", []byte("{}"), nil)
}
