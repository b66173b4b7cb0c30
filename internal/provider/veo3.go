package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Veo3 is the adapter for the Veo 3 video generation API, the designated
// highest-quality provider.
type Veo3 struct {
	restClient
	apiURL string
}

// NewVeo3 builds the adapter with a bounded request timeout.
func NewVeo3(apiURL, apiKey string, timeout time.Duration) *Veo3 {
	return &Veo3{
		restClient: newRESTClient("veo3", apiKey, timeout),
		apiURL:     apiURL,
	}
}

func (v *Veo3) Name() string { return "veo3" }

type veo3SubmitRequest struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"durationSeconds"`
	Resolution      string `json:"resolution"`
}

type veo3Operation struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Progress int    `json:"progressPercent"`
	Error    string `json:"error"`
	Result   struct {
		VideoURI string `json:"videoUri"`
		FrameURI string `json:"previewFrameUri"`
	} `json:"result"`
}

func (v *Veo3) Submit(ctx context.Context, req Request) (string, error) {
	var op veo3Operation
	err := v.postJSON(ctx, v.apiURL+"/video:generate", veo3SubmitRequest{
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Resolution:      req.Resolution,
	}, &op)
	if err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", transientErr(v.Name(), fmt.Errorf("submit accepted but no operation name returned"))
	}
	return op.Name, nil
}

func (v *Veo3) Poll(ctx context.Context, taskID string) (Status, error) {
	var op veo3Operation
	if err := v.getJSON(ctx, v.apiURL+"/operations/"+taskID, &op); err != nil {
		return Status{}, err
	}
	return Status{
		TaskID:    taskID,
		State:     normalizeState(op.State),
		ResultURL: op.Result.VideoURI,
		PosterURL: op.Result.FrameURI,
		Progress:  op.Progress,
		Error:     op.Error,
	}, nil
}

func (v *Veo3) Cancel(ctx context.Context, taskID string) error {
	return v.do(ctx, http.MethodPost, v.apiURL+"/operations/"+taskID+":cancel", []byte("{}"), nil)
}
