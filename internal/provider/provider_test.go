package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(
		NewRunway("http://x", "k", time.Second),
		NewStability("http://x", "k", time.Second),
	)

	if !reg.Has("runway") || !reg.Has("stability") {
		t.Fatalf("registered providers missing: %v", reg.Names())
	}
	if _, err := reg.Get("veo3"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("unregistered provider should return ErrUnknownProvider, got %v", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "runway" || got[1] != "stability" {
		t.Fatalf("Names = %v", got)
	}
}

func TestRunwaySubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/generate":
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"id":"task-1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-1":
			_, _ = w.Write([]byte(`{"id":"task-1","status":"succeeded","progress":100,"output":{"video_url":"http://cdn/video.mp4"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewRunway(srv.URL, "secret", 2*time.Second)

	taskID, err := c.Submit(context.Background(), Request{Prompt: "a fox", DurationSeconds: 10, Resolution: "720p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "task-1" {
		t.Fatalf("taskID = %q", taskID)
	}

	st, err := c.Poll(context.Background(), taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != TaskCompleted || st.ResultURL != "http://cdn/video.mp4" {
		t.Fatalf("poll status = %+v", st)
	}
	if !st.Terminal() {
		t.Fatalf("completed status should be terminal")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewStability(srv.URL, "k", time.Second)
		_, err := c.Submit(context.Background(), Request{Prompt: "p"})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: IsPermanent = %v, want %v (%v)", tc.status, IsPermanent(err), tc.permanent, err)
		}
	}
}

func TestSubmitTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewVeo3(srv.URL, "k", 20*time.Millisecond)
	_, err := c.Submit(context.Background(), Request{Prompt: "p"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if IsPermanent(err) {
		t.Fatalf("timeout must be transient: %v", err)
	}
}

func TestNormalizeState(t *testing.T) {
	for in, want := range map[string]string{
		"queued":    TaskQueued,
		"pending":   TaskQueued,
		"running":   TaskProcessing,
		"succeeded": TaskCompleted,
		"error":     TaskFailed,
		"weird":     TaskProcessing,
	} {
		if got := normalizeState(in); got != want {
			t.Errorf("normalizeState(%q) = %q, want %q", in, got, want)
		}
	}
}
