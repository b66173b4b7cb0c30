package artifact

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/config"
	"genstudio/internal/models"
	"genstudio/internal/provider"
)

func TestArchiveLocalVideoAndPreview(t *testing.T) {
	video := []byte("not really mp4 but good enough for transport")

	poster := image.NewRGBA(image.Rect(0, 0, 640, 360))
	for y := 0; y < 360; y++ {
		for x := 0; x < 640; x++ {
			poster.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var posterBuf bytes.Buffer
	require.NoError(t, png.Encode(&posterBuf, poster))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/result.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write(video)
		case "/poster.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(posterBuf.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ArtifactDestination: "local",
		ArtifactDir:         tempDir,
		ArtifactHTTPTimeout: 2 * time.Second,
		ArtifactMaxBytes:    2 * 1024 * 1024,
	}
	arch, err := New(context.Background(), cfg)
	require.NoError(t, err)

	stored, err := arch.Archive(context.Background(), models.GenerationJob{ID: "job-1"}, provider.Status{
		State:     provider.TaskCompleted,
		ResultURL: srv.URL + "/result.mp4",
		PosterURL: srv.URL + "/poster.png",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "jobs", "job-1", "result.mp4"), stored)

	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, video, data)

	previewData, err := os.ReadFile(filepath.Join(tempDir, "jobs", "job-1", "preview.jpg"))
	require.NoError(t, err)
	preview, _, err := image.Decode(bytes.NewReader(previewData))
	require.NoError(t, err)
	assert.Equal(t, 320, preview.Bounds().Dx())
}

func TestArchivePosterFailureKeepsVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/result.mp4" {
			_, _ = w.Write([]byte("video bytes"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Config{
		ArtifactDestination: "local",
		ArtifactDir:         t.TempDir(),
		ArtifactHTTPTimeout: 2 * time.Second,
	}
	arch, err := New(context.Background(), cfg)
	require.NoError(t, err)

	stored, err := arch.Archive(context.Background(), models.GenerationJob{ID: "job-2"}, provider.Status{
		ResultURL: srv.URL + "/result.mp4",
		PosterURL: srv.URL + "/poster.png",
	})
	require.NoError(t, err)
	assert.FileExists(t, stored)
	assert.NoFileExists(t, filepath.Join(cfg.ArtifactDir, "jobs", "job-2", "preview.jpg"))
}

func TestArchiveTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
	}))
	defer srv.Close()

	cfg := config.Config{
		ArtifactDestination: "local",
		ArtifactDir:         t.TempDir(),
		ArtifactMaxBytes:    512,
	}
	arch, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = arch.Archive(context.Background(), models.GenerationJob{ID: "job-3"}, provider.Status{
		ResultURL: srv.URL + "/big.mp4",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
