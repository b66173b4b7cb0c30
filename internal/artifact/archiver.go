// Package artifact copies completed generation outputs off the provider's
// short-lived URLs into durable storage (local disk or S3), and renders a
// small preview from the poster frame when one is available.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"genstudio/internal/config"
	"genstudio/internal/models"
	"genstudio/internal/provider"
)

const previewWidth = 320

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver downloads provider results and re-uploads them under the job's key.
type Archiver struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// New constructs the archiver and chooses an uploader. Destination "" means
// archiving is disabled; callers should then keep the provider URL.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	timeout := cfg.ArtifactHTTPTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}

	return &Archiver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Archive stores the result video under jobs/<id>/ and, when the provider
// reported a poster frame, a downscaled preview next to it. It returns the
// stored video URL. Poster failures are swallowed: the video is the artifact
// that matters.
func (a *Archiver) Archive(ctx context.Context, job models.GenerationJob, st provider.Status) (string, error) {
	if st.ResultURL == "" {
		return "", fmt.Errorf("no result url to archive")
	}
	up, err := a.pickUploader()
	if err != nil {
		return "", err
	}

	video, contentType, err := a.download(ctx, st.ResultURL)
	if err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}
	if contentType == "" {
		contentType = "video/mp4"
	}
	videoKey := fmt.Sprintf("jobs/%s/result%s", job.ID, extensionFor(st.ResultURL, ".mp4"))
	stored, err := up.Upload(ctx, videoKey, video, contentType)
	if err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}

	if st.PosterURL != "" {
		a.archivePoster(ctx, up, job.ID, st.PosterURL)
	}
	return stored, nil
}

func (a *Archiver) archivePoster(ctx context.Context, up uploader, jobID, posterURL string) {
	data, _, err := a.download(ctx, posterURL)
	if err != nil {
		return
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}
	preview := imaging.Resize(img, previewWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, preview, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return
	}
	key := fmt.Sprintf("jobs/%s/preview.jpg", jobID)
	_, _ = up.Upload(ctx, key, buf.Bytes(), "image/jpeg")
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	limit := a.cfg.ArtifactMaxBytes
	if limit == 0 {
		limit = 512 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (a *Archiver) pickUploader() (uploader, error) {
	switch strings.ToLower(a.cfg.ArtifactDestination) {
	case "s3":
		if a.s3 != nil {
			return a.s3, nil
		}
		return nil, fmt.Errorf("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local":
		return a.local, nil
	case "":
		return nil, fmt.Errorf("archiving disabled")
	}
	return nil, fmt.Errorf("unknown artifact destination %q", a.cfg.ArtifactDestination)
}

// extensionFor keeps the source URL's extension when it looks like a media
// file, otherwise falls back.
func extensionFor(url, fallback string) string {
	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	switch ext := strings.ToLower(filepath.Ext(trimmed)); ext {
	case ".mp4", ".webm", ".mov", ".gif":
		return ext
	}
	return fallback
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
