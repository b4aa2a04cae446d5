package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"careflow/internal/config"
)

// Uploader hosts prepared media somewhere the provider can fetch it from.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Preparer turns an image step's source URL into provider-ready hosted URLs:
// the full image plus a preview thumbnail, both publicly reachable over
// HTTPS as push APIs require.
type Preparer struct {
	cfg        config.Config
	httpClient *http.Client
	uploader   Uploader
}

// NewPreparer picks the S3 uploader when a bucket is configured, otherwise a
// local-directory uploader for development.
func NewPreparer(ctx context.Context, cfg config.Config) (*Preparer, error) {
	timeout := cfg.MediaFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var up Uploader
	if cfg.MediaS3Bucket != "" {
		s3up, err := newS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = s3up
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir}
	}

	return &Preparer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
	}, nil
}

// NewPreparerWithUploader wires a specific uploader; tests use this.
func NewPreparerWithUploader(cfg config.Config, up Uploader) *Preparer {
	return &Preparer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		uploader:   up,
	}
}

// Prepare downloads the source image, renders the preview thumbnail, and
// uploads both. Returns the hosted (imageURL, previewURL).
func (p *Preparer) Prepare(ctx context.Context, sourceURL, keyPrefix string) (string, string, error) {
	data, contentType, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("decode image: %w", err)
	}

	previewWidth := p.cfg.MediaPreviewWidth
	if previewWidth == 0 {
		previewWidth = 240
	}
	preview := imaging.Resize(img, previewWidth, 0, imaging.Lanczos)

	outputFormat, ext := chooseFormat(format, contentType)
	previewBuf := &bytes.Buffer{}
	if err := imaging.Encode(previewBuf, preview, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", "", fmt.Errorf("encode preview: %w", err)
	}

	mime := mimeForFormat(outputFormat, contentType)
	imageURL, err := p.uploader.Upload(ctx, fmt.Sprintf("%s/original.%s", keyPrefix, ext), data, mime)
	if err != nil {
		return "", "", fmt.Errorf("upload original: %w", err)
	}
	previewURL, err := p.uploader.Upload(ctx, fmt.Sprintf("%s/preview.%s", keyPrefix, ext), previewBuf.Bytes(), mime)
	if err != nil {
		return "", "", fmt.Errorf("upload preview: %w", err)
	}
	return imageURL, previewURL, nil
}

func (p *Preparer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := p.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(decoded, contentType string) (imaging.Format, string) {
	switch {
	case decoded == "png" || strings.Contains(contentType, "png"):
		return imaging.PNG, "png"
	case decoded == "gif" || strings.Contains(contentType, "gif"):
		return imaging.GIF, "gif"
	default:
		return imaging.JPEG, "jpg"
	}
}

func mimeForFormat(f imaging.Format, fallback string) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.JPEG:
		return "image/jpeg"
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
