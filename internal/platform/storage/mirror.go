package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	maxImageBytes      = 20 << 20
	defaultFetchWindow = 30 * time.Second
)

// HTTPDoer abstracts the HTTP client used to download source imagery.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ImageMirror copies product imagery from external catalog URLs into a Cloud Storage bucket.
type ImageMirror struct {
	client *gcs.Client
	http   HTTPDoer
	bucket string
}

// NewImageMirror constructs an ImageMirror writing into the named bucket.
func NewImageMirror(client *gcs.Client, bucket string, doer HTTPDoer) (*ImageMirror, error) {
	if client == nil {
		return nil, errors.New("storage mirror: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("storage mirror: bucket is required")
	}
	if doer == nil {
		doer = &http.Client{Timeout: defaultFetchWindow}
	}
	return &ImageMirror{client: client, http: doer, bucket: strings.TrimSpace(bucket)}, nil
}

// MirrorImage downloads the source URL and writes it to the deterministic object
// path for the SKU, returning the gs:// reference of the mirrored object.
func (m *ImageMirror) MirrorImage(ctx context.Context, sku, sourceURL string) (string, error) {
	if m == nil || m.client == nil {
		return "", errors.New("storage mirror: not initialised")
	}
	src := strings.TrimSpace(sourceURL)
	if src == "" {
		return "", errors.New("storage mirror: source url is required")
	}

	objectPath, err := BuildImageObjectPath(ImagePathParams{SKU: sku, SourceURL: src})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("storage mirror: build request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage mirror: fetch %s: %w", src, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage mirror: fetch %s: unexpected status %d", src, resp.StatusCode)
	}

	writer := m.client.Bucket(m.bucket).Object(objectPath).NewWriter(ctx)
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		writer.ContentType = contentType
	}

	if _, err := io.Copy(writer, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage mirror: write object %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage mirror: finalise object %s: %w", objectPath, err)
	}

	return fmt.Sprintf("gs://%s/%s", m.bucket, objectPath), nil
}
