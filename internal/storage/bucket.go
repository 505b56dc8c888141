package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"
)

// BucketStorage talks to an object bucket over its REST API
// (POST/DELETE {base}/object/{bucket}/{path}).
type BucketStorage struct {
	baseURL    string
	apiKey     string
	bucketName string
	httpClient *http.Client
}

var _ store.BlobStore = (*BucketStorage)(nil)

func NewBucketStorage(baseURL, apiKey, bucketName string, httpClient *http.Client) *BucketStorage {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &BucketStorage{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		bucketName: bucketName,
		httpClient: httpClient,
	}
}

func (s *BucketStorage) objectURL(path string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucketName, escapePath(path))
}

// UploadBlob streams body to the bucket and returns its public URL.
func (s *BucketStorage) UploadBlob(ctx context.Context, path string, body io.Reader, size int64, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(path), body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	req.Header.Set("Content-Type", contentType)
	if size > 0 {
		req.ContentLength = size
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w: %v", types.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("upload", resp)
	}

	return s.PublicURL(path), nil
}

// DeleteBlob removes a file from the bucket.
func (s *BucketStorage) DeleteBlob(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w: %v", types.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("delete", resp)
	}

	return nil
}

// PublicURL returns the public URL for a file
func (s *BucketStorage) PublicURL(path string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucketName, escapePath(path))
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = types.ErrPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		kind = types.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		kind = types.ErrStoreUnavailable
	default:
		return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, string(body))
	}

	return fmt.Errorf("%s failed with status %d: %w: %s", op, resp.StatusCode, kind, string(body))
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
