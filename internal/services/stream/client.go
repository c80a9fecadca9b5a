package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
)

// Stream is an open media body
type Stream struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 when the server did not announce it
}

// Client opens direct media URLs
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a new stream client. No overall timeout is set since
// transfers may legitimately take hours; the caller's context bounds them.
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Open issues the GET request for a variant and returns its body.
// 401/403 and 404/410 (an expired signed URL) map to Forbidden, every other
// failure to Interrupted.
func (c *Client) Open(ctx context.Context, variant models.VariantDescriptor) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, variant.URL, nil)
	if err != nil {
		return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for k, v := range variant.Headers {
		req.Header.Set(k, v)
	}

	c.logger.WithFields(logrus.Fields{
		"format_id": variant.FormatID,
		"host":      req.URL.Host,
	}).Debug("Opening media stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: fmt.Errorf("failed to execute request: %w", err)}
	}

	switch {
	case refused(resp.StatusCode):
		resp.Body.Close()
		return nil, &models.FetchError{Kind: models.ErrForbidden, Err: fmt.Errorf("stream request failed with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: fmt.Errorf("stream request failed with status %d", resp.StatusCode)}
	}

	return &Stream{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}

func refused(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
