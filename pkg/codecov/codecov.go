// Package codecov uploads coverage reports to a codecov-compatible endpoint.
package codecov

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://codecov.io"
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4096
)

// ErrMissingToken indicates no upload token was configured for the step.
var ErrMissingToken = errors.New("codecov: upload token required")

// ErrRejected indicates the service refused the upload.
var ErrRejected = errors.New("codecov: upload rejected")

// Client uploads coverage reports. The token authenticates the upload and
// never appears anywhere else in the run.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Report identifies one coverage result: which workflow run and matrix entry
// produced it and the report body itself.
type Report struct {
	Token    string
	Workflow string
	Job      string
	Ref      string
	Body     io.Reader
}

// Upload sends the report. Any non-2xx response is an error; the caller
// decides whether that fails the job.
func (c *Client) Upload(ctx context.Context, r Report) error {
	if strings.TrimSpace(r.Token) == "" {
		return ErrMissingToken
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("codecov: unable to read report for %s/%s: %v", r.Workflow, r.Job, err)
	}

	query := url.Values{}
	query.Set("workflow", r.Workflow)
	query.Set("job", r.Job)
	query.Set("ref", r.Ref)
	endpoint := c.baseURL + "/upload/v2?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("codecov: unable to build upload request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Upload-Token", r.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("codecov: upload failed for %s/%s: %v", r.Workflow, r.Job, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
