// Package gpu implements the remote-gpu rendering backend: exports are
// submitted to an external render service, progress is polled, and the result
// is copied back into the blob store.
package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Options configure the remote client.
type Options struct {
	BaseURL         string
	APIKey          string
	SubmitTimeout   time.Duration
	PollInterval    time.Duration
	PhaseTimeout    time.Duration // max wall time without phase advancement
	TransferTimeout time.Duration
	PresignTTL      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = 10 * time.Minute
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = 15 * time.Minute
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = time.Hour
	}
	return o
}

// Client talks the render service's JSON API.
type Client struct {
	opts Options
	http *http.Client
}

// NewClient builds a remote render client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{opts: opts, http: &http.Client{Timeout: opts.SubmitTimeout}}
}

type submitRequest struct {
	JobID          string            `json:"job_id"`
	Kind           string            `json:"kind"`
	Params         json.RawMessage   `json:"params"`
	SourceURLs     map[string]string `json:"source_urls"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type submitResponse struct {
	RenderID string `json:"render_id"`
}

// renderStatus is one poll result.
type renderStatus struct {
	Status         string `json:"status"` // queued | running | complete | error
	Progress       int    `json:"progress"`
	Phase          string `json:"phase"`
	Message        string `json:"message"`
	OutputURL      string `json:"output_url"`
	OutputFilename string `json:"output_filename"`
	Error          string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=gpu.request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("op=gpu.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=gpu.request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=gpu.request %s %s: status %d: %s", method, path, resp.StatusCode, sanitize(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=gpu.request %s %s: %w", method, path, err)
	}
	return nil
}

// Submit registers a render and returns the remote id. Transient failures are
// retried with exponential backoff inside the submit timeout; the idempotency
// key is fixed across retries so a retried submit that already landed is
// deduplicated server-side.
func (c *Client) Submit(ctx context.Context, jobID string, kind domain.JobKind, params []byte, sourceURLs map[string]string) (string, error) {
	req := submitRequest{
		JobID:          jobID,
		Kind:           string(kind),
		Params:         params,
		SourceURLs:     sourceURLs,
		IdempotencyKey: uuid.NewString(),
	}
	var resp submitResponse
	op := func() error {
		return c.do(ctx, http.MethodPost, "/v1/renders", req, &resp)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	if resp.RenderID == "" {
		return "", fmt.Errorf("op=gpu.submit: empty render id: %w", domain.ErrInternal)
	}
	return resp.RenderID, nil
}

// Status polls one render.
func (c *Client) Status(ctx context.Context, renderID string) (renderStatus, error) {
	var st renderStatus
	err := c.do(ctx, http.MethodGet, "/v1/renders/"+renderID, nil, &st)
	return st, err
}

// Cancel asks the service to stop a render. Best-effort; errors are returned
// for logging only.
func (c *Client) Cancel(ctx context.Context, renderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/renders/"+renderID, nil, nil)
}

// Download streams the finished artifact.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=gpu.download: %w", err)
	}
	client := &http.Client{Timeout: c.opts.TransferTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=gpu.download: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("op=gpu.download: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

var urlRe = regexp.MustCompile(`https?://\S+`)

const maxErrorLen = 300

// sanitize strips URLs (which may embed signed credentials) and bounds the
// length of remote error text before it is persisted or shown to callers.
func sanitize(s string) string {
	s = urlRe.ReplaceAllString(s, "[url]")
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen]
	}
	return s
}
