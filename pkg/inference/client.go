// Package inference talks to the external object detection endpoint.
// Each call sends one encoded tile; transient failures are retried with
// exponential backoff, and exhausted retries surface as an
// InferenceFailure scoped to that tile alone.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/menta2k/debris-scan/pkg/types"
)

// Options configure the HTTP client.
type Options struct {
	// MaxAttempts bounds the total tries per tile, including the first.
	MaxAttempts int
	// BackoffBase is the wait before the second attempt; it doubles for
	// each attempt after that.
	BackoffBase time.Duration
	// Timeout applies per network call when the caller's context has no
	// deadline of its own.
	Timeout time.Duration
	// ContentType describes the tile encoding sent to the detector.
	ContentType string
	// Clock drives the backoff waits. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultOptions returns the standard retry and timeout settings
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		Timeout:     30 * time.Second,
		ContentType: "image/jpeg",
		Clock:       clock.New(),
	}
}

// HTTPClient is the Client implementation for a REST detector endpoint.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	opts       Options
	logger     golog.Logger
}

// NewHTTPClient creates a client for the detector at endpoint
func NewHTTPClient(endpoint string, opts Options, logger golog.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("inference endpoint URL is required")
	}
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ContentType == "" {
		opts.ContentType = def.ContentType
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &HTTPClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		opts:   opts,
		logger: logger,
	}, nil
}

// wire format of the detector response
type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

type wireDetection struct {
	Box     [4]float64 `json:"box"`
	Class   string     `json:"class"`
	ClassID int        `json:"class_id"`
	Score   float64    `json:"score"`
}

// Infer sends one encoded tile to the detector and returns its
// tile-local detections. Timeouts, server errors and malformed bodies
// are retried up to MaxAttempts with exponential backoff; other HTTP
// errors fail immediately. The returned error wraps an InferenceFailure
// once attempts are exhausted.
func (c *HTTPClient) Infer(ctx context.Context, tile []byte) ([]types.Detection, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.opts.BackoffBase << (attempt - 2)
			c.logger.Debugw("retrying tile inference", "attempt", attempt, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, types.NewInferenceFailure(err)
			}
		}

		dets, retryable, err := c.call(ctx, tile)
		if err == nil {
			return dets, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, types.NewInferenceFailure(lastErr)
}

func (c *HTTPClient) call(ctx context.Context, tile []byte) ([]types.Detection, bool, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(tile))
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", c.opts.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to reach detector")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read detector response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return nil, true, errors.Errorf("detector returned status %d: %s", resp.StatusCode, truncate(body))
	default:
		return nil, false, errors.Errorf("detector returned status %d: %s", resp.StatusCode, truncate(body))
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, true, errors.Wrap(err, "malformed detector response")
	}

	dets := make([]types.Detection, 0, len(parsed.Detections))
	for _, d := range parsed.Detections {
		if d.Score < 0 || d.Score > 1 {
			return nil, true, errors.Errorf("malformed detector response: score %v out of range", d.Score)
		}
		box := types.Box{X0: d.Box[0], Y0: d.Box[1], X1: d.Box[2], Y1: d.Box[3]}
		if !box.Valid() {
			c.logger.Debugw("dropping degenerate detection box", "box", d.Box, "class", d.Class)
			continue
		}
		dets = append(dets, types.Detection{
			Box:     box,
			Class:   d.Class,
			ClassID: d.ClassID,
			Score:   d.Score,
		})
	}
	return dets, false, nil
}

func (c *HTTPClient) sleep(ctx context.Context, d time.Duration) error {
	t := c.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
