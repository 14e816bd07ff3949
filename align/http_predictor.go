package align

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHTTPTimeout is the default request timeout for remote evaluation.
	DefaultHTTPTimeout = DefaultPredictorTimeout

	// DefaultMaxRetries is the default number of attempts per evaluation.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 1 MB.
	maxResponseBytes = 1 << 20
)

// PredictOption configures an HTTPPredictor.
type PredictOption func(*predictConfig)

type predictConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	logger      *zap.Logger
}

func defaultPredictConfig() predictConfig {
	return predictConfig{
		timeout:     DefaultHTTPTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		logger:      zap.NewNop(),
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) PredictOption {
	return func(c *predictConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) PredictOption {
	return func(c *predictConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) PredictOption {
	return func(c *predictConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) PredictOption {
	return func(c *predictConfig) {
		c.client = client
	}
}

// WithPredictorLogger logs failed requests before they are retried.
func WithPredictorLogger(l *zap.Logger) PredictOption {
	return func(c *predictConfig) {
		if l != nil {
			c.logger = l.Named("predictor")
		}
	}
}

// HTTPPredictor submits evaluations to a prediction service.
//
// Request:  POST {"mesh": "<path>", "config": "<handle>"}
// Response: {"error": 4.15} or {"error": null, "message": "..."}
type HTTPPredictor struct {
	url    string
	cfg    predictConfig
	client *http.Client
}

type predictRequest struct {
	Mesh   string `json:"mesh"`
	Config string `json:"config"`
}

type predictResponse struct {
	Error   *float64 `json:"error"`
	Message string   `json:"message,omitempty"`
}

// NewHTTPPredictor creates a predictor posting to url.
func NewHTTPPredictor(url string, opts ...PredictOption) *HTTPPredictor {
	cfg := defaultPredictConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &HTTPPredictor{url: url, cfg: cfg, client: client}
}

// Evaluate retries transient failures with exponential backoff. Every
// failure is reported as ErrEvaluationUnavailable.
func (p *HTTPPredictor) Evaluate(ctx context.Context, meshPath, configHandle string) (float64, error) {
	if p.url == "" {
		return 0, fmt.Errorf("%w: predictor URL is empty", ErrEvaluationUnavailable)
	}
	payload, err := json.Marshal(predictRequest{Mesh: meshPath, Config: configHandle})
	if err != nil {
		return 0, fmt.Errorf("encoding predict request: %w", err)
	}

	var lastErr error
	for attempt := range p.cfg.maxRetries {
		if attempt > 0 {
			backoff := p.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %w", ErrEvaluationUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := p.doPost(ctx, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, fmt.Errorf("%w: %w", ErrEvaluationUnavailable, ctx.Err())
			}
			p.cfg.logger.Warn("predict request failed",
				zap.String("mesh", meshPath),
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", p.cfg.maxRetries),
				zap.Error(err))
			continue
		}

		// Parse errors are not transient; do not retry.
		var resp predictResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, fmt.Errorf("%w: decoding predict response: %v", ErrEvaluationUnavailable, err)
		}
		if resp.Error == nil {
			return 0, fmt.Errorf("%w: service returned no error value: %s", ErrEvaluationUnavailable, resp.Message)
		}
		if v := *resp.Error; v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: invalid error value %v", ErrEvaluationUnavailable, v)
		}
		return *resp.Error, nil
	}

	return 0, fmt.Errorf("%w: all %d attempts failed: %v", ErrEvaluationUnavailable, p.cfg.maxRetries, lastErr)
}

// doPost performs a single HTTP POST and returns the response body bytes.
func (p *HTTPPredictor) doPost(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", p.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP POST %s: status %d", p.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", p.url, err)
	}
	return body, nil
}
