// Package extract calls the replay parsing service that turns a replay file
// into per-player fingerprints.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/fingerprint"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/metrics"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultRetryWait  = 500 * time.Millisecond
	defaultMaxRetries = 2
	// Upper bound on error bodies copied into logs
	maxErrorBody = 512
)

// Result is the parser's answer for one replay.
type Result struct {
	Players         map[string]fingerprint.Fingerprint `json:"players"`
	SuggestedPlayer string                             `json:"suggested_player"`
}

// Extractor produces fingerprints from a replay file.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte, playerHint string) (*Result, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond limits outgoing calls; zero means unlimited.
	RatePerSecond float64
	Burst         int
	// MaxRetries bounds retries of gateway errors and dropped connections.
	// Negative disables retries.
	MaxRetries int
	RetryWait  time.Duration
}

// Client is a rate-limited HTTP client for the parsing service.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	retryWait  time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new parsing service client
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("extraction service url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		maxRetries: maxRetries,
		retryWait:  retryWait,
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     logging.Component(logger, "extract"),
		metrics:    m,
	}, nil
}

// Extract uploads the replay and returns one fingerprint per detected player.
// Gateway errors are retried within the timeout. Every failure, timeouts
// included, is a DependencyError.
func (c *Client) Extract(ctx context.Context, filename string, data []byte, playerHint string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := buildForm(filename, data, playerHint)
	if err != nil {
		return nil, c.fail("encode", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.MaxInterval = 8 * c.retryWait
	bo.MaxElapsedTime = 0
	attempt := 0
	result, err := backoff.RetryNotifyWithData(func() (*Result, error) {
		attempt++
		return c.post(ctx, filename, body, contentType)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("extract_retry", "filename", filename, "attempt", attempt, "retry_in", wait, "error", err)
		})
	if err != nil {
		if !apperrors.IsDependency(err) {
			err = c.fail("post", err)
		}
		return nil, err
	}
	return result, nil
}

// post makes one attempt. Errors worth retrying are returned as is; all
// others are wrapped with backoff.Permanent.
func (c *Client) post(ctx context.Context, filename string, body []byte, contentType string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(c.fail("rate_wait", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(c.fail("request", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveExtract(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(c.fail("post", err))
		}
		return nil, c.fail("post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("extract_bad_status",
			"status", resp.StatusCode,
			"filename", filename,
			"body", strings.TrimSpace(string(snippet)),
		)
		err := c.fail("post", fmt.Errorf("extraction service returned status %d", resp.StatusCode))
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, backoff.Permanent(c.fail("decode", err))
	}
	if len(result.Players) == 0 {
		return nil, backoff.Permanent(c.fail("decode", errors.New("no players in extraction result")))
	}

	c.logger.Debug("extract_done",
		"filename", filename,
		"players", len(result.Players),
		"suggested", result.SuggestedPlayer,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &result, nil
}

func (c *Client) fail(op string, err error) error {
	return apperrors.DependencyError{Dependency: "extraction", Op: op, Err: err}
}

func buildForm(filename string, data []byte, playerHint string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}
	if hint := strings.TrimSpace(playerHint); hint != "" {
		if err := w.WriteField("player_name", hint); err != nil {
			return nil, "", fmt.Errorf("failed to write player_name: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
