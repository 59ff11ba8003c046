package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"mediagate/pkg/egress"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/logger"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/retry"
)

// Options configures a Client
type Options struct {
	// BaseURL is the site root with a trailing slash
	BaseURL    string
	Bearers    []string
	UserAgents []string
	Timeout    time.Duration
	// MaxAttempts bounds retries of network failures, 429 and 5xx
	MaxAttempts int
	Backoff     retry.BackoffStrategy
	// HTTPClient overrides the default client; Timeout is ignored when set
	HTTPClient *http.Client
	// Limiter paces requests to the site; nil means unlimited
	Limiter ratelimit.Limiter
}

// Client talks to the upstream site API
type Client struct {
	httpClient *http.Client
	baseURL    string
	bearers    *egress.Rotator[string]
	userAgents []string
	headers    map[string]string
	attempts   int
	backoff    retry.BackoffStrategy
	limiter    ratelimit.Limiter
	logger     logger.Logger
}

// NewClient creates a new upstream API client
func NewClient(opts Options, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultExponentialBackoff()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		httpClient: hc,
		baseURL:    opts.BaseURL,
		bearers:    egress.NewRotator(opts.Bearers),
		userAgents: opts.UserAgents,
		headers: map[string]string{
			"Accept":             "application/json, text/plain, */*",
			"Accept-Language":    "en-US,en;q=0.9",
			"DNT":                "1",
			"Sec-Ch-Ua-Mobile":   "?1",
			"Sec-Ch-Ua-Platform": "Android",
		},
		attempts: opts.MaxAttempts,
		backoff:  opts.Backoff,
		limiter:  opts.Limiter,
		logger:   log.WithField("component", "upstream"),
	}
}

// SetHeader sets a custom header for every request
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Bearers returns the size of the bearer pool
func (c *Client) Bearers() int {
	return c.bearers.Len()
}

// GetJSON performs a GET against a path under the base URL and decodes the response
func (c *Client) GetJSON(ctx context.Context, path, referer string, target interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, referer, nil, target)
}

// PostJSON sends payload as JSON and decodes the response into target, if non-nil
func (c *Client) PostJSON(ctx context.Context, path, referer string, payload, target interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(errs.ErrorTypeInvalid, 0, fmt.Sprintf("failed to encode request: %v", err))
	}
	return c.doJSON(ctx, http.MethodPost, path, referer, body, target)
}

func (c *Client) doJSON(ctx context.Context, method, path, referer string, body []byte, target interface{}) error {
	return retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		resp, err := c.doRequest(ctx, method, path, referer, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := c.checkResponseStatus(resp); err != nil {
			return err
		}
		if target == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Network(fmt.Errorf("failed to read response body: %w", err))
		}
		if err := json.Unmarshal(data, target); err != nil {
			preview := string(data)
			if len(preview) > 200 {
				preview = preview[:200] + "..."
			}
			c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
				"path":         path,
				"status":       resp.StatusCode,
				"error":        err.Error(),
				"body_preview": preview,
			})
			return errs.New(errs.ErrorTypeParsing, resp.StatusCode, fmt.Sprintf("failed to parse JSON: %v", err))
		}
		return nil
	}, &retry.Config{
		MaxAttempts: c.attempts,
		Backoff:     c.backoff,
		RetryIf:     retryable,
		Logger:      c.logger,
	})
}

// retryable retries transport failures and statuses the site recovers from
func retryable(err error) bool {
	var e *errs.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case errs.ErrorTypeNetwork:
		return true
	case errs.ErrorTypeUpstream:
		return errs.IsRetryableStatusCode(e.Code)
	default:
		return false
	}
}

// doRequest performs a single HTTP request with the configured headers
func (c *Client) doRequest(ctx context.Context, method, path, referer string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	url := c.baseURL + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeInvalid, 0, fmt.Sprintf("failed to create request: %v", err))
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if referer == "" {
		referer = c.baseURL
	}
	req.Header.Set("Referer", referer)
	if n := len(c.userAgents); n > 0 {
		req.Header.Set("User-Agent", c.userAgents[rand.Intn(n)])
	}
	if token, ok := c.bearers.Next(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	c.logger.DebugWithFields("sending HTTP request", map[string]interface{}{
		"method": method,
		"url":    url,
	})

	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   method,
			"url":      url,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errs.Network(err)
	}

	c.logger.DebugWithFields("HTTP request completed", map[string]interface{}{
		"method":   method,
		"url":      url,
		"status":   resp.StatusCode,
		"duration": duration,
	})
	return resp, nil
}

// checkResponseStatus maps a non-200 response to a typed error carrying the body
func (c *Client) checkResponseStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(detail))
	fields := map[string]interface{}{
		"status": resp.StatusCode,
		"url":    resp.Request.URL.String(),
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.WarnWithFields("authentication error", fields)
		return errs.New(errs.ErrorTypeAuth, resp.StatusCode, "bearer rejected: "+msg)
	case http.StatusNotFound:
		c.logger.WarnWithFields("resource not found", fields)
		return errs.NotFound(resp.Request.URL.String())
	default:
		if resp.StatusCode >= 500 {
			c.logger.ErrorWithFields("server error", fields)
		} else {
			c.logger.WarnWithFields("unexpected API status", fields)
		}
		return errs.Upstream(resp.StatusCode, msg)
	}
}

// States fetches action states for a batch of posts. The payload is
// returned undecoded so callers can relay it verbatim.
func (c *Client) States(ctx context.Context, ids []int64) (json.RawMessage, error) {
	referer := ""
	if len(ids) > 0 {
		referer = PostURL(c.baseURL, ids[0])
	}

	var out json.RawMessage
	if err := c.PostJSON(ctx, StatesEndpoint, referer, ids, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkViewed records a view of a post
func (c *Client) MarkViewed(ctx context.Context, id int64) error {
	return c.PostJSON(ctx, StateEndpoint, PostURL(c.baseURL, id), viewState{PostID: id}, nil)
}

// Suggestions returns the ids of posts related to id. The view is recorded
// first on a best-effort basis.
func (c *Client) Suggestions(ctx context.Context, id int64) ([]int64, error) {
	if err := c.MarkViewed(ctx, id); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.WithError(err).DebugWithFields("view state not recorded", map[string]interface{}{
			"post_id": id,
		})
	}

	var items []Suggestion
	if err := c.GetJSON(ctx, SuggestionPath(id), PostURL(c.baseURL, id), &items); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, s := range items {
		ids = append(ids, s.ID)
	}
	return ids, nil
}
