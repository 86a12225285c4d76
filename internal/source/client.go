package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/colthorp/mailcache-go/internal/core"
	"github.com/colthorp/mailcache-go/internal/mail"
)

// APIError is returned when the remote API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// fetchBatchSize is the number of ids requested per batch call.
const fetchBatchSize = 25

// Client is the HTTP implementation of Source.
//
// The remote enforces a request quota, so every call goes through a
// client-side rate limiter in addition to the 429/Retry-After handling.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRateLimit overrides the default request rate (requests per second).
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new API client. If logger is nil, logging is discarded.
func NewClient(apiKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: fmt.Sprintf("%s/%s", core.APIBaseURL, core.APIVersion),
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listResponse struct {
	Data struct {
		Refs []Ref `json:"messages"`
	} `json:"data"`
	Meta struct {
		NextCursor string `json:"nextCursor"`
	} `json:"meta"`
}

type fetchResponse struct {
	Data struct {
		Messages []*mail.Message `json:"messages"`
	} `json:"data"`
}

// ListRange returns refs for all messages in [start, end), following
// pagination cursors until exhausted.
func (c *Client) ListRange(ctx context.Context, start, end time.Time) ([]Ref, error) {
	params := url.Values{}
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("fields", "refs")
	params.Set("limit", strconv.Itoa(core.PageLimit))

	var refs []Ref
	cursor := ""
	pages := 0

	for {
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.request(ctx, "messages", params)
		if err != nil {
			return nil, err
		}

		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse list response: %w", err)
		}

		pages++
		refs = append(refs, page.Data.Refs...)
		c.logger.Debug("listed page", "page", pages, "refs", len(page.Data.Refs), "total", len(refs))

		cursor = page.Meta.NextCursor
		if cursor == "" || len(page.Data.Refs) == 0 {
			break
		}
	}

	return refs, nil
}

// FetchBatch retrieves full payloads for ids, issuing one request per chunk
// of fetchBatchSize.
func (c *Client) FetchBatch(ctx context.Context, ids []string) ([]*mail.Message, error) {
	msgs := make([]*mail.Message, 0, len(ids))

	for off := 0; off < len(ids); off += fetchBatchSize {
		chunk := ids[off:min(off+fetchBatchSize, len(ids))]

		params := url.Values{}
		params.Set("ids", strings.Join(chunk, ","))

		body, err := c.request(ctx, "messages/batch", params)
		if err != nil {
			return nil, err
		}

		var page fetchResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse batch response: %w", err)
		}

		msgs = append(msgs, page.Data.Messages...)
		c.logger.Debug("fetched batch", "requested", len(chunk), "returned", len(page.Data.Messages))
	}

	return msgs, nil
}

// request performs a GET and returns the response body.
// Retries automatically on HTTP 5xx or 429 responses with exponential back-off.
func (c *Client) request(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	urlStr := fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	if len(params) > 0 {
		urlStr = fmt.Sprintf("%s?%s", urlStr, params.Encode())
	}

	c.logger.Debug("GET", "url", urlStr)

	maxRetries := 3
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < maxRetries {
				wait := time.Duration(1<<(attempt-1)) * time.Second
				c.logger.Warn("request failed, retrying", "attempt", attempt, "wait", wait, "error", err)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("request failed: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		// Retryable errors
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: string(body)}
			if attempt < maxRetries {
				wait := time.Duration(1<<(attempt-1)) * time.Second
				if resp.StatusCode == http.StatusTooManyRequests {
					if ra := resp.Header.Get("Retry-After"); ra != "" {
						if secs, err := strconv.Atoi(ra); err == nil {
							wait = time.Duration(secs) * time.Second
						}
					}
				}
				c.logger.Warn("retryable API error", "attempt", attempt, "status", resp.StatusCode, "wait", wait)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		}

		return body, nil
	}

	return nil, lastErr
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
