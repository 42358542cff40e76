// Package client provides an HTTP client for the Living Labs site API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// API endpoints, relative to the base URL.
const (
	QueryEndpoint    = "site/query"
	DocEndpoint      = "site/doc"
	DoclistEndpoint  = "site/doclist"
	RankingEndpoint  = "site/ranking"
	FeedbackEndpoint = "site/feedback"
)

// DefaultMaxFeedbackAttempts bounds feedback submission under rate limiting.
const DefaultMaxFeedbackAttempts = 15

// Client is an HTTP client for the Living Labs site API.
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter

	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API, e.g. http://127.0.0.1:5000/api.
	BaseURL string

	// Key is the site's API key.
	Key string

	// Timeout is the request timeout.
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64

	// MaxFeedbackAttempts is the total number of feedback attempts made
	// while the server answers 429.
	MaxFeedbackAttempts int

	// RetryBackoff is the wait before the first retry; it doubles on every
	// further retry up to RetryBackoffMax. Zero selects the default.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// HTTPClient overrides the underlying HTTP client.
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "http://127.0.0.1:5000/api",
		Timeout:             30 * time.Second,
		MaxFeedbackAttempts: DefaultMaxFeedbackAttempts,
		RetryBackoff:        500 * time.Millisecond,
		RetryBackoffMax:     30 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxFeedbackAttempts <= 0 {
		cfg.MaxFeedbackAttempts = defaults.MaxFeedbackAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = defaults.RetryBackoffMax
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoff {
		cfg.RetryBackoffMax = cfg.RetryBackoff
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		key:         cfg.Key,
		httpClient:  httpClient,
		limiter:     limiter,
		maxAttempts: cfg.MaxFeedbackAttempts,
		backoff:     cfg.RetryBackoff,
		backoffMax:  cfg.RetryBackoffMax,
		sleep:       sleepContext,
	}
}

// Key returns the site key the client authenticates with.
func (c *Client) Key() string {
	return c.key
}

// Doc is a document reference in a document list.
type Doc struct {
	SiteDocID string `json:"site_docid"`
}

// Ranking is a ranking served by the platform for one query impression.
type Ranking struct {
	SID     string `json:"sid"`
	SiteQID string `json:"site_qid,omitempty"`
	Doclist []Doc  `json:"doclist"`
}

// DocIDs returns the ranked site document IDs.
func (r *Ranking) DocIDs() []string {
	ids := make([]string, len(r.Doclist))
	for i, d := range r.Doclist {
		ids[i] = d.SiteDocID
	}
	return ids
}

// FeedbackDoc is one ranked document with its click outcome.
type FeedbackDoc struct {
	SiteDocID string `json:"site_docid"`
	Clicked   bool   `json:"clicked,omitempty"`
}

// Feedback is the click feedback for one session.
type Feedback struct {
	SID     string        `json:"sid"`
	SiteQID string        `json:"site_qid"`
	Type    string        `json:"type"`
	Doclist []FeedbackDoc `json:"doclist"`
}

// Query is a query uploaded by a site.
type Query struct {
	QStr    string `json:"qstr"`
	SiteQID string `json:"site_qid"`
}

// Document is a document uploaded by a site.
type Document struct {
	SiteDocID       string `json:"site_docid"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// GetRanking fetches the current ranking for a query. The returned ranking
// carries the session ID that feedback must reference.
func (c *Client) GetRanking(ctx context.Context, siteQID string) (*Ranking, error) {
	var ranking Ranking
	if err := c.get(ctx, c.path(RankingEndpoint, c.key, siteQID), &ranking); err != nil {
		return nil, err
	}
	if ranking.SID == "" {
		return nil, apperrors.MalformedInputError(RankingEndpoint, 0, "ranking response has no sid")
	}
	if ranking.SiteQID == "" {
		ranking.SiteQID = siteQID
	}
	return &ranking, nil
}

// PutFeedback submits click feedback for a session. While the server answers
// 429 the submission is retried with increasing waits, up to the configured
// number of attempts. It returns the number of attempts made.
func (c *Client) PutFeedback(ctx context.Context, fb Feedback) (int, error) {
	if fb.Type == "" {
		fb.Type = "clicks"
	}
	path := c.path(FeedbackEndpoint, c.key, fb.SID)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retryAfter, err := c.putOnce(ctx, path, fb)
		if err == nil {
			return attempt, nil
		}
		if !apperrors.IsRateLimited(err) {
			return attempt, err
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		wait := c.backoffFor(attempt)
		if retryAfter > wait {
			wait = retryAfter
		}
		if err := c.sleep(ctx, wait); err != nil {
			return attempt, apperrors.Wrap(apperrors.CodeTimeout, "feedback retry interrupted", err)
		}
	}

	return c.maxAttempts, apperrors.Wrap(apperrors.CodeRateLimited,
		fmt.Sprintf("feedback for session %s still rate limited after %d attempts", fb.SID, c.maxAttempts),
		lastErr)
}

// PutQueries uploads the site's queries.
func (c *Client) PutQueries(ctx context.Context, queries []Query) error {
	body := map[string][]Query{"queries": queries}
	return c.put(ctx, c.path(QueryEndpoint, c.key), body, nil)
}

// PutDoc uploads a single document.
func (c *Client) PutDoc(ctx context.Context, doc Document) error {
	return c.put(ctx, c.path(DocEndpoint, c.key, doc.SiteDocID), doc, nil)
}

// PutDoclist replaces the candidate document list of a query.
func (c *Client) PutDoclist(ctx context.Context, siteQID string, docIDs []string) error {
	body := Ranking{SiteQID: siteQID, Doclist: make([]Doc, len(docIDs))}
	for i, id := range docIDs {
		body.Doclist[i] = Doc{SiteDocID: id}
	}
	return c.put(ctx, c.path(DoclistEndpoint, c.key, siteQID), body, nil)
}

// backoffFor returns the wait after the given failed attempt.
func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff
	for i := 1; i < attempt && wait < c.backoffMax; i++ {
		wait *= 2
	}
	if wait > c.backoffMax {
		wait = c.backoffMax
	}
	return wait
}

func (c *Client) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		if i == 0 {
			escaped[i] = p
			continue
		}
		escaped[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(escaped, "/")
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	_, err = c.do(req, result)
	return err
}

// put performs a PUT request.
func (c *Client) put(ctx context.Context, path string, body, result interface{}) error {
	req, err := c.newPut(ctx, path, body)
	if err != nil {
		return err
	}
	_, err = c.do(req, result)
	return err
}

// putOnce performs a single PUT and reports any Retry-After hint.
func (c *Client) putOnce(ctx context.Context, path string, body interface{}) (time.Duration, error) {
	req, err := c.newPut(ctx, path, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, nil)
	if err != nil && resp != nil {
		return parseRetryAfter(resp.Header.Get("Retry-After")), err
	}
	return 0, err
}

func (c *Client) newPut(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes a request. Non-2xx responses are returned as AppErrors
// together with the response so callers can inspect headers.
func (c *Client) do(req *http.Request, result interface{}) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeTimeout, "waiting for request slot", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, apperrors.Wrap(apperrors.CodeUnavailable, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, apperrors.FromStatus(resp.StatusCode, body).
			WithDetail("method", req.Method).
			WithDetail("path", req.URL.Path)
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return resp, apperrors.Wrap(apperrors.CodeMalformedInput, "failed to unmarshal response", err)
		}
	}

	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
