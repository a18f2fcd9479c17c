package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	restPathPrefix    = "/rest/v1/"
	storagePathPrefix = "/storage/v1/object/"
	probeTimeout      = 3 * time.Second
)

var errMissingBaseURL = errors.New("remote base url is required")

type restError struct {
	status int
	body   string
}

func (e *restError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.status, e.body)
}

// RESTClientConfig describes the hosted service endpoint and credentials.
type RESTClientConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      *zap.Logger
}

// RESTClient talks to the hosted service's row API over HTTP. All calls run
// through a circuit breaker so a flapping link trips fast during a drain
// cycle instead of timing out once per queued operation.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
	breaker    *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	session *Session
	token   string
}

// NewRESTClient validates the configuration and constructs the client.
func NewRESTClient(cfg RESTClientConfig) (*RESTClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	client := &RESTClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		if session, err := ParseSessionToken(token, clock()); err != nil {
			logger.Warn("access token unusable, starting signed out", zap.Error(err))
		} else {
			client.session = session
			client.token = token
		}
	}

	return client, nil
}

// SetAccessToken installs a fresh session token, e.g. after the UI shell
// completes a sign-in or token refresh.
func (c *RESTClient) SetAccessToken(accessToken string) error {
	session, err := ParseSessionToken(accessToken, c.clock())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = session
	c.token = strings.TrimSpace(accessToken)
	c.mu.Unlock()
	return nil
}

// CurrentSession returns the signed-in user, or ok=false when signed out or expired.
func (c *RESTClient) CurrentSession() (*Session, bool) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if !session.Active(c.clock()) {
		return nil, false
	}
	return session, true
}

// Select returns rows from table matching every filter.
func (c *RESTClient) Select(ctx context.Context, table string, filters Filters) ([]Row, error) {
	endpoint := c.baseURL + restPathPrefix + url.PathEscape(table) + filterQuery(filters)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("remote: decode %s rows: %w", table, err)
	}
	return rows, nil
}

// Insert writes one row into table.
func (c *RESTClient) Insert(ctx context.Context, table string, row Row) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("remote: encode %s row: %w", table, err)
	}
	endpoint := c.baseURL + restPathPrefix + url.PathEscape(table)
	_, err = c.do(ctx, http.MethodPost, endpoint, payload)
	return err
}

// Update patches rows matching filters with the provided columns.
func (c *RESTClient) Update(ctx context.Context, table string, filters Filters, row Row) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("remote: encode %s patch: %w", table, err)
	}
	endpoint := c.baseURL + restPathPrefix + url.PathEscape(table) + filterQuery(filters)
	_, err = c.do(ctx, http.MethodPatch, endpoint, payload)
	return err
}

// Delete removes rows matching filters.
func (c *RESTClient) Delete(ctx context.Context, table string, filters Filters) error {
	endpoint := c.baseURL + restPathPrefix + url.PathEscape(table) + filterQuery(filters)
	_, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	return err
}

// DownloadObject fetches a storage blob by bucket and path.
func (c *RESTClient) DownloadObject(ctx context.Context, bucket, path string) ([]byte, error) {
	endpoint := c.baseURL + storagePathPrefix + url.PathEscape(bucket) + "/" + path
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

// DownloadURL fetches an arbitrary media URL, used by the media cache.
func (c *RESTClient) DownloadURL(ctx context.Context, mediaURL string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, mediaURL, nil)
}

// Connected reports whether the service is currently reachable. An open
// circuit breaker answers without touching the network.
func (c *RESTClient) Connected(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+restPathPrefix, nil)
	if err != nil {
		return false
	}
	c.setHeaders(req, false)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// do runs one HTTP call through the breaker. Transport failures and 5xx
// responses count against the breaker; 4xx responses map to ErrRejected and
// do not, since they indicate a request-level problem, not a dead link.
func (c *RESTClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, payload != nil)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &restError{status: resp.StatusCode, body: truncate(string(body))}
		}
		return restResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrOffline)
		}
		return nil, err
	}

	resp := result.(restResponse)
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrNotSignedIn, resp.status)
	}
	if resp.status >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.status, truncate(string(resp.body)))
	}
	return resp.body, nil
}

type restResponse struct {
	status int
	body   []byte
}

func (c *RESTClient) setHeaders(req *http.Request, hasBody bool) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func filterQuery(filters Filters) string {
	if len(filters) == 0 {
		return ""
	}
	values := url.Values{}
	for column, match := range filters {
		values.Set(column, fmt.Sprintf("eq.%v", match))
	}
	return "?" + values.Encode()
}

func truncate(body string) string {
	const limit = 256
	if len(body) <= limit {
		return body
	}
	return body[:limit]
}
