package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/apierrors"
	"github.com/glamlocks/storefront/pkg/logger"
)

// TokenSource supplies the current bearer token, empty when logged out.
type TokenSource func() string

// Client is the resilient request layer. Every outbound call goes
// through Do: per-attempt timeout, exponential-backoff retries for
// transient failures, per-key cancellation and response normalization.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	maxRetries     int
	initialBackoff time.Duration

	tokenSource    TokenSource
	onUnauthorized func()

	mu       sync.Mutex
	nextID   uint64
	inflight map[string]inflightEntry
}

// inflightEntry ties a registered cancel func to the request that owns
// it, so a finished request never evicts its successor under the key.
type inflightEntry struct {
	id     uint64
	cancel context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets the bearer token supplier.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokenSource = ts }
}

// WithOnUnauthorized sets the hook invoked on a 401 response. The hook
// must only clear local credentials; navigation is the caller's concern.
func WithOnUnauthorized(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a request layer client from configuration.
func NewClient(cfg config.APIConfig, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			// Per-attempt deadline; each retry gets a fresh window.
			Timeout: cfg.RequestTimeout,
		},
		baseURL:        cfg.BaseURL,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		inflight:       make(map[string]inflightEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the normalized backend response shape. Some endpoints
// nest the payload under "data", others return it at the top level;
// both decode through here so callers never branch on response shape.
type envelope struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, key, path string, out interface{}) error {
	return c.Do(ctx, key, http.MethodGet, path, nil, out)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, key, path string, body, out interface{}) error {
	return c.Do(ctx, key, http.MethodPost, path, body, out)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, key, path string, body, out interface{}) error {
	return c.Do(ctx, key, http.MethodPut, path, body, out)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, key, path string, out interface{}) error {
	return c.Do(ctx, key, http.MethodDelete, path, nil, out)
}

// Do performs a request with retries. key names the logical request for
// cancellation; issuing a new request under the same key cancels the
// previous one (superseded queries). out may be nil when the caller
// does not need the response payload.
func (c *Client) Do(ctx context.Context, key, method, path string, body, out interface{}) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := c.register(key, cancel)
	defer c.unregister(key, id)

	operation := func() error {
		err := c.attempt(reqCtx, method, path, reqBody, out)
		if err == nil {
			return nil
		}
		// Caller-initiated cancellation is final, whatever the cause.
		if reqCtx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !apierrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("Retrying request after transient failure", map[string]interface{}{
			"method": method,
			"path":   path,
			"error":  err.Error(),
		})
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), reqCtx)
	return backoff.Retry(operation, policy)
}

// attempt performs a single HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method, path string, reqBody []byte, out interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.tokenSource != nil {
		if token := c.tokenSource(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("request cancelled: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return apierrors.New(apierrors.ErrRequestTimeout, apierrors.CodeRequestTimeout,
				"The request took too long, please try again")
		}
		return apierrors.New(apierrors.ErrNetwork, apierrors.CodeNetwork,
			"Could not reach the server, please check your connection")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierrors.New(apierrors.ErrNetwork, apierrors.CodeNetwork,
			"Could not read the server response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(respBody, &env)
		apiErr := apierrors.FromStatus(resp.StatusCode, env.Message)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return apiErr
	}

	if len(respBody) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err == nil {
		// Some endpoints report failure in-band with a 2xx status.
		if env.Success != nil && !*env.Success {
			msg := env.Message
			if msg == "" {
				msg = "The server rejected the request"
			}
			return apierrors.New(apierrors.ErrBadRequest, apierrors.CodeBadRequest, msg)
		}
		if len(env.Data) > 0 {
			respBody = env.Data
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Cancel aborts the in-flight request registered under key, if any.
func (c *Client) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.inflight[key]; ok {
		entry.cancel()
		delete(c.inflight, key)
	}
}

// CancelAll aborts every outstanding request (page navigation).
func (c *Client) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.inflight {
		entry.cancel()
		delete(c.inflight, key)
	}
}

func (c *Client) register(key string, cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.inflight[key]; ok {
		prev.cancel()
	}
	c.nextID++
	c.inflight[key] = inflightEntry{id: c.nextID, cancel: cancel}
	return c.nextID
}

func (c *Client) unregister(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only remove our own entry; a newer request may own the key now.
	if cur, ok := c.inflight[key]; ok && cur.id == id {
		delete(c.inflight, key)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
