package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"txreplay/internal/apperr"
	"txreplay/internal/metrics"
)

const (
	actionTransaction = "eth_getTransactionByHash"
	actionReceipt     = "eth_getTransactionReceipt"
	actionBlock       = "eth_getBlockByNumber"

	maxResponseBytes = 8 << 20
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrBlockNotFound       = errors.New("block not found")
	ErrRateLimited         = errors.New("rate limited")

	// errNullResult marks a 200 response whose result is null or absent.
	errNullResult = errors.New("result not yet indexed")
)

// Config controls the indexing API client.
type Config struct {
	BaseURL        string
	APIKey         string
	ChainID        uint64
	MaxAttempts    int
	BaseDelay      time.Duration
	RequestTimeout time.Duration
}

// RetryFunc observes each scheduled retry.
type RetryFunc func(action string, attempt int, delay time.Duration, err error)

// Client fetches transactions, receipts and blocks through the proxy module
// of an Etherscan-compatible API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Recorder
	onRetry    RetryFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryHook registers a callback invoked before each back-off sleep.
func WithRetryHook(fn RetryFunc) Option {
	return func(c *Client) {
		c.onRetry = fn
	}
}

// WithMetrics records request and retry counts.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = rec
	}
}

func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope covers both the JSON-RPC proxy shape and the plain
// {status, message, result} shape the API uses for account-level errors.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// transientError marks a failure the retry protocol may repeat.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// query performs one attempt of a proxy action and decodes the result into out.
func (c *Client) query(ctx context.Context, action string, params url.Values, out interface{}) error {
	endpoint, err := c.buildURL(action, params)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, action, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindNetwork, action, ctx.Err())
		}
		return transient(apperr.Wrap(apperr.KindNetwork, action, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transient(apperr.Wrap(apperr.KindNetwork, action, fmt.Errorf("read body: %w", err)))
	}

	if resp.StatusCode != http.StatusOK {
		return transient(apperr.New(apperr.KindNetwork, action, "http status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperr.Wrap(apperr.KindIndexing, action, fmt.Errorf("decode response: %w", err))
	}

	if env.Error != nil {
		return classifyMessage(action, env.Error.Code, env.Error.Message)
	}

	result := strings.TrimSpace(string(env.Result))
	if env.Status == "0" || strings.HasPrefix(result, `"`) {
		msg := env.Message
		var text string
		if err := json.Unmarshal(env.Result, &text); err == nil && text != "" {
			msg = text
		}
		return classifyMessage(action, 0, msg)
	}

	if result == "" || result == "null" {
		return transient(apperr.Wrap(apperr.KindIndexing, action, errNullResult))
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return apperr.Wrap(apperr.KindIndexing, action, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// classifyMessage maps an API error message onto the retry policy: only
// explicit rate-limit messages are retried, every other semantic error aborts.
func classifyMessage(action string, code int, message string) error {
	if isRateLimitMessage(message) {
		return transient(apperr.Wrap(apperr.KindIndexing, action, fmt.Errorf("%w: %s", ErrRateLimited, message)))
	}
	if code == -32602 || code == -32600 {
		return apperr.New(apperr.KindValidation, action, "rejected request: %s", message)
	}
	if message == "" {
		message = "unknown error"
	}
	return apperr.New(apperr.KindIndexing, action, "%s", message)
}

func isRateLimitMessage(message string) bool {
	msg := strings.ToLower(message)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "max calls per sec") ||
		strings.Contains(msg, "too many requests")
}

func (c *Client) buildURL(action string, params url.Values) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	q := base.Query()
	q.Set("module", "proxy")
	q.Set("action", action)
	q.Set("apikey", c.cfg.APIKey)
	if c.cfg.ChainID > 0 {
		q.Set("chainid", strconv.FormatUint(c.cfg.ChainID, 10))
	}
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
