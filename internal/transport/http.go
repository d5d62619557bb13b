// Package transport connects a sync client to the operation log service: an
// HTTP client for submit, fetch and bootstrap calls, and a websocket stream
// for live operations.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

// ErrUnexpectedStatus is wrapped by every error caused by a non-2xx response.
var ErrUnexpectedStatus = errors.New("unexpected response status")

type Config struct {
	// RequestRetries is how many times a failed request is retried before
	// the call gives up.
	RequestRetries int
	RetryWait      time.Duration
	RequestTimeout time.Duration
	// ReconnectInterval is the pause between live stream connection attempts.
	ReconnectInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestRetries:    2,
		RetryWait:         200 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// Bootstrap is the document state a client seeds itself from.
type Bootstrap struct {
	Elements  []element.Element `json:"elements"`
	ServerSeq int64             `json:"serverSeq"`
}

// zapLeveledLogger adapts a zap.Logger to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	inner *zap.Logger
}

func (l zapLeveledLogger) Error(msg string, kv ...any) { l.inner.Sugar().Errorw(msg, kv...) }
func (l zapLeveledLogger) Info(msg string, kv ...any)  { l.inner.Sugar().Infow(msg, kv...) }
func (l zapLeveledLogger) Warn(msg string, kv ...any)  { l.inner.Sugar().Warnw(msg, kv...) }
func (l zapLeveledLogger) Debug(msg string, kv ...any) { l.inner.Sugar().Debugw(msg, kv...) }

type HTTPOpt func(*HTTPClient)

func WithLogger(logger *zap.Logger) HTTPOpt {
	return func(c *HTTPClient) {
		c.logger = logger
		c.client.Logger = zapLeveledLogger{inner: logger}
		c.client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
			logger.Debug("response received",
				zap.Stringer("url", resp.Request.URL),
				zap.Int("status", resp.StatusCode),
			)
		}
	}
}

// WithHTTPClient replaces the underlying client, e.g. to carry a cookie jar
// holding a session.
func WithHTTPClient(client *http.Client) HTTPOpt {
	return func(c *HTTPClient) {
		c.client.HTTPClient = client
	}
}

// SessionJar returns a cookie jar holding the cookies of header, a Cookie
// header value such as "session=abc", for serverURL. Pass it to both the HTTP
// client and the websocket dialer so every call runs as the session's user.
func SessionJar(serverURL, header string) (http.CookieJar, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	cookies, err := http.ParseCookie(header)
	if err != nil {
		return nil, fmt.Errorf("parse session cookie: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, cookies)
	return jar, nil
}

// HTTPClient talks to the operation log of one document. It implements
// syncclient.Transport.
type HTTPClient struct {
	baseURL *url.URL
	docID   string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

func NewHTTPClient(serverURL, docID string, cfg Config, opts ...HTTPOpt) (*HTTPClient, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	if docID == "" {
		return nil, errors.New("document id is required")
	}
	client := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: cfg.RequestTimeout},
		RetryMax:     cfg.RequestRetries,
		RetryWaitMin: cfg.RetryWait,
		RetryWaitMax: 2 * cfg.RetryWait,
		Backoff:      retryablehttp.LinearJitterBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		// hand the last response back so its status reaches the caller
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		Logger:       zapLeveledLogger{inner: zap.NewNop()},
	}
	c := &HTTPClient{
		baseURL: baseURL,
		docID:   docID,
		client:  client,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) docURL(parts ...string) *url.URL {
	return c.baseURL.JoinPath(append([]string{"docs", c.docID}, parts...)...)
}

func (c *HTTPClient) Submit(ctx context.Context, socketID string, batch []ops.Input) (ops.SubmitResult, error) {
	var result ops.SubmitResult
	body := ops.SubmitRequest{SocketID: socketID, Ops: batch}
	if err := c.do(ctx, http.MethodPost, c.docURL("ops"), body, &result); err != nil {
		return ops.SubmitResult{}, fmt.Errorf("submit %d ops: %w", len(batch), err)
	}
	return result, nil
}

func (c *HTTPClient) FetchSince(ctx context.Context, sinceSeq int64, limit int) ([]ops.Operation, error) {
	u := c.docURL("ops")
	q := u.Query()
	q.Set("since", strconv.FormatInt(sinceSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	var result ops.FetchResult
	if err := c.do(ctx, http.MethodGet, u, nil, &result); err != nil {
		return nil, fmt.Errorf("fetch ops since %d: %w", sinceSeq, err)
	}
	return result.Ops, nil
}

// Bootstrap returns the replayed document state and the seq it reflects.
func (c *HTTPClient) Bootstrap(ctx context.Context) (Bootstrap, error) {
	var result Bootstrap
	if err := c.do(ctx, http.MethodGet, c.docURL("bootstrap"), nil, &result); err != nil {
		return Bootstrap{}, fmt.Errorf("bootstrap: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, method string, u *url.URL, reqBody, resBody any) error {
	var body any
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = encoded
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.Stringer("url", u),
			zap.String("status", res.Status),
			zap.ByteString("body", bytes.TrimSpace(data)),
		)
		return fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, res.Status, bytes.TrimSpace(data))
	}
	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}
