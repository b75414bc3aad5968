// Package httptransport implements synckit.RemoteStore over HTTP: record
// CRUD as JSON requests and the change stream as server-sent events or a
// WebSocket.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

const component = "transport/http"

// IdempotencyHeader carries the create's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Client is an HTTP RemoteStore.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	identity synckit.IdentityProvider
	options  *ClientOptions
	logger   *slog.Logger

	skipped atomic.Int64
}

var _ synckit.RemoteStore = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout should be zero:
// change streams stay open indefinitely and CRUD calls are bounded by
// ClientOptions.RequestTimeout instead.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithIdentity supplies the bearer token sent with every request.
func WithIdentity(p synckit.IdentityProvider) ClientOption {
	return func(c *Client) {
		c.identity = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientOptions replaces the limits, retry and stream settings. opts is
// copied; nil is ignored.
func WithClientOptions(opts *ClientOptions) ClientOption {
	return func(c *Client) {
		if opts != nil {
			o := *opts
			c.options = &o
		}
	}
}

// WithStreamMode selects SSE or WebSocket for SubscribeToChanges.
func WithStreamMode(mode StreamMode) ClientOption {
	return func(c *Client) {
		c.options.Stream = mode
	}
}

// WithRetryConfig sets the retry configuration for failed requests
func WithRetryConfig(rc RetryConfig) ClientOption {
	return func(c *Client) {
		c.options.Retry = rc
	}
}

// New creates a Client for the remote rooted at baseURL, for example
// "https://api.example.com/v1".
func New(baseURL string, opts ...ClientOption) (*Client, error) {
	const op = "httptransport.New"

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInvalid, err, "invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("base URL %q must use http or https", baseURL))
	}

	c := &Client{baseURL: u, options: DefaultClientOptions()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.options.Validate(); err != nil {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	c.options.setDefaults()
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.logger == nil {
		c.logger = logging.Default().Logger
	}
	c.logger = c.logger.With("component", component)
	return c, nil
}

// newHTTPClient disables Go's automatic decompression so both compressed
// and decompressed size limits can be enforced.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	return &http.Client{Transport: tr}
}

// FetchRecord gets the authoritative record. A missing record is reported
// as errors.KindNotFound.
func (c *Client) FetchRecord(ctx context.Context, recordType, key string) (*synckit.RemoteRecord, error) {
	var rec RecordJSON
	path := "/records/" + url.PathEscape(recordType) + "/" + url.PathEscape(key)
	if err := c.roundTrip(ctx, syncErrors.OpFetch, http.MethodGet, path, nil, nil, &rec); err != nil {
		return nil, err
	}
	if rec.Key == "" {
		rec.Key = key
	}
	if rec.RecordType == "" {
		rec.RecordType = recordType
	}
	return rec.toRemote(), nil
}

// PushCreate posts a new record. The Idempotency-Key header is taken from
// ctx (synckit.WithIdempotencyKey) or generated, and is reused across
// retries of this call.
func (c *Client) PushCreate(ctx context.Context, recordType string, payload json.RawMessage) (*synckit.PushResult, error) {
	key, ok := synckit.IdempotencyKeyFromContext(ctx)
	if !ok {
		key = uuid.NewString()
	}
	hdr := http.Header{}
	hdr.Set(IdempotencyHeader, key)

	var res PushResultJSON
	if err := c.roundTrip(ctx, syncErrors.OpPush, http.MethodPost, "/records/"+url.PathEscape(recordType), payload, hdr, &res); err != nil {
		return nil, err
	}
	if res.Key == "" {
		return nil, syncErrors.E(syncErrors.OpPush, syncErrors.Component(component), syncErrors.KindInvalid, "create response carries no key")
	}
	return res.toResult(), nil
}

// PushUpdate sends a partial update of the record's top-level fields.
func (c *Client) PushUpdate(ctx context.Context, key string, partial json.RawMessage) (*synckit.PushResult, error) {
	var res PushResultJSON
	if err := c.roundTrip(ctx, syncErrors.OpPush, http.MethodPatch, "/records/"+url.PathEscape(key), partial, nil, &res); err != nil {
		return nil, err
	}
	if res.Key == "" {
		res.Key = key
	}
	return res.toResult(), nil
}

// PushDelete deletes a record. A record that is already gone counts as
// deleted.
func (c *Client) PushDelete(ctx context.Context, key string) error {
	err := c.roundTrip(ctx, syncErrors.OpPush, http.MethodDelete, "/records/"+url.PathEscape(key), nil, nil, nil)
	if syncErrors.IsKind(err, syncErrors.KindNotFound) || statusOf(err) == http.StatusGone {
		c.logger.Debug("Delete of absent record treated as success", "key", key)
		return nil
	}
	return err
}

// roundTrip performs one logical call, retrying transport failures and
// rate limiting per RetryConfig.
func (c *Client) roundTrip(ctx context.Context, op syncErrors.Operation, method, path string, body []byte, hdr http.Header, out any) error {
	for attempt := 1; ; attempt++ {
		retryAfter, err := c.do(ctx, op, method, path, body, hdr, out)
		if err == nil {
			return nil
		}
		if attempt >= c.options.Retry.MaxAttempts || !shouldRetry(err) || ctx.Err() != nil {
			return err
		}

		wait := c.retryDelay(attempt, retryAfter)
		c.logger.Debug("Retrying request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func shouldRetry(err error) bool {
	return syncErrors.IsKind(err, syncErrors.KindTransport) || syncErrors.IsKind(err, syncErrors.KindRateLimited)
}

// retryDelay honours a server-sent Retry-After, otherwise doubles from
// WaitMin. Both are capped at WaitMax.
func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	rc := c.options.Retry
	if retryAfter > 0 {
		return min(retryAfter, rc.WaitMax)
	}
	wait := rc.WaitMin
	for i := 1; i < attempt && wait < rc.WaitMax; i++ {
		wait *= 2
	}
	return min(wait, rc.WaitMax)
}

// do performs a single HTTP exchange. It returns the server's Retry-After
// hint alongside a failure.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, path string, body []byte, hdr http.Header, out any) (time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, op, method, path, body)
	if err != nil {
		return 0, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	c.logger.Debug("Sending request", slog.String("method", method), slog.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
		}
		c.logger.Warn("Request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransport, err, "network error")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), c.statusError(op, method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, nil
	}

	reader, cleanup, err := safeResponseReader(resp, c.options)
	if err != nil {
		return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	defer cleanup()

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		switch {
		case errors.Is(err, errResponseTooLarge), errors.Is(err, errResponseDecompressedTooLarge):
			return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransport, err, "truncated response")
		default:
			return 0, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "failed to decode response")
		}
	}
	return 0, nil
}

func (c *Client) newRequest(ctx context.Context, op syncErrors.Operation, method, path string, body []byte) (*http.Request, error) {
	var (
		reader   io.Reader
		encoding string
	)
	if body != nil {
		encoded, enc, err := encodeBody(body, c.options)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
		reader, encoding = bytes.NewReader(encoded), enc
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if err := c.authorize(ctx, op, req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// authorize sets the bearer token of the current identity, if any.
func (c *Client) authorize(ctx context.Context, op syncErrors.Operation, h http.Header) error {
	if c.identity == nil {
		return nil
	}
	id, err := c.identity.Identity(ctx)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindAuthRequired, syncErrors.ErrAuthenticationRequired, err.Error())
	}
	if id.Token != "" {
		h.Set("Authorization", "Bearer "+id.Token)
	}
	return nil
}

// statusError classifies a non-2xx response.
func (c *Client) statusError(op syncErrors.Operation, method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind, sentinel := classifyStatus(resp.StatusCode)
	args := []interface{}{
		op,
		syncErrors.Component(component),
		kind,
		fmt.Sprintf("server error (status %d): %s", resp.StatusCode, msg),
		map[string]interface{}{"status": resp.StatusCode, "method": method, "path": path},
	}
	if sentinel != nil {
		args = append(args, sentinel)
	}

	level := slog.LevelWarn
	if kind == syncErrors.KindNotFound {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "Request returned error status",
		slog.Int("status_code", resp.StatusCode),
		slog.String("method", method),
		slog.String("path", path),
		slog.String("error", msg))
	return syncErrors.E(args...)
}

func classifyStatus(code int) (syncErrors.Kind, error) {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return syncErrors.KindAuthFailed, syncErrors.ErrAuthFailed
	case code == http.StatusNotFound:
		return syncErrors.KindNotFound, syncErrors.ErrNotFound
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return syncErrors.KindInvalid, nil
	case code == http.StatusTooManyRequests:
		return syncErrors.KindRateLimited, syncErrors.ErrRateLimited
	case code >= 500:
		return syncErrors.KindTransport, nil
	default:
		// 409, 410 and any other refusal.
		return syncErrors.KindRejected, nil
	}
}

// statusOf returns the HTTP status recorded on err, or 0.
func statusOf(err error) int {
	var se *syncErrors.SyncError
	if !errors.As(err, &se) {
		return 0
	}
	code, _ := se.Metadata["status"].(int)
	return code
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
