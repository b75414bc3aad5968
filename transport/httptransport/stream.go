package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// SubscribeToChanges opens the owner's change stream after from, using the
// configured StreamMode. The returned subscription ends when ctx is
// cancelled, Close is called or the connection fails.
func (c *Client) SubscribeToChanges(ctx context.Context, ownerID string, from cursor.Cursor) (synckit.Subscription, error) {
	if ownerID == "" {
		return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindInvalid, "owner id is required")
	}
	encoded, err := cursor.Encode(from)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindInvalid, err, "encode cursor")
	}
	query := url.Values{"owner": {ownerID}}
	if encoded != "" {
		query.Set("cursor", encoded)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	var read readFunc
	switch c.options.Stream {
	case StreamWebSocket:
		read, err = c.dialWebSocket(streamCtx, query)
	default:
		read, err = c.openSSE(streamCtx, query, from)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	c.logger.Info("Change stream opened", "mode", c.options.Stream, "resumed", from != nil)
	sub := &subscription{
		events: make(chan synckit.ChangeEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(streamCtx, read)
	return sub, nil
}

// readFunc consumes a connected stream, handing each event to emit until
// emit reports false or the stream ends. A nil return means the server
// closed the stream cleanly.
type readFunc func(ctx context.Context, emit func(synckit.ChangeEvent) bool) error

type subscription struct {
	events chan synckit.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan synckit.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the reader and waits for it to exit.
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) run(ctx context.Context, read readFunc) {
	defer close(s.done)
	err := read(ctx, func(ev synckit.ChangeEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})
	if err != nil && ctx.Err() == nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	close(s.events)
}

func (c *Client) openSSE(ctx context.Context, query url.Values, from cursor.Cursor) (readFunc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+"/changes?"+query.Encode(), nil)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindInvalid, err, "failed to create request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if tc, ok := from.(cursor.TokenCursor); ok {
		req.Header.Set("Last-Event-ID", tc.Token)
	}
	if err := c.authorize(ctx, syncErrors.OpSubscribe, req.Header); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
		}
		return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindTransport, err, "http request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(syncErrors.OpSubscribe, http.MethodGet, "/changes", resp)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(component), syncErrors.KindInvalid, "unexpected content type "+ct)
	}

	return func(ctx context.Context, emit func(synckit.ChangeEvent) bool) error {
		defer resp.Body.Close()
		return readSSE(ctx, bufio.NewScanner(resp.Body), c.options.MaxEventSize, emit, c.skipEvent(StreamSSE))
	}, nil
}

// readSSE parses a text/event-stream. Events named other than "change" are
// skipped; comment lines serve as heartbeats. A change event that does not
// decode is handed to skip and the stream goes on.
func readSSE(ctx context.Context, sc *bufio.Scanner, maxEvent int, emit func(synckit.ChangeEvent) bool, skip func(error)) error {
	const op = syncErrors.OpSubscribe

	sc.Buffer(make([]byte, 0, min(64<<10, maxEvent)), maxEvent)
	var (
		data      bytes.Buffer
		hasData   bool
		eventName string
		lastID    string
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if hasData && (eventName == "" || eventName == "change") {
				ev, err := decodeEvent(data.Bytes(), lastID)
				switch {
				case err != nil:
					skip(syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode event"))
				case !emit(ev):
					return nil
				}
			}
			data.Reset()
			hasData = false
			eventName = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			lastID = value
		case "event":
			eventName = value
		}
	}

	err := sc.Err()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "event too large")
	default:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransport, err, "read stream")
	}
}

func decodeEvent(data []byte, lastID string) (synckit.ChangeEvent, error) {
	var msg ChangeEventJSON
	if err := json.Unmarshal(data, &msg); err != nil {
		return synckit.ChangeEvent{}, err
	}
	var fallback cursor.Cursor
	if lastID != "" {
		fallback = cursor.TokenCursor{Token: lastID}
	}
	return msg.toEvent(fallback)
}

func (c *Client) dialWebSocket(ctx context.Context, query url.Values) (readFunc, error) {
	const op = syncErrors.OpSubscribe

	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/changes/ws"
	u.RawQuery = query.Encode()

	hdr := http.Header{}
	if err := c.authorize(ctx, op, hdr); err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: hdr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			kind, sentinel := classifyStatus(resp.StatusCode)
			args := []interface{}{op, syncErrors.Component(component), kind,
				map[string]interface{}{"status": resp.StatusCode}}
			if sentinel != nil {
				args = append(args, err.Error(), sentinel)
			} else {
				args = append(args, err)
			}
			return nil, syncErrors.E(args...)
		}
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransport, err, "websocket dial")
	}
	conn.SetReadLimit(int64(c.options.MaxEventSize))

	skip := c.skipEvent(StreamWebSocket)
	return func(ctx context.Context, emit func(synckit.ChangeEvent) bool) error {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransport, err, "read stream")
			}
			ev, err := decodeEvent(data, "")
			if err != nil {
				skip(syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode event"))
				continue
			}
			if !emit(ev) {
				return nil
			}
		}
	}, nil
}

// skipEvent returns the handler for change events that fail to decode:
// they are logged, counted and dropped so one bad event cannot end every
// session that replays it.
func (c *Client) skipEvent(mode StreamMode) func(error) {
	return func(err error) {
		n := c.skipped.Add(1)
		c.logger.Warn("Skipping undecodable change event", "mode", mode, "skipped_total", n, "error", err)
	}
}

// SkippedEvents reports how many change events were dropped because they
// did not decode.
func (c *Client) SkippedEvents() int64 {
	return c.skipped.Load()
}
