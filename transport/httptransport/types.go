package httptransport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// StreamMode selects how the change stream is carried.
type StreamMode string

const (
	// StreamSSE reads text/event-stream from GET /changes.
	StreamSSE StreamMode = "sse"
	// StreamWebSocket reads JSON messages from /changes/ws.
	StreamWebSocket StreamMode = "websocket"
)

// ClientOptions configures the HTTP transport client behavior
type ClientOptions struct {
	// CompressionEnabled advertises gzip and gzips request bodies larger
	// than GzipMinBytes
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxResponseSize int64

	// MaxDecompressedResponseSize bounds gunzipped responses.
	// If 0, defaults to 20MB
	MaxDecompressedResponseSize int64

	// MaxEventSize bounds a single change stream event. If 0, defaults to 10MB
	MaxEventSize int

	// RequestTimeout applies to each CRUD request. Streams are not bounded.
	// If 0, defaults to 30 seconds
	RequestTimeout time.Duration

	Stream StreamMode

	Retry RetryConfig
}

// RetryConfig bounds the per-call retries of transient failures
// (network errors, 5xx and 429).
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int
	WaitMin     time.Duration
	WaitMax     time.Duration
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,             // 1KB
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		MaxEventSize:                10 * 1024 * 1024, // 10MB
		RequestTimeout:              30 * time.Second,
		Stream:                      StreamSSE,
		Retry: RetryConfig{
			MaxAttempts: 3,
			WaitMin:     500 * time.Millisecond,
			WaitMax:     10 * time.Second,
		},
	}
}

// Validate rejects negative limits and unknown stream modes.
func (o *ClientOptions) Validate() error {
	switch {
	case o.GzipMinBytes < 0:
		return fmt.Errorf("GzipMinBytes must be >= 0, got %d", o.GzipMinBytes)
	case o.MaxResponseSize < 0:
		return fmt.Errorf("MaxResponseSize must be >= 0, got %d", o.MaxResponseSize)
	case o.MaxDecompressedResponseSize < 0:
		return fmt.Errorf("MaxDecompressedResponseSize must be >= 0, got %d", o.MaxDecompressedResponseSize)
	case o.MaxEventSize < 0:
		return fmt.Errorf("MaxEventSize must be >= 0, got %d", o.MaxEventSize)
	case o.RequestTimeout < 0:
		return fmt.Errorf("RequestTimeout must be >= 0, got %v", o.RequestTimeout)
	case o.Retry.MaxAttempts < 0:
		return fmt.Errorf("Retry.MaxAttempts must be >= 0, got %d", o.Retry.MaxAttempts)
	case o.Retry.WaitMax > 0 && o.Retry.WaitMin > o.Retry.WaitMax:
		return fmt.Errorf("Retry.WaitMin (%v) exceeds Retry.WaitMax (%v)", o.Retry.WaitMin, o.Retry.WaitMax)
	}
	switch o.Stream {
	case "", StreamSSE, StreamWebSocket:
	default:
		return fmt.Errorf("unknown stream mode %q", o.Stream)
	}
	return nil
}

func (o *ClientOptions) setDefaults() {
	d := DefaultClientOptions()
	if o.MaxResponseSize == 0 {
		o.MaxResponseSize = d.MaxResponseSize
	}
	if o.MaxDecompressedResponseSize == 0 {
		o.MaxDecompressedResponseSize = d.MaxDecompressedResponseSize
	}
	if o.MaxEventSize == 0 {
		o.MaxEventSize = d.MaxEventSize
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.Stream == "" {
		o.Stream = StreamSSE
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = 1
	}
	if o.Retry.WaitMin <= 0 {
		o.Retry.WaitMin = d.Retry.WaitMin
	}
	if o.Retry.WaitMax <= 0 {
		o.Retry.WaitMax = d.Retry.WaitMax
	}
}

// RecordJSON is the wire form of a record returned by GET /records.
type RecordJSON struct {
	Key         string          `json:"key"`
	RecordType  string          `json:"record_type"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash,omitempty"`
	Version     int64           `json:"version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r RecordJSON) toRemote() *synckit.RemoteRecord {
	return &synckit.RemoteRecord{
		Key:         r.Key,
		RecordType:  r.RecordType,
		Payload:     r.Payload,
		ContentHash: r.ContentHash,
		Version:     r.Version,
		UpdatedAt:   r.UpdatedAt,
	}
}

// PushResultJSON is the response body of a create or update.
type PushResultJSON struct {
	Key         string    `json:"key"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"content_hash,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r PushResultJSON) toResult() *synckit.PushResult {
	return &synckit.PushResult{
		Key:         r.Key,
		Version:     r.Version,
		ContentHash: r.ContentHash,
		UpdatedAt:   r.UpdatedAt,
	}
}

// ChangeEventJSON is one change stream message.
type ChangeEventJSON struct {
	OwnerID         string              `json:"owner_id"`
	Operations      []synckit.Operation `json:"operations"`
	SourceTimestamp time.Time           `json:"source_timestamp"`
	Cursor          *cursor.WireCursor  `json:"cursor,omitempty"`
}

// toEvent converts the message. fallback is used when the message carries
// no cursor of its own, as with an SSE id line.
func (e ChangeEventJSON) toEvent(fallback cursor.Cursor) (synckit.ChangeEvent, error) {
	ev := synckit.ChangeEvent{
		OwnerID:         e.OwnerID,
		Operations:      e.Operations,
		SourceTimestamp: e.SourceTimestamp,
		Cursor:          fallback,
	}
	if e.Cursor != nil {
		c, err := cursor.UnmarshalWire(e.Cursor)
		if err != nil {
			return synckit.ChangeEvent{}, fmt.Errorf("invalid event cursor: %w", err)
		}
		ev.Cursor = c
	}
	for i, op := range ev.Operations {
		if !op.Action.Valid() {
			return synckit.ChangeEvent{}, fmt.Errorf("operation %d: unknown action %q", i, op.Action)
		}
	}
	return ev, nil
}

type errorBody struct {
	Error string `json:"error"`
}
