// Package cursor defines the opaque stream checkpoints handed out by a change
// stream and the codecs that move them across the wire and into storage.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	KindInteger = "integer"
	KindToken   = "token"
)

// Cursor is a position in a change stream. Consumers never inspect it; they
// persist it and hand it back on resubscription.
type Cursor interface {
	Kind() string
}

// Codec for marshaling/unmarshaling cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)      // returns the Data part only
	Unmarshal(data json.RawMessage) (Cursor, error) // parse Data into a Cursor
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func init() {
	Register(integerCodec{})
	Register(tokenCodec{})
}

// Register adds or replaces the codec for c.Kind().
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024

var (
	ErrUnknownKind = errors.New("unknown cursor kind")
	ErrTooLarge    = errors.New("cursor payload too large")
)

// WireCursor is the typed union used on the wire and in storage.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	if c == nil {
		return nil, errors.New("nil cursor")
	}
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(wc.Data))
	}
	codec, ok := Lookup(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, wc.Kind)
	}
	return codec.Unmarshal(wc.Data)
}

// Encode renders c as a JSON WireCursor string. A nil cursor encodes to "".
func Encode(c Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	wc, err := MarshalWire(c)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode is the inverse of Encode. An empty string decodes to a nil cursor.
func Decode(s string) (Cursor, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > maxWireCursorSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(s))
	}
	var wc WireCursor
	if err := json.Unmarshal([]byte(s), &wc); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return UnmarshalWire(&wc)
}

// IntegerCursor is a simple high-water mark (seq).
type IntegerCursor struct {
	Seq uint64
}

func (IntegerCursor) Kind() string { return KindInteger }

func (ic IntegerCursor) String() string { return strconv.FormatUint(ic.Seq, 10) }

// TokenCursor wraps a server-issued opaque token such as an SSE event id.
type TokenCursor struct {
	Token string
}

func (TokenCursor) Kind() string { return KindToken }

func (tc TokenCursor) String() string { return tc.Token }

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return IntegerCursor{Seq: seq}, nil
}

type tokenCodec struct{}

func (tokenCodec) Kind() string { return KindToken }

func (tokenCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TokenCursor)
	if !ok {
		return nil, fmt.Errorf("expected TokenCursor, got %T", c)
	}
	return json.Marshal(tc.Token)
}

func (tokenCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var tok string
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return TokenCursor{Token: tok}, nil
}
