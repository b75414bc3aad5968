// Package synckit keeps a local record cache in step with an authoritative
// per-user remote store. It consumes the store's change stream, resolves
// conflicts against unconfirmed local edits and replays queued mutations
// upstream once connectivity allows.
package synckit

import (
	"encoding/json"
	"time"

	"github.com/c0deZ3R0/go-record-sync/cursor"
)

// Action is the kind of change carried by an Operation or a PendingMutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Operation points at one changed record. The stream carries keys and
// hashes, never payloads.
type Operation struct {
	Action      Action `json:"action"`
	RecordType  string `json:"record_type"`
	RecordKey   string `json:"record_key"`
	ContentHash string `json:"content_hash,omitempty"`
}

// ChangeEvent is one batch delivered by the change stream.
type ChangeEvent struct {
	OwnerID         string
	Operations      []Operation
	SourceTimestamp time.Time

	// Cursor is the stream position after this event. Nil when the
	// transport does not issue checkpoints.
	Cursor cursor.Cursor
}

// CachedRecord is the local copy of a record.
type CachedRecord struct {
	Key         string          `json:"key"`
	RecordType  string          `json:"record_type"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash,omitempty"`
	Version     int64           `json:"version"`

	// PendingSync is set while at least one mutation for Key is queued.
	PendingSync bool      `json:"pending_sync"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PendingMutation is a local write queued for replay upstream.
type PendingMutation struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	RecordType string          `json:"record_type"`
	Op         Action          `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RemoteRecord is the authoritative state returned by FetchRecord.
type RemoteRecord struct {
	Key         string
	RecordType  string
	Payload     json.RawMessage
	ContentHash string
	Version     int64
	UpdatedAt   time.Time
}

// PushResult is the remote's confirmation of a create or update.
type PushResult struct {
	// Key is the canonical key. For creates it may differ from the
	// temporary key the mutation was queued under.
	Key         string
	Version     int64
	ContentHash string
	UpdatedAt   time.Time
}

// Ack tells the cache that the remote confirmed a queued mutation.
type Ack struct {
	MutationID string
	Action     Action

	// Key is the key the mutation was queued under.
	Key string

	// CanonicalKey is the server-assigned key for creates. Empty or equal
	// to Key when no re-keying is needed.
	CanonicalKey string

	Version     int64
	ContentHash string
	UpdatedAt   time.Time
}

// Identity is the authenticated principal the sync session runs as.
type Identity struct {
	OwnerID string
	Token   string
}

// Status is the connection state of a Controller.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusSyncing    Status = "syncing"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
)

func (s Status) active() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusSyncing
}

// SyncState is a point-in-time summary for display.
type SyncState struct {
	Status       Status
	LastSyncAt   time.Time
	PendingCount int
	LastError    error
}
