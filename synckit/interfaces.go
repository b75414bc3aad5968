package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/c0deZ3R0/go-record-sync/cursor"
)

// ErrCacheMiss is returned by LocalCache.Get for unknown keys.
var ErrCacheMiss = errors.New("record not in local cache")

// RemoteStore is the authoritative record repository. Implementations
// retry transient failures themselves and report the rest as
// *errors.SyncError values classified by Kind.
type RemoteStore interface {
	// SubscribeToChanges opens the owner's change stream positioned after
	// from. A nil cursor means "from now".
	SubscribeToChanges(ctx context.Context, ownerID string, from cursor.Cursor) (Subscription, error)

	FetchRecord(ctx context.Context, recordType, key string) (*RemoteRecord, error)
	PushCreate(ctx context.Context, recordType string, payload json.RawMessage) (*PushResult, error)
	PushUpdate(ctx context.Context, key string, partial json.RawMessage) (*PushResult, error)
	PushDelete(ctx context.Context, key string) error
}

// Subscription is an open change stream.
type Subscription interface {
	// Events is closed when the stream ends for any reason.
	Events() <-chan ChangeEvent

	// Err reports why Events was closed. Nil while the stream is open or
	// after Close.
	Err() error

	Close() error
}

// LocalCache is the durable local side of synchronization. Every method
// must be safe for concurrent use.
type LocalCache interface {
	// Get returns ErrCacheMiss when key is unknown.
	Get(ctx context.Context, key string) (*CachedRecord, error)
	Put(ctx context.Context, rec CachedRecord) error
	// Delete is a no-op for unknown keys.
	Delete(ctx context.Context, key string) error

	// ListPendingMutations returns queued mutations in enqueue order.
	ListPendingMutations(ctx context.Context) ([]PendingMutation, error)
	PendingCount(ctx context.Context) (int, error)
	EnqueueMutation(ctx context.Context, m PendingMutation) error

	// DequeueMutation removes one queued mutation and clears PendingSync on
	// its record when no other mutation for that key remains.
	DequeueMutation(ctx context.Context, id string) error

	// RekeyMutations moves queued mutations from oldKey to newKey.
	RekeyMutations(ctx context.Context, oldKey, newKey string) error

	// Stage atomically applies a local edit and queues its mutation. edit
	// runs under the cache's write lock with the record currently stored
	// under m.Key. If edit fails nothing is written and its error is
	// returned unchanged.
	Stage(ctx context.Context, m PendingMutation, edit EditFunc) error

	// ApplyRemote atomically stores a remote change for key. resolve runs
	// under the cache's write lock with the record currently stored under
	// key and returns the record to store, or nil to keep the current one.
	// The stored PendingSync is recomputed from the queue, never taken from
	// the returned record. ApplyRemote returns what it stored, nil if
	// nothing. Errors from resolve are returned unchanged.
	ApplyRemote(ctx context.Context, key string, resolve EditFunc) (*CachedRecord, error)

	// AckMutation atomically dequeues a confirmed mutation and applies the
	// remote's answer: creates move the record to the canonical key and
	// re-key later mutations, creates and updates take the new version and
	// deletes drop the record. PendingSync ends up true only if mutations
	// for the record's key remain queued.
	AckMutation(ctx context.Context, ack Ack) error

	// GetCursor returns nil when no checkpoint has been stored.
	GetCursor(ctx context.Context) (cursor.Cursor, error)
	SetCursor(ctx context.Context, c cursor.Cursor) error
	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error

	Close() error
}

// EditFunc derives a record from the one currently cached under a key,
// which is nil when the key is unknown. For Stage a nil result removes the
// key.
type EditFunc func(current *CachedRecord) (*CachedRecord, error)

// StageRecord returns an EditFunc that stores rec whatever is cached. A nil
// rec removes the key.
func StageRecord(rec *CachedRecord) EditFunc {
	return func(*CachedRecord) (*CachedRecord, error) { return rec, nil }
}

// IdentityProvider yields the current authenticated identity. An empty
// OwnerID means nobody is signed in.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(ctx context.Context) (Identity, error)

func (f IdentityFunc) Identity(ctx context.Context) (Identity, error) { return f(ctx) }

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to ctx so a RemoteStore can deduplicate
// replays of the same create.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFromContext returns the key set by WithIdempotencyKey.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}
