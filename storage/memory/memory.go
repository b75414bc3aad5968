// Package memory implements synckit.LocalCache in process memory. It is
// intended for tests and for clients that do not need the cache to survive a
// restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// ErrCacheClosed is returned by every method after Close.
var ErrCacheClosed = errors.New("memory cache is closed")

// Cache is a mutex-guarded map of records plus an ordered mutation slice.
type Cache struct {
	mu       sync.RWMutex
	records  map[string]synckit.CachedRecord
	queue    []synckit.PendingMutation
	cursor   cursor.Cursor
	lastSync time.Time
	closed   bool
}

var _ synckit.LocalCache = (*Cache)(nil)

func New() *Cache {
	return &Cache{records: make(map[string]synckit.CachedRecord)}
}

func (c *Cache) Get(ctx context.Context, key string) (*synckit.CachedRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	rec := c.currentLocked(key)
	if rec == nil {
		return nil, synckit.ErrCacheMiss
	}
	return rec, nil
}

func (c *Cache) Put(ctx context.Context, rec synckit.CachedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.putLocked(rec)
	return nil
}

func (c *Cache) putLocked(rec synckit.CachedRecord) {
	rec.Payload = append([]byte(nil), rec.Payload...)
	c.records[rec.Key] = rec
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	delete(c.records, key)
	return nil
}

// Keys returns the cached keys, mainly for tests.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache) ListPendingMutations(ctx context.Context) ([]synckit.PendingMutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	out := make([]synckit.PendingMutation, len(c.queue))
	copy(out, c.queue)
	return out, nil
}

func (c *Cache) PendingCount(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrCacheClosed
	}
	return len(c.queue), nil
}

func (c *Cache) EnqueueMutation(ctx context.Context, m synckit.PendingMutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.queue = append(c.queue, m)
	return nil
}

func (c *Cache) DequeueMutation(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	if m, ok := c.removeLocked(id); ok {
		c.settleLocked(m.Key)
	}
	return nil
}

func (c *Cache) RekeyMutations(ctx context.Context, oldKey, newKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.rekeyLocked(oldKey, newKey)
	return nil
}

func (c *Cache) rekeyLocked(oldKey, newKey string) {
	for i := range c.queue {
		if c.queue[i].Key == oldKey {
			c.queue[i].Key = newKey
		}
	}
}

func (c *Cache) Stage(ctx context.Context, m synckit.PendingMutation, edit synckit.EditFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	rec, err := edit(c.currentLocked(m.Key))
	if err != nil {
		return err
	}
	if rec != nil {
		next := *rec
		next.Key = m.Key
		next.PendingSync = true
		c.putLocked(next)
	} else {
		delete(c.records, m.Key)
	}
	c.queue = append(c.queue, m)
	return nil
}

func (c *Cache) ApplyRemote(ctx context.Context, key string, resolve synckit.EditFunc) (*synckit.CachedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	rec, err := resolve(c.currentLocked(key))
	if err != nil || rec == nil {
		return nil, err
	}
	next := *rec
	next.Key = key
	c.putLocked(next)
	c.settleLocked(key)
	stored := c.records[key]
	stored.Payload = append([]byte(nil), stored.Payload...)
	return &stored, nil
}

// currentLocked returns a copy of the record under key, nil if absent.
func (c *Cache) currentLocked(key string) *synckit.CachedRecord {
	rec, ok := c.records[key]
	if !ok {
		return nil
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return &rec
}

func (c *Cache) AckMutation(ctx context.Context, ack synckit.Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.removeLocked(ack.MutationID)

	key := ack.Key
	switch ack.Action {
	case synckit.ActionDelete:
		delete(c.records, key)
		return nil
	case synckit.ActionCreate:
		if ack.CanonicalKey != "" && ack.CanonicalKey != key {
			if rec, ok := c.records[key]; ok {
				delete(c.records, key)
				rec.Key = ack.CanonicalKey
				c.records[rec.Key] = rec
			}
			c.rekeyLocked(key, ack.CanonicalKey)
			key = ack.CanonicalKey
		}
	}

	if rec, ok := c.records[key]; ok {
		rec.Version = ack.Version
		if ack.ContentHash != "" {
			rec.ContentHash = ack.ContentHash
		}
		if !ack.UpdatedAt.IsZero() {
			rec.UpdatedAt = ack.UpdatedAt
		}
		c.records[key] = rec
	}
	c.settleLocked(key)
	return nil
}

func (c *Cache) removeLocked(id string) (synckit.PendingMutation, bool) {
	for i, m := range c.queue {
		if m.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return m, true
		}
	}
	return synckit.PendingMutation{}, false
}

// settleLocked recomputes PendingSync for key from the queue.
func (c *Cache) settleLocked(key string) {
	rec, ok := c.records[key]
	if !ok {
		return
	}
	rec.PendingSync = false
	for _, m := range c.queue {
		if m.Key == key {
			rec.PendingSync = true
			break
		}
	}
	c.records[key] = rec
}

func (c *Cache) GetCursor(ctx context.Context) (cursor.Cursor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	return c.cursor, nil
}

func (c *Cache) SetCursor(ctx context.Context, cur cursor.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.cursor = cur
	return nil
}

func (c *Cache) LastSyncAt(ctx context.Context) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return time.Time{}, ErrCacheClosed
	}
	return c.lastSync, nil
}

func (c *Cache) SetLastSyncAt(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.lastSync = t
	return nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
