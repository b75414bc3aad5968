package synckit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
)

const editorComponent = "synckit.editor"

// TempKeyPrefix marks keys assigned locally before the remote confirmed a
// create.
const TempKeyPrefix = "local-"

// Editor applies local edits to the cache and queues them for the Drainer.
// Edits never touch the network, so they succeed while offline.
type Editor struct {
	cache  LocalCache
	logger *slog.Logger
	now    func() time.Time
}

func NewEditor(cache LocalCache, opts ...Option) (*Editor, error) {
	if cache == nil {
		return nil, syncErrors.E(syncErrors.Op("synckit.NewEditor"), syncErrors.KindInvalid, "local cache is required")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("synckit.NewEditor"), syncErrors.Component("synckit"), syncErrors.KindInvalid, err)
	}
	return &Editor{cache: cache, logger: o.logger.With("component", editorComponent), now: o.now}, nil
}

// Create caches a new record under a temporary key and queues its create.
func (e *Editor) Create(ctx context.Context, recordType string, payload json.RawMessage) (CachedRecord, error) {
	if recordType == "" {
		return CachedRecord{}, syncErrors.E(syncErrors.OpStage, syncErrors.Component(editorComponent), syncErrors.KindInvalid, "record type is required")
	}
	if !json.Valid(payload) {
		return CachedRecord{}, syncErrors.E(syncErrors.OpStage, syncErrors.Component(editorComponent), syncErrors.KindInvalid, "payload is not valid JSON")
	}

	now := e.now()
	rec := CachedRecord{
		Key:         TempKeyPrefix + uuid.NewString(),
		RecordType:  recordType,
		Payload:     payload,
		PendingSync: true,
		UpdatedAt:   now,
	}
	m := e.mutation(rec.Key, recordType, ActionCreate, payload, now)
	if err := e.cache.Stage(ctx, m, StageRecord(&rec)); err != nil {
		return CachedRecord{}, syncErrors.NewWithComponent(syncErrors.OpStage, editorComponent, err)
	}
	e.logger.Debug("Staged create", "key", rec.Key, "record_type", recordType)
	return rec, nil
}

// Update merges the top-level fields of partial into the cached record and
// queues partial as an update. The merge is redone against the record the
// cache holds when the edit is staged, and a key that has since been
// replaced, typically a temporary key confirmed by a drain, is NotFound.
func (e *Editor) Update(ctx context.Context, key string, partial json.RawMessage) (CachedRecord, error) {
	existing, err := e.lookup(ctx, key)
	if err != nil {
		return CachedRecord{}, err
	}
	if _, err := mergeJSON(existing.Payload, partial); err != nil {
		return CachedRecord{}, syncErrors.E(syncErrors.OpStage, syncErrors.Component(editorComponent), syncErrors.KindInvalid, err)
	}

	now := e.now()
	var staged CachedRecord
	m := e.mutation(key, existing.RecordType, ActionUpdate, partial, now)
	err = e.cache.Stage(ctx, m, func(current *CachedRecord) (*CachedRecord, error) {
		if current == nil {
			return nil, e.notFound(key)
		}
		merged, err := mergeJSON(current.Payload, partial)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpStage, syncErrors.Component(editorComponent), syncErrors.KindInvalid, err)
		}
		staged = *current
		staged.Payload = merged
		staged.PendingSync = true
		staged.UpdatedAt = now
		return &staged, nil
	})
	if err != nil {
		return CachedRecord{}, e.stageError(err)
	}
	e.logger.Debug("Staged update", "key", key)
	return staged, nil
}

// Delete removes the record locally and queues its delete.
func (e *Editor) Delete(ctx context.Context, key string) error {
	existing, err := e.lookup(ctx, key)
	if err != nil {
		return err
	}
	m := e.mutation(key, existing.RecordType, ActionDelete, nil, e.now())
	err = e.cache.Stage(ctx, m, func(current *CachedRecord) (*CachedRecord, error) {
		if current == nil {
			return nil, e.notFound(key)
		}
		return nil, nil
	})
	if err != nil {
		return e.stageError(err)
	}
	e.logger.Debug("Staged delete", "key", key)
	return nil
}

func (e *Editor) notFound(key string) error {
	return syncErrors.E(syncErrors.OpStage, syncErrors.Component(editorComponent), syncErrors.KindNotFound, syncErrors.ErrNotFound, key)
}

// stageError passes the editor's own rejections through and wraps the rest
// as cache failures.
func (e *Editor) stageError(err error) error {
	var se *syncErrors.SyncError
	if stderrors.As(err, &se) && se.Component == editorComponent {
		return err
	}
	return syncErrors.NewWithComponent(syncErrors.OpStage, editorComponent, err)
}

func (e *Editor) lookup(ctx context.Context, key string) (*CachedRecord, error) {
	rec, err := e.cache.Get(ctx, key)
	if stderrors.Is(err, ErrCacheMiss) {
		return nil, e.notFound(key)
	}
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpLoad, editorComponent, err)
	}
	return rec, nil
}

func (e *Editor) mutation(key, recordType string, op Action, payload json.RawMessage, at time.Time) PendingMutation {
	return PendingMutation{
		ID:         uuid.NewString(),
		Key:        key,
		RecordType: recordType,
		Op:         op,
		Payload:    payload,
		EnqueuedAt: at,
	}
}

// mergeJSON overlays the top-level members of patch onto base. A null member
// in patch removes the field.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, syncErrors.E(syncErrors.Op("synckit.merge"), "partial update must be a JSON object", err)
	}
	fields := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, syncErrors.E(syncErrors.Op("synckit.merge"), "cached payload is not a JSON object", err)
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	for k, v := range patchFields {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	return json.Marshal(fields)
}
