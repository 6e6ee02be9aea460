// Package queue implements the durable local queue: the single source of
// truth for local records the server has not yet confirmed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/state"
)

// Storage keys. The v1 prefix lets a later layout be migrated by key
// presence.
const (
	KeyMessages      = "vibetune/v1/messages"
	KeyConversations = "vibetune/v1/conversations"
	KeyLastSync      = "vibetune/v1/last_sync"
	KeyIDAliases     = "vibetune/v1/id_aliases"

	legacyMessages      = "messages"
	legacyConversations = "conversations"
	legacyLastSync      = "last_sync"
)

func keyFor(t models.EntityType) string {
	if t == models.EntityConversation {
		return KeyConversations
	}

	return KeyMessages
}

// Queue persists QueueRecords per entity type. The in-memory copy is
// authoritative for readers; every mutation is written through to storage.
// When a write fails the in-memory state still reflects the change and the
// next successful write persists it.
type Queue struct {
	store    state.Storage
	deviceID string
	logger   *slog.Logger

	mu      sync.Mutex
	records map[models.EntityType][]models.QueueRecord
	// aliases maps local ids to the server ids that replaced them, per
	// entity type. Callers may still hold a local id after its record was
	// renamed.
	aliases map[models.EntityType]map[string]string

	now   func() time.Time
	newID func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for stamping and purging.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides local id generation.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// Open loads the queue from store, migrating legacy unversioned keys if
// the versioned ones are absent.
func Open(store state.Storage, deviceID string, logger *slog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:    store,
		deviceID: deviceID,
		logger:   logger,
		records:  make(map[models.EntityType][]models.QueueRecord),
		aliases:  make(map[models.EntityType]map[string]string),
		now:      time.Now,
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(q)
	}

	for _, t := range models.EntityTypes {
		recs, err := q.load(t)
		if err != nil {
			return nil, err
		}

		q.records[t] = recs
	}

	if err := q.migrateLastSync(); err != nil {
		return nil, err
	}

	if err := q.loadAliases(); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *Queue) loadAliases() error {
	data, err := q.store.Get(KeyIDAliases)
	if err != nil {
		return fmt.Errorf("reading %s: %w", KeyIDAliases, err)
	}

	if data == nil {
		return nil
	}

	if err := json.Unmarshal(data, &q.aliases); err != nil {
		return fmt.Errorf("decoding %s: %w", KeyIDAliases, err)
	}

	if q.aliases == nil {
		q.aliases = make(map[models.EntityType]map[string]string)
	}

	return nil
}

func (q *Queue) persistAliases() error {
	data, err := json.Marshal(q.aliases)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", KeyIDAliases, err)
	}

	if err := q.store.Set(KeyIDAliases, data); err != nil {
		return fmt.Errorf("writing %s: %w", KeyIDAliases, err)
	}

	return nil
}

// canonicalLocked follows the alias table for id. Caller holds mu.
func (q *Queue) canonicalLocked(t models.EntityType, id string) string {
	if to, ok := q.aliases[t][id]; ok {
		return to
	}

	return id
}

// CanonicalID returns the server id that replaced id, or id itself when
// it was never replaced.
func (q *Queue) CanonicalID(_ context.Context, t models.EntityType, id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.canonicalLocked(t, id)
}

func (q *Queue) load(t models.EntityType) ([]models.QueueRecord, error) {
	data, err := q.store.Get(keyFor(t))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", keyFor(t), err)
	}

	if data != nil {
		var recs []models.QueueRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keyFor(t), err)
		}

		return recs, nil
	}

	legacyKey := legacyMessages
	if t == models.EntityConversation {
		legacyKey = legacyConversations
	}

	legacy, err := q.store.Get(legacyKey)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", legacyKey, err)
	}

	if legacy == nil {
		return nil, nil
	}

	recs, err := decodeLegacy(t, legacy)
	if err != nil {
		return nil, fmt.Errorf("migrating %s: %w", legacyKey, err)
	}

	if err := q.write(t, recs); err != nil {
		return nil, err
	}

	if err := q.store.Remove(legacyKey); err != nil {
		return nil, fmt.Errorf("removing %s: %w", legacyKey, err)
	}

	q.logger.Info("migrated legacy queue key",
		slog.String("from", legacyKey),
		slog.String("to", keyFor(t)),
		slog.Int("records", len(recs)),
	)

	return recs, nil
}

// decodeLegacy reads the pre-v1 layout: a flat array of entity objects with
// an inline "synced" flag.
func decodeLegacy(t models.EntityType, data []byte) ([]models.QueueRecord, error) {
	arr := gjson.ParseBytes(data)
	if !arr.IsArray() {
		return nil, fmt.Errorf("expected JSON array")
	}

	var recs []models.QueueRecord

	for _, item := range arr.Array() {
		rec, err := models.RecordFromPayload(t, json.RawMessage(item.Raw))
		if err != nil {
			return nil, err
		}

		rec.Synced = item.Get("synced").Bool()
		recs = append(recs, rec)
	}

	return recs, nil
}

func (q *Queue) migrateLastSync() error {
	cur, err := q.store.Get(KeyLastSync)
	if err != nil || cur != nil {
		return err
	}

	legacy, err := q.store.Get(legacyLastSync)
	if err != nil || legacy == nil {
		return err
	}

	if err := q.store.Set(KeyLastSync, legacy); err != nil {
		return fmt.Errorf("migrating %s: %w", legacyLastSync, err)
	}

	return q.store.Remove(legacyLastSync)
}

// write serializes recs under the entity type's key. Caller holds mu or is
// still constructing the queue.
func (q *Queue) write(t models.EntityType, recs []models.QueueRecord) error {
	if recs == nil {
		recs = []models.QueueRecord{}
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", keyFor(t), err)
	}

	if err := q.store.Set(keyFor(t), data); err != nil {
		return fmt.Errorf("writing %s: %w", keyFor(t), err)
	}

	return nil
}

func (q *Queue) persist(t models.EntityType) error {
	return q.write(t, q.records[t])
}

func (q *Queue) indexOf(t models.EntityType, id string) int {
	return slices.IndexFunc(q.records[t], func(r models.QueueRecord) bool {
		return r.ID() == id
	})
}

// Enqueue stores rec as unsynced, assigning a local id when it has none and
// stamping the device id and timestamps. Any existing record with the same
// identity is replaced and the new one moves to the end of the queue.
// Local ids already replaced by server ids, for the record itself or the
// conversation a message belongs to, are rewritten to the server ids.
//
// Enqueue never fails: storage errors are logged and the returned record
// still reflects the action.
func (q *Queue) Enqueue(ctx context.Context, rec models.QueueRecord) models.QueueRecord {
	if err := rec.Validate(); err != nil {
		q.logger.ErrorContext(ctx, "rejecting malformed queue record", slog.String("error", err.Error()))
		return rec
	}

	rec = rec.Clone()
	if rec.ID() == "" {
		rec.SetID(q.newID())
	}

	rec.Stamp(q.deviceID, q.now())
	rec.Synced = false

	q.mu.Lock()
	defer q.mu.Unlock()

	t := rec.EntityType
	rec.SetID(q.canonicalLocked(t, rec.ID()))

	if rec.Message != nil {
		rec.Message.ConversationID = q.canonicalLocked(models.EntityConversation, rec.Message.ConversationID)
	}

	if i := q.indexOf(t, rec.ID()); i >= 0 {
		q.records[t] = slices.Delete(q.records[t], i, i+1)
	}

	q.records[t] = append(q.records[t], rec)

	if err := q.persist(t); err != nil {
		q.logger.ErrorContext(ctx, "queue write failed, record kept in memory",
			slog.String("entity_type", string(t)),
			slog.String("id", rec.ID()),
			slog.String("error", err.Error()),
		)
	}

	return rec.Clone()
}

// UnsyncedOf returns a snapshot of unsynced records in insertion order.
// With no types given, conversations are listed before messages.
func (q *Queue) UnsyncedOf(_ context.Context, types ...models.EntityType) []models.QueueRecord {
	if len(types) == 0 {
		types = models.EntityTypes
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.QueueRecord

	for _, t := range types {
		for _, r := range q.records[t] {
			if !r.Synced {
				out = append(out, r.Clone())
			}
		}
	}

	return out
}

// Get returns the record with the given identity.
func (q *Queue) Get(_ context.Context, t models.EntityType, id string) (models.QueueRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(t, id)
	if i < 0 {
		return models.QueueRecord{}, false
	}

	return q.records[t][i].Clone(), true
}

// PendingCount returns the number of unsynced records of all types.
func (q *Queue) PendingCount(_ context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0

	for _, recs := range q.records {
		for _, r := range recs {
			if !r.Synced {
				n++
			}
		}
	}

	return n
}

// MarkSynced flips the record's synced flag. Marking an already synced or
// unknown record is a no-op.
func (q *Queue) MarkSynced(_ context.Context, t models.EntityType, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(t, id)
	if i < 0 || q.records[t][i].Synced {
		return nil
	}

	q.records[t][i].Synced = true

	return q.persist(t)
}

// Settle records the outcome of pushing the snapshot pushed: the stored
// record is replaced by final and marked synced. If the record was edited
// locally after the snapshot was taken, it is left unsynced for the next
// pass and Settle returns false.
func (q *Queue) Settle(_ context.Context, pushed, final models.QueueRecord) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := pushed.EntityType

	i := q.indexOf(t, pushed.ID())
	if i < 0 {
		return false, nil
	}

	if q.records[t][i].UpdatedAt() != pushed.UpdatedAt() {
		return false, nil
	}

	final = final.Clone()
	final.Synced = true
	q.records[t][i] = final

	return true, q.persist(t)
}

// ReplaceID swaps a local id for the server-assigned one and remembers the
// pair, so later enqueues that still carry oldID land on newID. A stale
// copy already stored under newID is dropped.
func (q *Queue) ReplaceID(_ context.Context, t models.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(t, oldID)
	if i < 0 {
		return fmt.Errorf("%s %s not in queue", t, oldID)
	}

	if j := q.indexOf(t, newID); j >= 0 {
		q.records[t] = slices.Delete(q.records[t], j, j+1)
		if j < i {
			i--
		}
	}

	q.records[t][i].SetID(newID)

	if q.aliases[t] == nil {
		q.aliases[t] = make(map[string]string)
	}

	for from, to := range q.aliases[t] {
		if to == oldID {
			q.aliases[t][from] = newID
		}
	}

	delete(q.aliases[t], newID)
	q.aliases[t][oldID] = newID

	return errors.Join(q.persist(t), q.persistAliases())
}

// RewriteConversationRef points every queued message that references
// oldID at newID and returns how many were changed.
func (q *Queue) RewriteConversationRef(_ context.Context, oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0

	for i := range q.records[models.EntityMessage] {
		m := q.records[models.EntityMessage][i].Message
		if m != nil && m.ConversationID == oldID {
			m.ConversationID = newID
			n++
		}
	}

	if n == 0 {
		return 0, nil
	}

	return n, q.persist(models.EntityMessage)
}

// ApplyRemote merges a server row into the queue as synced. A locally
// unsynced record with the same identity is never overwritten; the
// return value reports whether rec was stored.
func (q *Queue) ApplyRemote(_ context.Context, rec models.QueueRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t := rec.EntityType
	rec = rec.Clone()
	rec.Synced = true

	if i := q.indexOf(t, rec.ID()); i >= 0 {
		if !q.records[t][i].Synced {
			return false, nil
		}

		q.records[t][i] = rec
	} else {
		q.records[t] = append(q.records[t], rec)
	}

	return true, q.persist(t)
}

// Purge removes synced records whose timestamp is older than now minus
// olderThan. Unsynced records are kept regardless of age.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0

	var errs []error

	for _, t := range models.EntityTypes {
		before := len(q.records[t])
		q.records[t] = slices.DeleteFunc(q.records[t], func(r models.QueueRecord) bool {
			return r.Synced && r.Timestamp().Before(cutoff)
		})

		n := before - len(q.records[t])
		if n == 0 {
			continue
		}

		removed += n

		if err := q.persist(t); err != nil {
			errs = append(errs, err)
		}
	}

	if removed > 0 {
		q.logger.DebugContext(ctx, "purged synced records", slog.Int("count", removed))
	}

	return removed, errors.Join(errs...)
}

// LastSync returns the watermark of the last successful full sync, or the
// zero time if none has completed.
func (q *Queue) LastSync(_ context.Context) (time.Time, error) {
	data, err := q.store.Get(KeyLastSync)
	if err != nil || data == nil {
		return time.Time{}, err
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return time.Time{}, fmt.Errorf("decoding %s: %w", KeyLastSync, err)
	}

	t, ok := models.ParseTime(s)
	if !ok {
		return time.Time{}, fmt.Errorf("decoding %s: invalid timestamp %q", KeyLastSync, s)
	}

	return t, nil
}

// SetLastSync persists the watermark.
func (q *Queue) SetLastSync(_ context.Context, t time.Time) error {
	data, err := json.Marshal(models.FormatTime(t))
	if err != nil {
		return err
	}

	return q.store.Set(KeyLastSync, data)
}
