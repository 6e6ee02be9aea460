package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/queue"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
	"github.com/InnNhi24/vibetune-sync/internal/state"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

func seqIDs() func() string {
	var mu sync.Mutex

	n := 0

	return func() string {
		mu.Lock()
		defer mu.Unlock()

		n++

		return fmt.Sprintf("local-%d", n)
	}
}

// fakeStore is an in-memory remote store. Rows are kept as field maps so
// updates behave like a PATCH.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]map[string]map[string]json.RawMessage
	order  map[string][]string
	assign map[string]bool
	nextID int

	inserts int
	updates int

	failInsert map[string]error
	failUpdate map[string]error
	queryErr   error

	// hang makes Insert block until closed, ignoring ctx.
	hang    chan struct{}
	entered chan struct{}
	// stall makes Get wait for ctx to expire.
	stall bool
}

var _ remote.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:       make(map[string]map[string]map[string]json.RawMessage),
		order:      make(map[string][]string),
		assign:     make(map[string]bool),
		failInsert: make(map[string]error),
		failUpdate: make(map[string]error),
	}
}

func decodeFields(t testing.TB, row string) map[string]json.RawMessage {
	t.Helper()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(row), &fields))

	return fields
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(fields[key], &s)

	return s
}

func (s *fakeStore) put(t testing.TB, collection, row string) {
	t.Helper()

	fields := decodeFields(t, row)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.storeLocked(collection, stringField(fields, "id"), fields)
}

func (s *fakeStore) storeLocked(collection, id string, fields map[string]json.RawMessage) {
	if s.rows[collection] == nil {
		s.rows[collection] = make(map[string]map[string]json.RawMessage)
	}

	if _, ok := s.rows[collection][id]; !ok {
		s.order[collection] = append(s.order[collection], id)
	}

	s.rows[collection][id] = fields
}

// row returns the stored row, or nil.
func (s *fakeStore) row(collection, id string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[collection][id]
	if !ok {
		return nil
	}

	out := make(map[string]json.RawMessage, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inserts
}

func encodeFields(fields map[string]json.RawMessage) json.RawMessage {
	data, _ := json.Marshal(fields)
	return data
}

func (s *fakeStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if s.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[collection][id]
	if !ok {
		return nil, remote.ErrNotFound
	}

	return encodeFields(r), nil
}

func (s *fakeStore) Insert(_ context.Context, collection string, row json.RawMessage) (json.RawMessage, error) {
	if s.hang != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}

		<-s.hang
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return nil, err
	}

	id := stringField(fields, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failInsert[id]; err != nil {
		return nil, err
	}

	s.inserts++

	if s.assign[collection] {
		s.nextID++
		id = fmt.Sprintf("srv-%d", s.nextID)
		fields["id"], _ = json.Marshal(id)
	}

	s.storeLocked(collection, id, fields)

	return encodeFields(fields), nil
}

func (s *fakeStore) Update(_ context.Context, collection, id string, patch json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failUpdate[id]; err != nil {
		return nil, err
	}

	r, ok := s.rows[collection][id]
	if !ok {
		return nil, remote.ErrNotFound
	}

	s.updates++

	for k, v := range fields {
		r[k] = v
	}

	return encodeFields(r), nil
}

func (s *fakeStore) QueryUpdatedAfter(_ context.Context, collection, userID string, since time.Time) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

	var out []json.RawMessage

	for _, id := range s.order[collection] {
		r := s.rows[collection][id]
		if stringField(r, "user_id") != userID {
			continue
		}

		if !since.IsZero() {
			ts, ok := models.ParseTime(stringField(r, "updated_at"))
			if !ok || !ts.After(since) {
				continue
			}
		}

		out = append(out, encodeFields(r))
	}

	return out, nil
}

type harness struct {
	q     *queue.Queue
	store *fakeStore
	auth  *auth.MockProvider
	net   *MockNetwork
	clock *testClock
	orch  *Orchestrator
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	clock := &testClock{t: baseTime}

	st, err := state.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(st, "device-a", testLogger, queue.WithClock(clock.Now), queue.WithIDGenerator(seqIDs()))
	require.NoError(t, err)

	h := &harness{
		q:     q,
		store: newFakeStore(),
		auth:  auth.NewMockProvider(ctrl),
		net:   NewMockNetwork(ctrl),
		clock: clock,
	}

	cfg := Config{
		Queue:    q,
		Store:    h.store,
		Auth:     h.auth,
		Network:  h.net,
		DeviceID: "device-a",
	}

	for _, m := range mutate {
		m(&cfg)
	}

	h.orch = New(cfg, testLogger, WithClock(clock.Now))

	return h
}

func (h *harness) liveSession() *models.Session {
	return &models.Session{
		Valid:       true,
		AccessToken: "token",
		UserID:      "user-1",
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	}
}

func (h *harness) online() {
	h.net.EXPECT().Online(gomock.Any()).Return(true).AnyTimes()
}

func (h *harness) signedIn() {
	h.auth.EXPECT().GetSession(gomock.Any()).Return(h.liveSession(), nil).AnyTimes()
}

func conv(id, topic string) models.QueueRecord {
	return models.NewConversationRecord(models.Conversation{ID: id, Topic: topic})
}

func msg(id, convID, content string) models.QueueRecord {
	return models.NewMessageRecord(models.Message{ID: id, ConversationID: convID, Sender: "user", Content: content})
}
