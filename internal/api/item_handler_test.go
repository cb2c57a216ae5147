package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/queue"
	"github.com/phrazzld/focusqueue/internal/resource"
	"github.com/phrazzld/focusqueue/internal/worker"
)

// stubStore implements queue.Store over a map for handler tests.
type stubStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*queue.Item

	statsErr error
}

func newStubStore() *stubStore {
	return &stubStore{items: make(map[uuid.UUID]*queue.Item)}
}

func (s *stubStore) Enqueue(_ context.Context, payloadRef string, priority queue.Priority) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.PayloadRef == payloadRef && !it.Status.Terminal() {
			return uuid.Nil, queue.ErrDuplicateItem
		}
	}
	id := uuid.New()
	s.items[id] = &queue.Item{
		ID:         id,
		PayloadRef: payloadRef,
		Priority:   priority,
		Status:     queue.StatusPending,
		CreatedAt:  time.Now(),
	}
	return id, nil
}

func (s *stubStore) GetItem(_ context.Context, id uuid.UUID) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	copied := *it
	return &copied, nil
}

func (s *stubStore) Stats(_ context.Context) (queue.Stats, error) {
	if s.statsErr != nil {
		return queue.Stats{}, s.statsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := queue.Stats{Total: len(s.items)}
	for _, it := range s.items {
		if it.Status == queue.StatusPending {
			st.Pending++
		}
	}
	return st, nil
}

func (s *stubStore) DequeueNext(context.Context) (*queue.Item, error)     { return nil, nil }
func (s *stubStore) MarkCompleted(context.Context, uuid.UUID) error       { return nil }
func (s *stubStore) MarkFailed(context.Context, uuid.UUID, string) error  { return nil }
func (s *stubStore) MarkForRetry(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}
func (s *stubStore) Requeue(context.Context, uuid.UUID) error { return nil }
func (s *stubStore) RecoverStaleItems(context.Context, time.Duration) (int, error) {
	return 0, nil
}
func (s *stubStore) RearmFailed(context.Context) (int, error)                 { return 0, nil }
func (s *stubStore) CleanupOlderThan(context.Context, time.Duration) (int, error) { return 0, nil }
func (s *stubStore) WithTx(*sql.Tx) queue.Store                               { return s }

type stubPool struct{ stats worker.Stats }

func (p *stubPool) Stats() worker.Stats { return p.stats }

type stubBreaker struct{ metrics breaker.Metrics }

func (b *stubBreaker) Metrics() breaker.Metrics { return b.metrics }

type stubResources struct {
	usage   resource.Usage
	sampled time.Time
	alerts  []resource.Alert
}

func (r *stubResources) LastUsage() (resource.Usage, time.Time)  { return r.usage, r.sampled }
func (r *stubResources) AlertHistory(limit int) []resource.Alert { return r.alerts }

func testRouter(store queue.Store) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	items := NewItemHandler(store, logger)
	stats := NewStatsHandler(store,
		&stubPool{stats: worker.Stats{WorkerLimit: 3}},
		&stubBreaker{metrics: breaker.Metrics{State: breaker.StateClosed}},
		&stubResources{
			usage:   resource.Usage{MemoryPercent: 0.4},
			sampled: time.Now(),
		},
		logger)
	return NewRouter(items, stats)
}

func TestEnqueueAccepted(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	router := testRouter(store)

	body := bytes.NewBufferString(`{"payload_ref": "inbox/new.pdf", "priority": "high"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/items", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "inbox/new.pdf", resp.PayloadRef)
	assert.Equal(t, "high", resp.Priority)
	assert.Equal(t, "pending", resp.Status)

	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	item, err := store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, item.Priority)
}

func TestEnqueueDefaultsToNormalPriority(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	router := testRouter(store)

	body := bytes.NewBufferString(`{"payload_ref": "inbox/plain.pdf"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/items", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "normal", resp.Priority)
}

func TestEnqueueDuplicateConflict(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	router := testRouter(store)

	payload := `{"payload_ref": "inbox/dup.pdf"}`
	first := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, first)
	require.Equal(t, http.StatusAccepted, w.Code)

	second := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewBufferString(payload))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, second)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already queued")
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	router := testRouter(newStubStore())

	tests := []struct {
		name string
		body string
	}{
		{"missing payload_ref", `{"priority": "high"}`},
		{"unknown priority", `{"payload_ref": "x.pdf", "priority": "urgent"}`},
		{"malformed json", `{"payload_ref": `},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetItem(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	router := testRouter(store)

	id, err := store.Enqueue(context.Background(), "inbox/lookup.pdf", queue.PriorityLow)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/items/"+id.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ItemResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id.String(), resp.ID)
	assert.Equal(t, "inbox/lookup.pdf", resp.PayloadRef)
	assert.Equal(t, "low", resp.Priority)
	assert.Equal(t, "pending", resp.Status)
}

func TestGetItemNotFound(t *testing.T) {
	t.Parallel()

	router := testRouter(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/api/items/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetItemBadID(t *testing.T) {
	t.Parallel()

	router := testRouter(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/api/items/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
