package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/api/handlers"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

// MockEventBus for testing
type MockEventBus struct {
	mu           sync.RWMutex
	subscribers  map[string][]chan *entities.JobEvent
	published    []*entities.JobEvent
	subscribeErr error
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		subscribers: make(map[string][]chan *entities.JobEvent),
	}
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.JobEvent) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	channels := append([]chan *entities.JobEvent(nil), m.subscribers[channel]...)
	m.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	ch := make(chan *entities.JobEvent, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, channel)
	return nil
}

func (m *MockEventBus) Close() error {
	m.mu.Lock()
	subs := m.subscribers
	m.subscribers = make(map[string][]chan *entities.JobEvent)
	m.mu.Unlock()
	for _, channels := range subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	return nil
}

func (m *MockEventBus) subscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[channel])
}

// stream runs the handler until fn returns, then disconnects the client
func stream(t *testing.T, handler *handlers.SSEHandler, target string, fn func()) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.StreamScanEvents(w, req)
		close(done)
	}()

	fn()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after cancel")
	}
	return w
}

func TestSSEHandler_StreamScanEvents(t *testing.T) {
	t.Run("should establish SSE connection", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)

		w := stream(t, handler, "/api/scans/events", func() {
			require.Eventually(t, func() bool {
				return handler.GetClientCount() == 1
			}, time.Second, 10*time.Millisecond)
			assert.Equal(t, 1, eventBus.subscriberCount(providers.EventChannelScanJobs))
		})

		result := w.Result()
		assert.Equal(t, "text/event-stream", result.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", result.Header.Get("Cache-Control"))
		assert.Contains(t, w.Body.String(), "event: connected")
		assert.Equal(t, 0, handler.GetClientCount())
	})

	t.Run("should stream project job events", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)
		channel := providers.GetProjectChannel("p1")

		w := stream(t, handler, "/api/scans/events?project_id=p1", func() {
			require.Eventually(t, func() bool {
				return eventBus.subscriberCount(channel) == 1
			}, time.Second, 10*time.Millisecond)

			job := &entities.ScanJob{ID: "j1", KeywordID: "k1", Status: entities.JobStatusCompleted}
			require.NoError(t, eventBus.Publish(context.Background(), channel, entities.NewJobEvent(job, entities.StageScan)))
			time.Sleep(100 * time.Millisecond)
		})

		body := w.Body.String()
		assert.Contains(t, body, "event: job.completed")
		assert.Contains(t, body, `"job_id":"j1"`)
	})

	t.Run("should send heartbeats", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus()).WithHeartbeat(20 * time.Millisecond)

		w := stream(t, handler, "/api/scans/events", func() {
			time.Sleep(100 * time.Millisecond)
		})

		assert.Contains(t, w.Body.String(), "event: heartbeat")
	})

	t.Run("should end the stream when the bus closes", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)

		req := httptest.NewRequest(http.MethodGet, "/api/scans/events", nil)
		w := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			handler.StreamScanEvents(w, req)
			close(done)
		}()

		require.Eventually(t, func() bool {
			return eventBus.subscriberCount(providers.EventChannelScanJobs) == 1
		}, time.Second, 10*time.Millisecond)
		require.NoError(t, eventBus.Close())

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not exit after the bus closed")
		}
	})

	t.Run("should fail when the bus is unavailable", func(t *testing.T) {
		eventBus := NewMockEventBus()
		eventBus.subscribeErr = errors.New("redis down")
		handler := handlers.NewSSEHandler(eventBus)

		w := httptest.NewRecorder()
		handler.StreamScanEvents(w, httptest.NewRequest(http.MethodGet, "/api/scans/events", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
