package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rediscommon "wisefido-carelink/common/redis"
	"wisefido-carelink/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handledCall struct {
	op       string
	viewer   string
	category domain.Category
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []handledCall
	err   error
}

func (h *fakeHandler) record(op, viewer string, category domain.Category) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, handledCall{op: op, viewer: viewer, category: category})
	return h.err
}

func (h *fakeHandler) OpenView(_ context.Context, viewer string, category domain.Category) error {
	return h.record("open", viewer, category)
}

func (h *fakeHandler) CloseView(_ context.Context, viewer string, category domain.Category) error {
	return h.record("close", viewer, category)
}

func (h *fakeHandler) AccountUpdated(_ context.Context, viewer string) error {
	return h.record("account", viewer, "")
}

func (h *fakeHandler) RequestSchedule(_ context.Context, viewer, person string) error {
	return h.record("schedule:"+person, viewer, "")
}

func (h *fakeHandler) snapshot() []handledCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handledCall(nil), h.calls...)
}

func setupConsumer(t *testing.T, handler Handler) (*EventConsumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewEventConsumer(client, handler, zap.NewNop(), "carelink:events", "carelink-group", "carelink-test", 10)
	c.block = -1
	require.NoError(t, rediscommon.CreateConsumerGroup(context.Background(), client, c.stream, c.groupName))
	return c, client
}

func pendingCount(t *testing.T, client *redis.Client, c *EventConsumer) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), c.stream, c.groupName).Result()
	require.NoError(t, err)
	return p.Count
}

func TestConsumeEvents_DispatchesAndAcks(t *testing.T) {
	handler := &fakeHandler{}
	c, client := setupConsumer(t, handler)
	ctx := context.Background()

	var seen []string
	c.SetEventHook(func(eventType string) { seen = append(seen, eventType) })

	_, err := rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventViewOpen, Viewer: "Carol@Example.com", Category: "appointments"})
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, client, c.stream, map[string]interface{}{
		"event_type": EventAccountUpdated,
		"viewer":     "carol@example_com",
	})
	require.NoError(t, err)
	_, err = rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventViewClose, Viewer: "carol@example_com", Category: "Routines"})
	require.NoError(t, err)

	_, err = rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventScheduleRequest, Viewer: "carol@example_com", Person: "u-mom"})
	require.NoError(t, err)
	_, err = rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventScheduleRequest, Viewer: "mom@example_com"})
	require.NoError(t, err)

	require.NoError(t, c.consumeEvents(ctx))

	assert.Equal(t, []handledCall{
		{op: "open", viewer: "Carol@Example.com", category: domain.CategoryAppointments},
		{op: "account", viewer: "carol@example_com"},
		{op: "close", viewer: "carol@example_com", category: domain.CategoryReminders},
		{op: "schedule:u-mom", viewer: "carol@example_com"},
		{op: "schedule:mom@example_com", viewer: "mom@example_com"},
	}, handler.snapshot())
	assert.Equal(t, []string{EventViewOpen, EventAccountUpdated, EventViewClose, EventScheduleRequest, EventScheduleRequest}, seen)
	assert.Equal(t, int64(0), pendingCount(t, client, c))
}

func TestConsumeEvents_FailedEventsStayPending(t *testing.T) {
	handler := &fakeHandler{err: errors.New("resolver unavailable")}
	c, client := setupConsumer(t, handler)
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventAccountUpdated, Viewer: "carol@example_com"})
	require.NoError(t, err)
	// 缺少 viewer
	_, err = rediscommon.PublishToStream(ctx, client, c.stream, map[string]interface{}{"event_type": EventViewOpen})
	require.NoError(t, err)
	// 未知类别
	_, err = rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: EventViewOpen, Viewer: "carol@example_com", Category: "vitals"})
	require.NoError(t, err)

	require.NoError(t, c.consumeEvents(ctx))

	assert.Len(t, handler.snapshot(), 1)
	assert.Equal(t, int64(3), pendingCount(t, client, c))
}

func TestConsumeEvents_UnknownTypeAcked(t *testing.T) {
	handler := &fakeHandler{}
	c, client := setupConsumer(t, handler)
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, client, c.stream, ControlEvent{EventType: "view.resize", Viewer: "carol@example_com"})
	require.NoError(t, err)

	require.NoError(t, c.consumeEvents(ctx))
	assert.Empty(t, handler.snapshot())
	assert.Equal(t, int64(0), pendingCount(t, client, c))
}

func TestConsumeEvents_Empty(t *testing.T) {
	c, _ := setupConsumer(t, &fakeHandler{})
	assert.NoError(t, c.consumeEvents(context.Background()))
}

func TestStart_StopsOnCancel(t *testing.T) {
	handler := &fakeHandler{}
	c, client := setupConsumer(t, handler)
	c.block = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	_, err := rediscommon.PublishJSONToStream(context.Background(), client, c.stream, ControlEvent{EventType: EventAccountUpdated, Viewer: "carol@example_com"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(handler.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := parseEvent(rediscommon.StreamMessage{Values: map[string]interface{}{
		"data": `{"event_type":"view.open","viewer":"u-1","category":"medications"}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, "u-1", ev.Viewer)
	assert.Equal(t, "medications", ev.Category)

	_, err = parseEvent(rediscommon.StreamMessage{Values: map[string]interface{}{
		"data": `{"event_type":"view.open"}`,
	}})
	assert.Error(t, err)

	_, err = parseEvent(rediscommon.StreamMessage{Values: map[string]interface{}{}})
	assert.Error(t, err)
}
