package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sms-inbox/internal/domain"
)

func makeEvent(id string) domain.Event {
	return domain.Event{
		Type:           domain.EventNewMessage,
		ConversationID: "conv-1",
		MessageID:      id,
		At:             time.Now(),
	}
}

func receive(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestHub_AllSubscribersReceiveEvent(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context())
	ch2, _ := h.Subscribe(t.Context())

	require.NoError(t, h.Publish(context.Background(), makeEvent("m1")))

	assert.Equal(t, "m1", receive(t, ch1).MessageID)
	assert.Equal(t, "m1", receive(t, ch2).MessageID)
}

func TestHub_PerSubscriberFIFO(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, _ := h.Subscribe(t.Context())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.Publish(context.Background(), makeEvent(id)))
	}

	assert.Equal(t, "a", receive(t, ch).MessageID)
	assert.Equal(t, "b", receive(t, ch).MessageID)
	assert.Equal(t, "c", receive(t, ch).MessageID)
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	slow, _ := h.Subscribe(t.Context())
	fast, _ := h.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			_ = h.Publish(context.Background(), makeEvent("m"))
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Len(t, slow, subscriberBufferSize)
	assert.Equal(t, uint64(10), h.Dropped())
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_UnsubscribeTwiceIsSafe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	_, id := h.Subscribe(t.Context())
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_CloseRejectsPublish(t *testing.T) {
	h := NewHub(nil)
	ch, _ := h.Subscribe(t.Context())
	h.Close()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, h.Publish(context.Background(), makeEvent("m")), ErrClosed)

	late, _ := h.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok)
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			h.Subscribe(ctx)
			cancel()
		}()
		go func() {
			defer wg.Done()
			_ = h.Publish(context.Background(), makeEvent("m"))
		}()
	}
	wg.Wait()
}
