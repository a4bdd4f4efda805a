package event_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lwhitby/sift/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_EventBus_SynchronousHandlerReceivesPayload(t *testing.T) {
	bus := event.New()

	var received []event.FileEventPayload
	bus.RegisterHandlerFunction(event.FileAddedEvent, func(_ event.Event, payload event.Payload) {
		received = append(received, payload.(event.FileEventPayload))
	})

	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: "/drop/a.mp4"})
	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: "/drop/b.mp4"})

	require.Len(t, received, 2)
	assert.Equal(t, "/drop/a.mp4", received[0].Path)
	assert.Equal(t, "/drop/b.mp4", received[1].Path)
}

func Test_EventBus_AsyncHandlerReceivesPayload(t *testing.T) {
	bus := event.New()

	var mu sync.Mutex
	var received []string
	bus.RegisterAsyncHandlerFunction(event.ParseCompletedEvent, func(_ event.Event, payload event.Payload) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload.(event.ParseEventPayload).Processor)
	})

	bus.Dispatch(event.ParseCompletedEvent, event.ParseEventPayload{InputPath: "/drop/a.mp4", Processor: "extract"})

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		mu.Lock()
		defer mu.Unlock()
		assert.Contains(c, received, "extract")
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_EventBus_ChannelHandlerReceivesMultipleEvents(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 10)
	bus.RegisterHandlerChannel(channel, event.QueueUpdateEvent, event.ApprovalUpdateEvent)

	bus.Dispatch(event.QueueUpdateEvent, nil)
	bus.Dispatch(event.ApprovalUpdateEvent, nil)

	first := <-channel
	second := <-channel
	assert.Equal(t, event.QueueUpdateEvent, first.Event)
	assert.Equal(t, event.ApprovalUpdateEvent, second.Event)
}

func Test_EventBus_RejectsMismatchedPayload(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 10)
	bus.RegisterHandlerChannel(channel, event.FileAddedEvent)

	// A parse payload on a file event fails validation and is dropped.
	bus.Dispatch(event.FileAddedEvent, event.ParseEventPayload{InputPath: "/drop/a.mp4"})
	bus.Dispatch(event.FileAddedEvent, nil)

	select {
	case ev := <-channel:
		t.Fatalf("expected no delivery for invalid payloads, got %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_EventBus_SafeUnderConcurrentRegistrationAndDispatch(t *testing.T) {
	bus := event.New()

	// Services register from their own goroutines while the bus is
	// already dispatching; nothing here may race or be lost.
	const goroutines = 16
	channels := make([]event.HandlerChannel, goroutines)
	var handled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		channels[i] = make(event.HandlerChannel, goroutines+1)
		wg.Add(1)
		go func(channel event.HandlerChannel) {
			defer wg.Done()
			bus.RegisterHandlerChannel(channel, event.QueueUpdateEvent)
			bus.RegisterAsyncHandlerFunction(event.QueueUpdateEvent, func(_ event.Event, _ event.Payload) {
				handled.Add(1)
			})
			bus.Dispatch(event.QueueUpdateEvent, nil)
		}(channels[i])
	}
	wg.Wait()

	bus.Dispatch(event.QueueUpdateEvent, nil)
	for _, channel := range channels {
		assert.NotEmpty(t, channel, "every registered channel sees the post-registration dispatch")
	}

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.GreaterOrEqual(c, handled.Load(), int32(goroutines))
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_EventBus_HandlersOnlyReceiveRegisteredEvents(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 10)
	bus.RegisterHandlerChannel(channel, event.FileRemovedEvent)

	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: "/drop/a.mp4"})
	bus.Dispatch(event.FileRemovedEvent, event.FileEventPayload{Path: "/drop/b.mp4"})

	received := <-channel
	assert.Equal(t, event.FileRemovedEvent, received.Event)
	assert.Empty(t, channel)
}
