package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder drains a handler channel on a goroutine and records what
// arrived, so assertions can poll with EventuallyWithT.
type eventRecorder struct {
	mu     sync.Mutex
	events []event.HandlerEvent
}

func recordEvents(t *testing.T, bus event.EventCoordinator, events ...event.Event) *eventRecorder {
	recorder := &eventRecorder{}
	channel := make(event.HandlerChannel, 100)
	bus.RegisterHandlerChannel(channel, events...)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case ev := <-channel:
				recorder.mu.Lock()
				recorder.events = append(recorder.events, ev)
				recorder.mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return recorder
}

func (recorder *eventRecorder) find(kind event.Event, path string) bool {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	for _, ev := range recorder.events {
		payload, ok := ev.Payload.(event.FileEventPayload)
		if ok && ev.Event == kind && payload.Path == path {
			return true
		}
	}

	return false
}

func (recorder *eventRecorder) count(kind event.Event, path string) int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	total := 0
	for _, ev := range recorder.events {
		payload, ok := ev.Payload.(event.FileEventPayload)
		if ok && ev.Event == kind && payload.Path == path {
			total++
		}
	}

	return total
}

func startWatcher(t *testing.T, watchPath string, bus event.EventCoordinator) {
	service, err := watcher.New(watcher.Config{
		WatchPath:        watchPath,
		SettleMillis:     50,
		ForceSyncSeconds: 3600,
	}, bus)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := service.Run(ctx); err != nil {
			t.Errorf("watcher exited with error: %v", err)
		}
	}()

	// Give the notification subscription a moment to attach before the
	// test starts mutating the tree.
	time.Sleep(200 * time.Millisecond)
}

func Test_Watcher_New_RejectsFileAsWatchPath(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	_, err := watcher.New(watcher.Config{WatchPath: filePath}, event.New())
	assert.Error(t, err)
}

func Test_Watcher_New_CreatesMissingWatchPath(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "drop")
	_, err := watcher.New(watcher.Config{WatchPath: watchPath}, event.New())
	require.NoError(t, err)

	info, err := os.Stat(watchPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func Test_Watcher_AnnouncesNewFile(t *testing.T) {
	watchPath := t.TempDir()
	bus := event.New()
	recorder := recordEvents(t, bus, event.FileAddedEvent)
	startWatcher(t, watchPath, bus)

	path := filepath.Join(watchPath, "meeting.mp4")
	require.NoError(t, os.WriteFile(path, []byte("recording"), 0o644))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileAddedEvent, path), "expected an announcement for the new file")
	}, 5*time.Second, 50*time.Millisecond)
}

func Test_Watcher_AnnouncesPreexistingFilesOnStartup(t *testing.T) {
	watchPath := t.TempDir()
	existing := filepath.Join(watchPath, "already-here.txt")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	bus := event.New()
	recorder := recordEvents(t, bus, event.FileAddedEvent)
	startWatcher(t, watchPath, bus)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileAddedEvent, existing))
	}, 5*time.Second, 50*time.Millisecond)
}

func Test_Watcher_DebouncesBurstOfWrites(t *testing.T) {
	watchPath := t.TempDir()
	bus := event.New()
	recorder := recordEvents(t, bus, event.FileAddedEvent, event.FileChangedEvent)
	startWatcher(t, watchPath, bus)

	path := filepath.Join(watchPath, "big-copy.bin")
	file, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := file.Write([]byte("chunk"))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, file.Close())

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileAddedEvent, path))
	}, 5*time.Second, 50*time.Millisecond)

	// The burst settles into a single announcement; the writes must not
	// each surface as their own event.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, recorder.count(event.FileAddedEvent, path))
	assert.Zero(t, recorder.count(event.FileChangedEvent, path))
}

func Test_Watcher_AnnouncesChangeToKnownFile(t *testing.T) {
	watchPath := t.TempDir()
	bus := event.New()
	recorder := recordEvents(t, bus, event.FileAddedEvent, event.FileChangedEvent)
	startWatcher(t, watchPath, bus)

	path := filepath.Join(watchPath, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileAddedEvent, path))
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileChangedEvent, path))
	}, 5*time.Second, 50*time.Millisecond)
}

func Test_Watcher_AnnouncesRemoval(t *testing.T) {
	watchPath := t.TempDir()
	bus := event.New()
	recorder := recordEvents(t, bus, event.FileAddedEvent, event.FileRemovedEvent)
	startWatcher(t, watchPath, bus)

	path := filepath.Join(watchPath, "short-lived.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileAddedEvent, path))
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(path))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, recorder.find(event.FileRemovedEvent, path))
	}, 5*time.Second, 50*time.Millisecond)
}
