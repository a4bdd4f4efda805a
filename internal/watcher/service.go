// Package watcher observes the drop directory and translates raw
// filesystem notifications into the file lifecycle events the pipeline
// consumes. Notifications are debounced per path so a burst of writes
// during a copy surfaces as a single event once the file settles.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/pkg/logger"
	"github.com/rjeczalik/notify"
)

var log = logger.Get("Watcher")

type (
	Config struct {
		WatchPath        string `yaml:"watch_path" env:"WATCH_PATH" env-required:"true"`
		PromptsPath      string `yaml:"prompts_path" env:"PROMPTS_PATH"`
		SettleMillis     int    `yaml:"settle_ms" env:"WATCH_SETTLE_MS" env-default:"150"`
		ForceSyncSeconds int    `yaml:"force_sync_seconds" env:"WATCH_FORCE_SYNC_SECONDS" env-default:"300"`
	}

	// service watches the configured directory tree. It keeps a set of
	// the paths it has announced so that the periodic force-sync scan
	// can tell additions from removals, and a settle timer per path so
	// in-progress writes are held back until quiet.
	service struct {
		*sync.Mutex
		config   Config
		eventBus event.EventCoordinator

		settleTimers map[string]*time.Timer
		pendingEvent map[string]event.Event
		known        map[string]struct{}
	}
)

// New validates the watch path (creating the directory if missing) and
// returns the watcher service.
func New(config Config, eventBus event.EventCoordinator) (*service, error) {
	if info, err := os.Stat(config.WatchPath); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("watch path '%s' is not a directory", config.WatchPath)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.WatchPath, os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("watch path '%s' could not be created: %w", config.WatchPath, err)
		}
	} else {
		return nil, fmt.Errorf("watch path '%s' could not be accessed: %w", config.WatchPath, err)
	}

	return &service{
		Mutex:        &sync.Mutex{},
		config:       config,
		eventBus:     eventBus,
		settleTimers: make(map[string]*time.Timer),
		pendingEvent: make(map[string]event.Event),
		known:        make(map[string]struct{}),
	}, nil
}

// Run subscribes to OS notifications for the watch tree and blocks until
// the context is cancelled. An initial scan announces files already
// present, and a force-sync ticker re-scans to catch anything the
// notification stream missed.
func (service *service) Run(ctx context.Context) error {
	fsChannel := make(chan notify.EventInfo, 100)
	if err := notify.Watch(filepath.Join(service.config.WatchPath, "..."), fsChannel, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("failed to watch '%s': %w", service.config.WatchPath, err)
	}
	defer notify.Stop(fsChannel)
	defer service.clearAllSettleTimers()

	forceSync := time.NewTicker(time.Second * time.Duration(service.config.ForceSyncSeconds))
	defer forceSync.Stop()

	service.scan()

	for {
		select {
		case info := <-fsChannel:
			service.handleNotification(info)
		case <-forceSync.C:
			service.scan()
		case <-ctx.Done():
			return nil
		}
	}
}

func (service *service) handleNotification(info notify.EventInfo) {
	path := info.Path()

	switch info.Event() {
	case notify.Create:
		service.scheduleSettle(path, event.FileAddedEvent)
	case notify.Write:
		service.Lock()
		_, seen := service.known[path]
		service.Unlock()

		if seen {
			service.scheduleSettle(path, event.FileChangedEvent)
		} else {
			service.scheduleSettle(path, event.FileAddedEvent)
		}
	case notify.Remove, notify.Rename:
		service.announceRemoval(path)
	}
}

// scheduleSettle (re)arms the settle timer for a path. A pending add is
// never downgraded to a change: the add wins, since the path has not yet
// been announced.
func (service *service) scheduleSettle(path string, kind event.Event) {
	service.Lock()
	defer service.Unlock()

	if pending, ok := service.pendingEvent[path]; ok && pending == event.FileAddedEvent {
		kind = event.FileAddedEvent
	}
	service.pendingEvent[path] = kind

	if timer, ok := service.settleTimers[path]; ok {
		timer.Stop()
	}

	settle := time.Duration(service.config.SettleMillis) * time.Millisecond
	service.settleTimers[path] = time.AfterFunc(settle, func() {
		service.settle(path)
	})
}

// settle fires once a path has been quiet for the settle window. The
// path may have vanished in the meantime, in which case the removal is
// announced instead.
func (service *service) settle(path string) {
	service.Lock()
	kind, ok := service.pendingEvent[path]
	delete(service.pendingEvent, path)
	delete(service.settleTimers, path)
	service.Unlock()

	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		service.announceRemoval(path)
		return
	}
	if info.IsDir() {
		return
	}

	service.Lock()
	service.known[path] = struct{}{}
	service.Unlock()

	log.Debugf("Path %s settled, announcing %s\n", path, kind)
	service.eventBus.Dispatch(kind, event.FileEventPayload{Path: path})
}

func (service *service) announceRemoval(path string) {
	service.Lock()
	if timer, ok := service.settleTimers[path]; ok {
		timer.Stop()
		delete(service.settleTimers, path)
	}
	delete(service.pendingEvent, path)
	_, seen := service.known[path]
	delete(service.known, path)
	service.Unlock()

	if !seen {
		// Never announced; nothing downstream to undo, but the catalog
		// may know it from a previous run.
		log.Debugf("Unannounced path %s removed\n", path)
	}

	service.eventBus.Dispatch(event.FileRemovedEvent, event.FileEventPayload{Path: path})
}

// scan walks the watch tree, scheduling settles for paths not yet
// announced and announcing removals for known paths which are gone.
func (service *service) scan() {
	found := make(map[string]struct{})
	err := filepath.WalkDir(service.config.WatchPath, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !dir.IsDir() {
			found[path] = struct{}{}
		}

		return nil
	})
	if err != nil {
		log.Errorf("Failed to scan watch path: %v\n", err)
		return
	}

	service.Lock()
	var added, removed []string
	for path := range found {
		if _, ok := service.known[path]; !ok {
			if _, pending := service.pendingEvent[path]; !pending {
				added = append(added, path)
			}
		}
	}
	for path := range service.known {
		if _, ok := found[path]; !ok {
			removed = append(removed, path)
		}
	}
	service.Unlock()

	for _, path := range added {
		service.scheduleSettle(path, event.FileAddedEvent)
	}
	for _, path := range removed {
		service.announceRemoval(path)
	}
}

func (service *service) clearAllSettleTimers() {
	service.Lock()
	defer service.Unlock()

	for path, timer := range service.settleTimers {
		timer.Stop()
		delete(service.settleTimers, path)
		delete(service.pendingEvent, path)
	}
}
