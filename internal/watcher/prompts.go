package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lwhitby/sift/pkg/logger"
	"github.com/rjeczalik/notify"
)

var promptLog = logger.Get("Prompts")

// PromptChangeHandler is notified when a file under the prompts
// directory changes. Handlers must not block.
type PromptChangeHandler func(path string)

// PromptsWatcher observes the prompts directory and fans change
// notifications out to subscribers. It is purely advisory: prompt edits
// never invalidate completed parses or touch the catalog in any way.
type PromptsWatcher struct {
	mu          sync.Mutex
	promptsPath string
	handlers    []PromptChangeHandler
}

func NewPromptsWatcher(promptsPath string) *PromptsWatcher {
	return &PromptsWatcher{promptsPath: promptsPath}
}

// Subscribe registers a handler for subsequent prompt changes.
func (watcher *PromptsWatcher) Subscribe(handler PromptChangeHandler) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()

	watcher.handlers = append(watcher.handlers, handler)
}

// Run watches the prompts directory until the context is cancelled. A
// missing or empty configuration disables the watcher without error.
func (watcher *PromptsWatcher) Run(ctx context.Context) error {
	if watcher.promptsPath == "" {
		promptLog.Infof("No prompts path configured, prompts watcher disabled\n")
		<-ctx.Done()
		return nil
	}

	if err := os.MkdirAll(watcher.promptsPath, os.ModeDir|os.ModePerm); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("prompts path '%s' could not be created: %w", watcher.promptsPath, err)
	}

	fsChannel := make(chan notify.EventInfo, 10)
	if err := notify.Watch(filepath.Join(watcher.promptsPath, "..."), fsChannel, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("failed to watch prompts path '%s': %w", watcher.promptsPath, err)
	}
	defer notify.Stop(fsChannel)

	for {
		select {
		case info := <-fsChannel:
			promptLog.Infof("Prompt %s changed (%s); existing results are unaffected\n", info.Path(), info.Event())
			watcher.notify(info.Path())
		case <-ctx.Done():
			return nil
		}
	}
}

func (watcher *PromptsWatcher) notify(path string) {
	watcher.mu.Lock()
	handlers := append([]PromptChangeHandler(nil), watcher.handlers...)
	watcher.mu.Unlock()

	for _, handler := range handlers {
		handler(path)
	}
}
