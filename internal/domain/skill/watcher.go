package skill

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/brewva/brewva/pkg/safego"
)

// Watcher hot-reloads a Registry whenever a skill file under its watched
// roots changes, so SKILL.md edits take effect without a process restart.
//
// Grounded on plugin.Loader's fsnotify watch-event handling, generalized
// from plugin.json hot-reload to *.md skill-contract hot-reload.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	log      *zap.Logger
}

// NewWatcher creates a Watcher and adds every non-empty root directory in
// roots to it. Call Start to begin watching.
func NewWatcher(registry *Registry, roots Roots, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{roots.Base, roots.PacksDir, roots.Project} {
		if dir == "" {
			continue
		}
		if err := fw.Add(dir); err != nil {
			log.Warn("skill watcher: could not watch dir", zap.String("dir", dir), zap.Error(err))
		}
	}
	for _, dir := range roots.ExtraDirs {
		if err := fw.Add(dir); err != nil {
			log.Warn("skill watcher: could not watch dir", zap.String("dir", dir), zap.Error(err))
		}
	}
	return &Watcher{registry: registry, watcher: fw, log: log}, nil
}

// Start runs the watch loop until ctx is canceled. Every create/write/
// remove/rename of a *.md file triggers a full Registry.Refresh — skill
// discovery is cheap enough that debouncing per-file isn't worth it.
func (w *Watcher) Start(ctx context.Context) {
	safego.Go(w.log, "skill-watcher", func() {
		defer w.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".md") {
					continue
				}
				if err := w.registry.Refresh(); err != nil {
					w.log.Warn("skill watcher: refresh failed", zap.Error(err))
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Error("skill watcher error", zap.Error(err))
			}
		}
	})
}
