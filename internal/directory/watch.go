package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch invalidates cached snapshots when agent files change on disk, so
// edits made while the daemon runs take effect on the next turn. It blocks
// until ctx is cancelled.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.root); err != nil {
		return fmt.Errorf("watch %s: %w", d.root, err)
	}
	ids, err := d.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := watcher.Add(filepath.Join(d.root, id)); err != nil {
			d.log.Warn("watch agent dir", zap.String("agent", id), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			agentID := d.agentIDFor(event.Name)
			if agentID == "" {
				// A new agent directory appeared; start watching it.
				if event.Op&fsnotify.Create != 0 {
					_ = watcher.Add(event.Name)
				}
				continue
			}
			d.invalidate(agentID)
			d.log.Debug("agent config changed", zap.String("agent", agentID), zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (d *Directory) agentIDFor(path string) string {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
