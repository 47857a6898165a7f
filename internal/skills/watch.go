package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/taskloop/internal/logger"
)

const defaultDebounce = 200 * time.Millisecond

// watchDir calls onChange after skill files in dir settle. The directory is
// watched rather than the files so editors that write-and-rename are seen.
func watchDir(ctx context.Context, dir string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := logger.G(ctx).WithField("dir", dir)
	log.Debug("watching skills directory")

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSkillFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.WithField("event", event.String()).Debug("skill file changed")
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("skills watcher error")

		case <-timer.C:
			onChange()
		}
	}
}
