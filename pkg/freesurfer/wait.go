package freesurfer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// pollInterval rechecks the files in case the filesystem drops events,
// as network mounts do.
const pollInterval = 5 * time.Second

// WaitForFiles blocks until every path exists or ctx is done. The parent
// directories must exist.
func WaitForFiles(ctx context.Context, paths []string, log *zap.SugaredLogger) error {
	log = logger.OrGlobal(log)
	if len(missing(paths)) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer watcher.Close()

	dirs := map[string]bool{}
	for _, p := range paths {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return errors.Wrapf(err, "watching %s", dir)
		}
		dirs[dir] = true
	}

	// Files may have appeared between the first check and the watch.
	left := missing(paths)
	log.Infow("Waiting for files", "missing", left)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for len(left) > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %v", left)
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			log.Warnw("File watcher error", "error", err)
		case <-ticker.C:
		}
		left = missing(paths)
	}
	return nil
}

func missing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			out = append(out, p)
		}
	}
	return out
}
