package ctrmon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WaitExitFile blocks until the exit file of the given container appears in
// dir and returns the exit code in it. It returns early if ctx is canceled.
func WaitExitFile(ctx context.Context, dir, id string) (int, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return 0, errors.Wrap(err, "failed to create watcher")
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return 0, errors.Wrap(err, "failed to watch exit dir")
	}

	path := ExitFilePath(dir, id)

	// Check only after the watch is installed, so a file created in between
	// is not missed.
	code, err := ReadExitFile(path)
	if err == nil {
		return code, nil
	}
	if !os.IsNotExist(err) {
		return 0, err
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()

		case err := <-w.Errors:
			return 0, errors.Wrap(err, "inotify error")

		case ev := <-w.Events:
			if filepath.Base(ev.Name) != id {
				continue
			}
			// The exit file is renamed into place, which is reported as a
			// create.
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			code, err := ReadExitFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return 0, err
			}

			return code, nil
		}
	}
}
