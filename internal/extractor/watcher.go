package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce = 150 * time.Millisecond
	watchAddRetry = 30 * time.Second
)

// Watcher re-extracts a log file whenever it is modified, coalescing bursts
// of events per file so overlapping triggers never interleave writes to the
// same conversation. The callback fires only when new content was persisted.
type Watcher struct {
	extractor   *Extractor
	projectPath string
	logger      *slog.Logger
	onIngest    func(FileSummary)
}

func NewWatcher(ex *Extractor, projectPath string, logger *slog.Logger, onIngest func(FileSummary)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		extractor:   ex,
		projectPath: projectPath,
		logger:      logger,
		onIngest:    onIngest,
	}
}

// Start begins watching the project's log directory. A directory that does
// not exist yet is not an error; the watcher retries the registration until
// it appears.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	dir := w.extractor.LogDir(w.projectPath)
	watching := w.addDir(fsw, dir)

	go func() {
		defer func() { _ = fsw.Close() }()

		// Per-file debounce: a burst of writes to one file flushes once, and
		// distinct files flush independently.
		pending := make(map[string]struct{})
		var timer *time.Timer
		var timerC <-chan time.Time

		retry := time.NewTicker(watchAddRetry)
		defer retry.Stop()

		flush := func() {
			for path := range pending {
				delete(pending, path)
				summary, persisted, err := w.extractor.ProcessFile(ctx, w.projectPath, path)
				if err != nil {
					w.logger.Error("watch re-extract failed", "file", path, "error", err)
					continue
				}
				if persisted && w.onIngest != nil {
					w.onIngest(summary)
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-retry.C:
				if !watching {
					watching = w.addDir(fsw, dir)
				}
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".jsonl") {
					continue
				}

				pending[ev.Name] = struct{}{}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(watchDebounce)
					timerC = timer.C
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("log watcher error", "error", err)
			case <-timerC:
				flush()
			}
		}
	}()
	return nil
}

func (w *Watcher) addDir(fsw *fsnotify.Watcher, dir string) bool {
	if err := fsw.Add(dir); err != nil {
		if os.IsNotExist(err) {
			w.logger.Warn("log directory missing, will retry", "dir", filepath.Clean(dir))
			return false
		}
		w.logger.Warn("cannot watch log directory", "dir", dir, "error", err)
		return false
	}
	return true
}
