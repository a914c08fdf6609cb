package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ScriptWatcher watches a workflow script's directory and warns when
// the baseline file changes under a running Execution. This is
// observability only (SPEC_FULL.md §10.3, §11): the driver keeps
// running the version of the script it already loaded into memory, it
// never hot-reloads, the same "detect, don't act" posture
// kadirpekel/hector's own fsnotify watcher takes over its document
// store (see _examples/kadirpekel-hector/v2/rag/watcher.go) before a
// caller decides what to do with the event.
type ScriptWatcher struct {
	watcher    *fsnotify.Watcher
	scriptPath string
}

// WatchScript starts watching scriptPath's parent directory. Callers
// must call Close when the Execution finishes.
func WatchScript(scriptPath string) (*ScriptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(scriptPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &ScriptWatcher{watcher: w, scriptPath: scriptPath}, nil
}

// Run blocks, logging a warning every time the watched script file is
// written or renamed, until Close is called (its Events/Errors channels
// close). Intended to run in its own goroutine.
func (s *ScriptWatcher) Run(executionID string) {
	logger := slog.With("execution_id", executionID, "script_path", s.scriptPath)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.scriptPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
				logger.Warn("config: workflow script changed on disk; running execution keeps the version it loaded at start")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config: script watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (s *ScriptWatcher) Close() error { return s.watcher.Close() }
