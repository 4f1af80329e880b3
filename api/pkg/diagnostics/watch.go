package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch records a process_started event each time a PID file shows up in the
// instance work directory. The directory is never modified.
func (l *Logger) Watch(sessionID, workDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating pid file watcher: %w", err)
	}
	if err := watcher.Add(workDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("error watching %s: %w", workDir, err)
	}
	if previous, loaded := l.watchers.LoadAndStore(sessionID, watcher); loaded {
		_ = previous.Close()
	}

	go l.watchLoop(sessionID, watcher)
	return nil
}

func (l *Logger) watchLoop(sessionID string, watcher *fsnotify.Watcher) {
	seen := map[string]int{}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".pid") {
				continue
			}
			pid, ok := readPID(event.Name)
			if !ok {
				// created but not yet written
				continue
			}
			role := strings.TrimSuffix(filepath.Base(event.Name), ".pid")
			if seen[role] == pid {
				continue
			}
			seen[role] = pid
			l.Record(sessionID, EventProcessStarted, map[string]string{
				"role": role,
				"pid":  strconv.Itoa(pid),
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("session_id", sessionID).Msg("pid file watcher error")
		}
	}
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
