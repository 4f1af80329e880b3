package diagnostics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// maxTailBytes bounds how much of a log file is read to find its last lines
const maxTailBytes = 256 * 1024

// LogTail is the end of one log file in an instance work directory
type LogTail struct {
	File  string
	Size  int64
	Lines []string
}

// TailLogs returns the last lines of every *.log file in workDir, sorted by
// file name
func (l *Logger) TailLogs(workDir string) ([]LogTail, error) {
	paths, err := filepath.Glob(filepath.Join(workDir, "*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var tails []LogTail
	for _, path := range paths {
		lines, size, err := tailFile(path, l.tailLines)
		if err != nil {
			log.Debug().Err(err).Str("file", path).Msg("unable to tail log file")
			continue
		}
		tails = append(tails, LogTail{
			File:  filepath.Base(path),
			Size:  size,
			Lines: lines,
		})
	}
	return tails, nil
}

// DumpFailure writes the tail of every instance log at error level so a
// failed start can be diagnosed after the work directory is gone
func (l *Logger) DumpFailure(sessionID, workDir string) {
	tails, err := l.TailLogs(workDir)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("work_dir", workDir).Msg("unable to list instance logs")
		return
	}
	if len(tails) == 0 {
		log.Error().Str("session_id", sessionID).Str("work_dir", workDir).Msg("instance failed to start and wrote no logs")
		return
	}
	for _, tail := range tails {
		log.Error().
			Str("session_id", sessionID).
			Str("file", tail.File).
			Str("size", humanize.Bytes(uint64(tail.Size))).
			Int("lines", len(tail.Lines)).
			Str("tail", strings.Join(tail.Lines, "\n")).
			Msg("instance log tail")
	}
}

func tailFile(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()

	offset := int64(0)
	if size > maxTailBytes {
		offset = size - maxTailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, size, fmt.Errorf("error seeking %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, size, err
	}
	if offset > 0 {
		// drop the partial first line
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			data = data[idx+1:]
		}
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, size, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, size, nil
}
