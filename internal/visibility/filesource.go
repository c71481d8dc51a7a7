package visibility

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileSettle = 100 * time.Millisecond

// FileSource publishes the item ids listed in a file every time the file
// changes. Ids are separated by whitespace or commas; '#' starts a comment.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource watches path. The file need not exist yet.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

// Run sends the current list, then a new list after every change whose
// contents differ from the last one sent. It returns when ctx is done.
func (s *FileSource) Run(ctx context.Context, out chan<- []int64) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("visibility: watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file by rename.
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("visibility: watch %s: %w", dir, err)
	}
	s.logger.Info("visible-item file watched", slog.String("path", s.path))

	var sent []int64
	var hasSent bool
	publish := func() bool {
		ids, err := s.read()
		if err != nil {
			s.logger.Warn("visible-item file read failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()))
			return true
		}
		if hasSent && slices.Equal(ids, sent) {
			return true
		}
		select {
		case out <- ids:
			sent, hasSent = ids, true
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !publish() {
		return nil
	}

	var settle *time.Timer
	var settleCh <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settleCh:
			settleCh = nil
			if !publish() {
				return nil
			}
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(fileSettle)
			} else {
				settle.Reset(fileSettle)
			}
			settleCh = settle.C
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("visible-item watcher error", slog.String("error", werr.Error()))
		}
	}
}

// read returns the ids in the file, sorted and unique. A missing file is an empty list.
func (s *FileSource) read() ([]int64, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.parse(data)
}

func (s *FileSource) parse(data []byte) ([]int64, error) {
	ids := []int64{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			id, err := strconv.ParseInt(tok, 10, 64)
			if err != nil || id <= 0 {
				s.logger.Warn("ignoring visible-item entry", slog.String("entry", tok))
				continue
			}
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("visibility: parse %s: %w", s.path, err)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
