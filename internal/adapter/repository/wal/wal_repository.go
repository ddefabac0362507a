package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"
	filePerm      = 0644
)

// ErrWALFull is returned when a write would grow the WAL past its size limit.
var ErrWALFull = errors.New("WAL max total size exceeded")

// record is one line of a segment.
type record struct {
	Payload   string    `json:"payload"`
	WrittenAt time.Time `json:"written_at"`
}

// WALRepository spools raw event payloads to size-bounded segment files while
// the event stream is unreachable. It implements domain.WALRepository.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu          sync.Mutex
	active      *os.File
	activeSize  int64
	diskSize    int64
	replayedSet []string
}

// NewWALRepository opens the WAL in dir, creating the directory if needed.
// Existing segments are kept for replay.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal_repository"),
	}

	size, err := w.diskUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to measure WAL directory %s: %w", dir, err)
	}
	w.diskSize = size

	if err := w.openLatest(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends payloads to the active segment. Either all payloads are
// accepted or none is written.
func (w *WALRepository) Write(ctx context.Context, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}

	writtenAt := time.Now().UTC()
	var data []byte
	for _, payload := range payloads {
		line, err := json.Marshal(record{Payload: payload, WrittenAt: writtenAt})
		if err != nil {
			return fmt.Errorf("failed to encode WAL record: %w", err)
		}
		data = append(append(data, line...), '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.diskSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d > %d)", ErrWALFull, w.diskSize+int64(len(data)), w.maxTotalSize)
	}
	if w.active == nil {
		if err := w.startSegment(); err != nil {
			return err
		}
	}

	n, err := w.active.Write(data)
	w.activeSize += int64(n)
	w.diskSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}

	if w.activeSize >= w.maxSegmentSize {
		if err := w.startSegment(); err != nil {
			w.logger.Error("failed to rotate WAL segment", "error", err)
		}
	}
	return nil
}

// Replay hands every spooled payload to handler, oldest segment first. It
// stops at the first handler error; nothing is marked as replayed then.
func (w *WALRepository) Replay(ctx context.Context, handler func(payload string) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.replayedSet = nil
	w.closeActive()

	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		w.logger.Debug("WAL is empty, nothing to replay")
		return nil
	}

	total := 0
	for _, path := range segments {
		n, err := w.replaySegment(ctx, path, handler)
		total += n
		if err != nil {
			w.logger.Error("WAL replay stopped", "segment", path, "replayed", total, "error", err)
			return err
		}
	}

	w.replayedSet = segments
	w.logger.Info("WAL replay completed", "segments", len(segments), "payloads", total)
	return nil
}

func (w *WALRepository) replaySegment(ctx context.Context, path string, handler func(payload string) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// A record holds a whole request body, far beyond the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), int(w.maxTotalSize)+1)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			w.logger.Warn("corrupt WAL record, skipping", "segment", path, "error", err)
			continue
		}
		if err := handler(rec.Payload); err != nil {
			return n, fmt.Errorf("replay handler failed: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return n, nil
}

// Truncate removes the segments consumed by the last successful Replay.
// Payloads written after that replay are kept.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.replayedSet {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Error("failed to remove WAL segment", "path", path, "error", err)
			continue
		}
		if info != nil {
			w.diskSize -= info.Size()
		}
	}
	w.logger.Info("WAL truncated", "segments", len(w.replayedSet))
	w.replayedSet = nil

	if w.active != nil {
		return nil
	}
	return w.openLatest()
}

// Close syncs and closes the active segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil
	}
	err := w.active.Close()
	w.active = nil
	return err
}

// startSegment closes the active segment and begins a new one.
func (w *WALRepository) startSegment() error {
	w.closeActive()

	path := filepath.Join(w.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment %s: %w", path, err)
	}
	w.active = f
	w.activeSize = 0
	w.logger.Debug("started WAL segment", "path", path)
	return nil
}

// openLatest appends to the newest segment unless it is already full.
func (w *WALRepository) openLatest() error {
	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return w.startSegment()
	}

	latest := segments[len(segments)-1]
	info, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("failed to stat WAL segment %s: %w", latest, err)
	}
	if info.Size() >= w.maxSegmentSize {
		return w.startSegment()
	}

	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %s: %w", latest, err)
	}
	w.active = f
	w.activeSize = info.Size()
	w.logger.Info("resumed WAL segment", "path", latest, "size", w.activeSize)
	return nil
}

func (w *WALRepository) closeActive() {
	if w.active == nil {
		return
	}
	if err := w.active.Sync(); err != nil {
		w.logger.Error("failed to sync WAL segment", "error", err)
	}
	if err := w.active.Close(); err != nil {
		w.logger.Error("failed to close WAL segment", "error", err)
	}
	w.active = nil
}

// segments lists the segment files, oldest first.
func (w *WALRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) && strings.HasSuffix(entry.Name(), segmentSuffix) {
			paths = append(paths, filepath.Join(w.dir, entry.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// diskUsage sums the sizes of all segment files.
func (w *WALRepository) diskUsage() (int64, error) {
	paths, err := w.segments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
