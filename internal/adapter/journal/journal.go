package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0600
)

type entry struct {
	Rotation string    `json:"rotation"`
	LastID   string    `json:"last_id,omitempty"`
	Done     bool      `json:"done,omitempty"`
	At       time.Time `json:"at"`
}

type checkpoint struct {
	lastID string
	done   bool
}

// Journal is a domain.RotationJournal kept in append-only segment files.
// Every record is synced before it is acknowledged. On open all segments are
// replayed into memory; once the directory grows past maxTotalSize the
// current state is compacted into a fresh segment and older ones removed.
type Journal struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	state          map[string]checkpoint
	currentSegment *os.File
	currentSize    int64
	seq            int64
}

var _ domain.RotationJournal = (*Journal)(nil)

// Open loads the journal in dir, creating the directory if needed.
func Open(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}

	j := &Journal{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "rotation_journal"),
		state:          make(map[string]checkpoint),
	}
	if err := j.replay(); err != nil {
		return nil, err
	}
	if err := j.openLatestSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Checkpoint(ctx context.Context, rotationID string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := j.state[rotationID]
	return cp.lastID, cp.done, nil
}

func (j *Journal) Record(ctx context.Context, rotationID, lastID string) error {
	return j.append(entry{Rotation: rotationID, LastID: lastID, At: time.Now().UTC()})
}

func (j *Journal) Complete(ctx context.Context, rotationID string) error {
	j.mu.Lock()
	lastID := j.state[rotationID].lastID
	j.mu.Unlock()
	return j.append(entry{Rotation: rotationID, LastID: lastID, Done: true, At: time.Now().UTC()})
}

func (j *Journal) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.currentSegment == nil {
		if err := j.rotate(); err != nil {
			return err
		}
	}
	if err := j.write(data); err != nil {
		return err
	}
	j.apply(e)

	if j.currentSize >= j.maxSegmentSize {
		if err := j.rotate(); err != nil {
			j.logger.Error("Failed to rotate journal segment", "error", err)
		}
	}
	total, err := j.calculateTotalSize()
	if err != nil {
		j.logger.Error("Failed to calculate journal size", "error", err)
		return nil
	}
	if total > j.maxTotalSize {
		if err := j.compact(); err != nil {
			j.logger.Error("Failed to compact journal", "error", err)
		}
	}
	return nil
}

func (j *Journal) write(data []byte) error {
	n, err := j.currentSegment.Write(data)
	j.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write journal segment: %w", err)
	}
	if err := j.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal segment: %w", err)
	}
	return nil
}

func (j *Journal) apply(e entry) {
	cp := j.state[e.Rotation]
	if e.LastID != "" {
		cp.lastID = e.LastID
	}
	cp.done = cp.done || e.Done
	j.state[e.Rotation] = cp
}

func (j *Journal) replay() error {
	segments, err := j.getSortedSegments()
	if err != nil {
		return err
	}
	for _, segmentPath := range segments {
		if err := j.replaySegment(segmentPath); err != nil {
			return err
		}
	}
	if len(segments) > 0 {
		j.logger.Info("Journal replayed", "segment_count", len(segments), "rotations", len(j.state))
	}
	return nil
}

func (j *Journal) replaySegment(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn final line from a crash mid-write; the record was never acknowledged.
			j.logger.Warn("Skipping unreadable journal line", "segment", filepath.Base(path), "error", err)
			continue
		}
		j.apply(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return nil
}

// compact writes the current state into a new segment and drops the rest.
func (j *Journal) compact() error {
	old, err := j.getSortedSegments()
	if err != nil {
		return err
	}
	if err := j.rotate(); err != nil {
		return err
	}

	ids := make([]string, 0, len(j.state))
	for id := range j.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cp := j.state[id]
		data, err := json.Marshal(entry{Rotation: id, LastID: cp.lastID, Done: cp.done, At: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := j.write(append(data, '\n')); err != nil {
			return err
		}
	}

	for _, path := range old {
		if err := os.Remove(path); err != nil {
			j.logger.Error("Failed to remove compacted journal segment", "path", path, "error", err)
		}
	}
	j.logger.Info("Journal compacted", "rotations", len(ids), "removed_segments", len(old))
	return nil
}

func (j *Journal) rotate() error {
	if j.currentSegment != nil {
		if err := j.currentSegment.Close(); err != nil {
			j.logger.Error("Failed to close journal segment before rotating", "error", err)
		}
		j.currentSegment = nil
	}

	// The sequence suffix keeps names ordered when two rotations share a timestamp.
	j.seq++
	segmentName := fmt.Sprintf("%s%020d-%06d.log", segmentPrefix, time.Now().UnixNano(), j.seq)
	path := filepath.Join(j.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create journal segment %s: %w", path, err)
	}
	j.currentSegment = f
	j.currentSize = 0
	return nil
}

func (j *Journal) openLatestSegment() error {
	segments, err := j.getSortedSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return j.rotate()
	}

	latest := segments[len(segments)-1]
	stat, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latest, err)
	}
	if stat.Size() >= j.maxSegmentSize {
		return j.rotate()
	}
	// Never append after a torn line; it would swallow the next record.
	if torn, err := endsTorn(latest, stat.Size()); err != nil || torn {
		return j.rotate()
	}
	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latest, err)
	}
	j.currentSegment = f
	j.currentSize = stat.Size()
	return nil
}

func endsTorn(path string, size int64) (bool, error) {
	if size == 0 {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (j *Journal) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	var segments []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (j *Journal) calculateTotalSize() (int64, error) {
	var total int64
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) {
			info, err := e.Info()
			if err != nil {
				return 0, err
			}
			total += info.Size()
		}
	}
	return total, nil
}

// Close closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.currentSegment != nil {
		err := j.currentSegment.Close()
		j.currentSegment = nil
		return err
	}
	return nil
}
