package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Journal appends events to <dir>/audit-<yyyy-mm-dd>.jsonl.
type Journal struct {
	dir string
	now func() time.Time
	log *logging.Logger

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewJournal creates a Journal writing to dir. The directory is created on
// first write.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("audit directory cannot be empty")
	}
	return &Journal{dir: dir, now: time.Now, log: logging.Get("audit")}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Record implements Sink. Write failures are logged, never returned, so a
// full audit disk cannot stop replication.
func (j *Journal) Record(e Event) {
	if err := j.Write(e); err != nil {
		j.log.Error("failed to write audit event", "type", string(e.Type), "path", e.Path, "error", err)
	}
}

// Write appends e and syncs the file.
func (j *Journal) Write(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = j.now()
	}
	e.Time = e.Time.UTC()
	if e.ID == "" {
		e.ID = generateID(e.Type, e.Time)
	}

	if err := j.rotateLocked(e.Time.Format(dayLayout)); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return j.file.Sync()
}

// rotateLocked opens the file for day if it is not already open.
func (j *Journal) rotateLocked(day string) error {
	if j.file != nil && j.day == day {
		return nil
	}
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(j.path(day), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	j.file = f
	j.day = day
	return nil
}

func (j *Journal) path(day string) string {
	return filepath.Join(j.dir, filePrefix+day+fileSuffix)
}

// Read returns the events recorded on the given UTC day in write order.
func (j *Journal) Read(day time.Time) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path(day.UTC().Format(dayLayout)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	events := []Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn last line after a crash is skipped.
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Days lists the days that have a journal file, newest first.
func (j *Journal) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading audit directory: %w", err)
	}

	var days []time.Time
	for _, e := range entries {
		day, ok := parseDay(e.Name())
		if ok {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(a, b int) bool { return days[a].After(days[b]) })
	return days, nil
}

// Cleanup removes journal files for days older than retentionDays.
func (j *Journal) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().UTC().AddDate(0, 0, -retentionDays)
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading audit directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		day, ok := parseDay(e.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if day.Format(dayLayout) == j.day {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			j.log.Warn("failed to remove audit file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.day = ""
	return err
}

func parseDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// generateID creates a unique ID like "file_detected-20240615T103000-abc123def456".
func generateID(t EventType, ts time.Time) string {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		suffix = []byte(fmt.Sprintf("%06d", ts.Nanosecond()%1000000))
	}
	return fmt.Sprintf("%s-%s-%s", t, ts.Format("20060102T150405"), hex.EncodeToString(suffix))
}
