package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// journal appends one JSONL line per event to {dir}/{run_id}.jsonl from a
// single background goroutine so Emit never blocks on disk. Writes are
// best-effort: IO errors are logged and the line is dropped.
type journal struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	pending []journalLine
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

type journalLine struct {
	runID   string
	payload []byte
}

func newJournal(dir string) (*journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir %q: %w", dir, err)
	}
	j := &journal{
		dir:    dir,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// append enqueues a line for the writer goroutine.
func (j *journal) append(runID string, payload []byte) {
	j.mu.Lock()
	j.pending = append(j.pending, journalLine{runID: runID, payload: payload})
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.wake:
			j.flush()
		case <-j.stop:
			j.flush()
			return
		}
	}
}

// flush drains the pending queue and writes each line.
func (j *journal) flush() {
	for {
		j.mu.Lock()
		if len(j.pending) == 0 {
			j.mu.Unlock()
			return
		}
		batch := j.pending
		j.pending = nil
		j.mu.Unlock()

		for _, line := range batch {
			j.write(line)
		}
	}
}

func (j *journal) write(line journalLine) {
	path := j.path(line.runID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.logger.Warn("Journal open failed", "run_id", line.runID, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line.payload, '\n')); err != nil {
		j.logger.Warn("Journal append failed", "run_id", line.runID, "error", err)
	}
}

// read returns decoded events in file order, skipping malformed lines.
func (j *journal) read(runID string) []Event {
	var events []Event
	for _, raw := range j.readRaw(runID) {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			j.logger.Warn("Skipping malformed journal line", "run_id", runID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// readRaw returns the raw payload lines in file order.
func (j *journal) readRaw(runID string) [][]byte {
	f, err := os.Open(j.path(runID))
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		j.logger.Warn("Journal read failed", "run_id", runID, "error", err)
	}
	return lines
}

// prune removes journal files last written before cutoff. Files whose run
// still matters to the caller are skipped via the skip callback; per-file
// IO errors are logged and skipped.
func (j *journal) prune(cutoff time.Time, skip func(runID string) bool) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("scan journal dir %q: %w", j.dir, err)
	}

	pruned := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		runID := strings.TrimSuffix(name, ".jsonl")
		if skip != nil && skip(runID) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			j.logger.Warn("Journal prune failed", "run_id", runID, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// close drains outstanding writes and stops the worker.
func (j *journal) close() {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
	<-j.done
}

func (j *journal) path(runID string) string {
	return filepath.Join(j.dir, filepath.Base(runID)+".jsonl")
}
