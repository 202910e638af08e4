package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Bus is the per-run publish/subscribe hub. Emitters publish Events; any
// number of subscribers attach per run and receive every payload emitted
// between their attach and the run's finish sentinel, in emission order.
//
// Journaling is best-effort: lines are handed to a background writer and
// live delivery never waits on disk.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*Queue
	active      map[string]struct{}
	finished    map[string]struct{}

	journal *journal
	logger  *slog.Logger
}

// NewBus creates a bus. journalDir may be empty to disable journaling
// (tests, ephemeral deployments).
func NewBus(journalDir string) (*Bus, error) {
	b := &Bus{
		subscribers: make(map[string][]*Queue),
		active:      make(map[string]struct{}),
		finished:    make(map[string]struct{}),
		logger:      slog.Default(),
	}
	if journalDir != "" {
		j, err := newJournal(journalDir)
		if err != nil {
			return nil, err
		}
		b.journal = j
	}
	return b, nil
}

// NewRun returns a fresh run id without registering it.
func (b *Bus) NewRun() string {
	return NewRunID()
}

// EnsureRun registers runID as active with an empty subscriber list.
// Idempotent; must precede the first Emit for the run.
func (b *Bus) EnsureRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[runID]; !ok {
		b.subscribers[runID] = nil
	}
	b.active[runID] = struct{}{}
	delete(b.finished, runID)
}

// Attach creates a subscriber queue for runID. Safe before EnsureRun and
// after Finish; attaching to a finished run yields the sentinel immediately
// (bridges replay the journal for history).
func (b *Bus) Attach(runID string) *Queue {
	q := newQueue()
	b.mu.Lock()
	b.subscribers[runID] = append(b.subscribers[runID], q)
	_, done := b.finished[runID]
	b.mu.Unlock()
	if done {
		q.push(nil)
	}
	return q
}

// Detach removes q from runID's subscriber list and drops the run entry when
// the list empties and the run is no longer active.
func (b *Bus) Detach(runID string, q *Queue) {
	q.markDetached()

	b.mu.Lock()
	defer b.mu.Unlock()
	queues := b.subscribers[runID]
	for i, cand := range queues {
		if cand == q {
			b.subscribers[runID] = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

// Emit serializes ev once, delivers it to every attached queue, and hands the
// line to the journal writer. Delivery happens under the bus lock so every
// subscriber observes the same global emission order; queue pushes are plain
// slice appends and never block.
func (b *Bus) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to serialize trace event",
			"run_id", ev.RunID, "step_id", ev.StepID, "error", err)
		return
	}

	b.mu.Lock()
	for _, q := range b.subscribers[ev.RunID] {
		q.push(payload)
	}
	b.mu.Unlock()

	if b.journal != nil {
		b.journal.append(ev.RunID, payload)
	}
}

// Finish pushes the terminal sentinel to every attached queue and marks the
// run inactive. Idempotent: a second call finds no active run and returns
// without delivering anything; queues attached after the first Finish get
// their sentinel at Attach time.
func (b *Bus) Finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[runID]; !ok {
		return
	}
	delete(b.active, runID)
	b.finished[runID] = struct{}{}
	for _, q := range b.subscribers[runID] {
		q.push(nil)
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

// IsActive reports whether runID has been ensured and not yet finished.
func (b *Bus) IsActive(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[runID]
	return ok
}

// Stream attaches a subscriber and forwards payloads on the returned channel
// until the sentinel or ctx cancellation, then detaches. The channel is
// closed when streaming ends.
func (b *Bus) Stream(ctx context.Context, runID string) <-chan []byte {
	q := b.Attach(runID)
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer b.Detach(runID, q)
		for {
			payload, err := q.Next(ctx)
			if err != nil || payload == nil {
				return
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ReadPersisted returns all journaled events for runID in emission order.
// Missing or unreadable journals yield an empty slice; malformed lines are
// skipped.
func (b *Bus) ReadPersisted(runID string) []Event {
	if b.journal == nil {
		return nil
	}
	return b.journal.read(runID)
}

// ReadPersistedRaw returns the journaled payload lines without decoding,
// for bridges that forward them verbatim.
func (b *Bus) ReadPersistedRaw(runID string) [][]byte {
	if b.journal == nil {
		return nil
	}
	return b.journal.readRaw(runID)
}

// PruneJournals deletes journal files last written more than olderThan ago.
// Journals of active runs are never touched. Returns how many files were
// removed; a nil journal (journaling disabled) prunes nothing.
func (b *Bus) PruneJournals(olderThan time.Duration) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	return b.journal.prune(time.Now().Add(-olderThan), b.IsActive)
}

// Close drains pending journal writes and stops the writer.
func (b *Bus) Close() error {
	if b.journal != nil {
		b.journal.close()
	}
	return nil
}
