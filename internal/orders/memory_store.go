package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderflow/internal/orders/saga"
)

// journalEntry is one mutation of a MemoryStore, as written to a WAL.
type journalEntry struct {
	Op      string            `json:"op"`
	ID      string            `json:"id"`
	Input   *saga.OrderInput  `json:"input,omitempty"`
	Outcome *saga.StepOutcome `json:"outcome,omitempty"`
	Status  saga.Status       `json:"status,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

const (
	opCreate = "create"
	opAppend = "append"
	opStatus = "status"
)

// MemoryStore keeps instances in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*saga.Record
	now       func() time.Time
	journal   func(entry journalEntry) error
}

// NewMemoryStore constructs an empty in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*saga.Record),
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, id string, input saga.OrderInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; ok {
		return fmt.Errorf("%w: %s already exists", saga.ErrInstanceConflict, id)
	}
	entry := journalEntry{Op: opCreate, ID: id, Input: &input, At: s.now().UTC()}
	if err := s.write(entry); err != nil {
		return err
	}
	return s.apply(entry)
}

func (s *MemoryStore) Append(ctx context.Context, id string, outcome saga.StepOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return saga.ErrInstanceNotFound
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", saga.ErrInstanceConflict, id, rec.Status)
	}
	if outcome.Seq != len(rec.History) {
		return fmt.Errorf("%w: %s expected seq %d, got %d", saga.ErrInstanceConflict, id, len(rec.History), outcome.Seq)
	}
	entry := journalEntry{Op: opAppend, ID: id, Outcome: &outcome, At: s.now().UTC()}
	if err := s.write(entry); err != nil {
		return err
	}
	return s.apply(entry)
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status saga.Status, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return saga.ErrInstanceNotFound
	}
	if rec.Status.Terminal() && (rec.Status != status || rec.Reason != reason) {
		return fmt.Errorf("%w: %s is already %s", saga.ErrInstanceConflict, id, rec.Status)
	}
	entry := journalEntry{Op: opStatus, ID: id, Status: status, Reason: reason, At: s.now().UTC()}
	if err := s.write(entry); err != nil {
		return err
	}
	return s.apply(entry)
}

func (s *MemoryStore) Load(ctx context.Context, id string) (saga.Record, error) {
	if err := ctx.Err(); err != nil {
		return saga.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return saga.Record{}, saga.ErrInstanceNotFound
	}
	out := *rec
	out.History = append([]saga.StepOutcome(nil), rec.History...)
	return out, nil
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.instances {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) write(entry journalEntry) error {
	if s.journal == nil {
		return nil
	}
	return s.journal(entry)
}

// apply mutates state for an entry that has already been validated. It is
// also used when replaying a journal, so it must stay free of side effects.
func (s *MemoryStore) apply(entry journalEntry) error {
	switch entry.Op {
	case opCreate:
		if entry.Input == nil {
			return fmt.Errorf("create %s: missing input", entry.ID)
		}
		s.instances[entry.ID] = &saga.Record{
			ID:        entry.ID,
			Input:     *entry.Input,
			Status:    saga.StatusRunning,
			CreatedAt: entry.At,
		}
	case opAppend:
		rec, ok := s.instances[entry.ID]
		if !ok || entry.Outcome == nil {
			return fmt.Errorf("append %s: %w", entry.ID, saga.ErrInstanceNotFound)
		}
		outcome := *entry.Outcome
		outcome.Input = cloneRaw(outcome.Input)
		outcome.Result = cloneRaw(outcome.Result)
		rec.History = append(rec.History, outcome)
	case opStatus:
		rec, ok := s.instances[entry.ID]
		if !ok {
			return fmt.Errorf("status %s: %w", entry.ID, saga.ErrInstanceNotFound)
		}
		rec.Status = entry.Status
		rec.Reason = entry.Reason
	default:
		return fmt.Errorf("unknown journal op %q", entry.Op)
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
