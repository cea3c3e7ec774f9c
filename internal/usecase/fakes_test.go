package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// The fakes below back manager and bus tests with in-memory state. They
// run handlers without real transactions; atomicity is covered by the
// postgres adapter tests.

type fakeTx struct{}

func (fakeTx) WithinTx(ctx domain.Context, fn func(domain.Context) error) error { return fn(ctx) }

type memProcessRepo struct {
	mu        sync.Mutex
	instances map[uuid.UUID]domain.ProcessInstance
	logs      map[uuid.UUID][]domain.ProcessLogEntry
	// inserted keeps the status each instance carried at insert time.
	inserted []domain.ProcessStatus
}

func newMemProcessRepo() *memProcessRepo {
	return &memProcessRepo{
		instances: map[uuid.UUID]domain.ProcessInstance{},
		logs:      map[uuid.UUID][]domain.ProcessLogEntry{},
	}
}

func cloneInstance(p domain.ProcessInstance) domain.ProcessInstance {
	data := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		data[k] = v
	}
	p.Data = data
	return p
}

func (r *memProcessRepo) Insert(_ domain.Context, p domain.ProcessInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[p.ProcessID] = cloneInstance(p)
	r.inserted = append(r.inserted, p.Status)
	return nil
}

func (r *memProcessRepo) Update(_ domain.Context, p domain.ProcessInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[p.ProcessID]; !ok {
		return domain.ErrNotFound
	}
	r.instances[p.ProcessID] = cloneInstance(p)
	return nil
}

func (r *memProcessRepo) FindByID(_ domain.Context, id uuid.UUID) (domain.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.instances[id]
	if !ok {
		return domain.ProcessInstance{}, domain.ErrNotFound
	}
	return cloneInstance(p), nil
}

func (r *memProcessRepo) FindByBusinessKey(_ domain.Context, key string) ([]domain.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProcessInstance
	for _, p := range r.instances {
		if p.BusinessKey == key {
			out = append(out, cloneInstance(p))
		}
	}
	return out, nil
}

func (r *memProcessRepo) FindByStatus(_ domain.Context, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProcessInstance
	for _, p := range r.instances {
		if p.Status == status {
			out = append(out, cloneInstance(p))
		}
	}
	return out, nil
}

func (r *memProcessRepo) FindByTypeAndStatus(_ domain.Context, processType string, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProcessInstance
	for _, p := range r.instances {
		if p.ProcessType == processType && p.Status == status {
			out = append(out, cloneInstance(p))
		}
	}
	return out, nil
}

func (r *memProcessRepo) Log(_ domain.Context, processID uuid.UUID, event domain.ProcessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := int64(len(r.logs[processID]) + 1)
	r.logs[processID] = append(r.logs[processID], domain.ProcessLogEntry{
		ProcessID: processID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Event:     event,
	})
	return nil
}

func (r *memProcessRepo) Events(_ domain.Context, processID uuid.UUID) ([]domain.ProcessLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProcessLogEntry(nil), r.logs[processID]...), nil
}

func (r *memProcessRepo) eventTypes(processID uuid.UUID) []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, e := range r.logs[processID] {
		out = append(out, e.Event.Type)
	}
	return out
}

type memCommandRepo struct {
	mu       sync.Mutex
	commands map[uuid.UUID]domain.Command
	byIdem   map[string]uuid.UUID
	// failNextInsert forces one Insert error for start-failure tests.
	failNextInsert error
}

func newMemCommandRepo() *memCommandRepo {
	return &memCommandRepo{
		commands: map[uuid.UUID]domain.Command{},
		byIdem:   map[string]uuid.UUID{},
	}
}

func (r *memCommandRepo) Insert(_ domain.Context, c domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextInsert != nil {
		err := r.failNextInsert
		r.failNextInsert = nil
		return err
	}
	if _, ok := r.byIdem[c.IdempotencyKey]; ok {
		return fmt.Errorf("idempotency key %q: %w", c.IdempotencyKey, domain.Permanent(domain.ErrConflict))
	}
	r.commands[c.ID] = c
	r.byIdem[c.IdempotencyKey] = c.ID
	return nil
}

func (r *memCommandRepo) MarkRunning(_ domain.Context, id uuid.UUID, leaseUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = domain.CommandRunning
	c.ProcessingLeaseUntil = &leaseUntil
	r.commands[id] = c
	return nil
}

func (r *memCommandRepo) MarkTerminal(_ domain.Context, id uuid.UUID, status domain.CommandStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	c.LastError = errMsg
	c.ProcessingLeaseUntil = nil
	r.commands[id] = c
	return nil
}

func (r *memCommandRepo) FindByID(_ domain.Context, id uuid.UUID) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[id]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *memCommandRepo) FindByIdempotencyKey(_ domain.Context, key string) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIdem[key]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return r.commands[id], nil
}

func (r *memCommandRepo) ExpireLeases(_ domain.Context, now time.Time) ([]domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Command
	for id, c := range r.commands {
		if c.Status == domain.CommandRunning && c.ProcessingLeaseUntil != nil && c.ProcessingLeaseUntil.Before(now) {
			c.Status = domain.CommandTimedOut
			c.LastError = "Lease expired"
			r.commands[id] = c
			out = append(out, c)
		}
	}
	return out, nil
}

// byName returns the latest command dispatched for the given name.
func (r *memCommandRepo) byName(name string) (domain.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found domain.Command
	var ok bool
	for _, c := range r.commands {
		if c.Name == name && (!ok || c.RequestedAt.After(found.RequestedAt) || c.IdempotencyKey > found.IdempotencyKey) {
			found = c
			ok = true
		}
	}
	return found, ok
}

func (r *memCommandRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

type memOutboxRepo struct {
	mu   sync.Mutex
	rows []domain.OutboxRow
	// failNextAppend forces one Append error for start-failure tests.
	failNextAppend error
}

func (r *memOutboxRepo) Append(_ domain.Context, row domain.OutboxRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextAppend != nil {
		err := r.failNextAppend
		r.failNextAppend = nil
		return err
	}
	row.Status = domain.OutboxNew
	r.rows = append(r.rows, row)
	return nil
}

func (r *memOutboxRepo) ClaimIfNew(_ domain.Context, id uuid.UUID, claimer string) (domain.OutboxRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == id {
			if row.Status != domain.OutboxNew {
				return domain.OutboxRow{}, false, nil
			}
			r.rows[i].Status = domain.OutboxClaimed
			r.rows[i].ClaimedBy = claimer
			return r.rows[i], true, nil
		}
	}
	return domain.OutboxRow{}, false, nil
}

func (r *memOutboxRepo) Sweep(_ domain.Context, max int, claimer string) ([]domain.OutboxRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.OutboxRow
	for i := range r.rows {
		if len(out) >= max {
			break
		}
		row := &r.rows[i]
		claimable := (row.Status == domain.OutboxNew || row.Status == domain.OutboxFailed) &&
			(row.NextAt == nil || !row.NextAt.After(now))
		if claimable {
			row.Status = domain.OutboxClaimed
			row.ClaimedBy = claimer
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memOutboxRepo) MarkPublished(_ domain.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for i := range r.rows {
		if r.rows[i].ID == id {
			r.rows[i].Status = domain.OutboxPublished
			r.rows[i].PublishedAt = &now
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memOutboxRepo) Reschedule(_ domain.Context, id uuid.UUID, backoff time.Duration, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == id {
			next := time.Now().UTC().Add(backoff)
			r.rows[i].Status = domain.OutboxNew
			r.rows[i].NextAt = &next
			r.rows[i].Attempts++
			r.rows[i].ClaimedBy = ""
			r.rows[i].LastError = errMsg
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memOutboxRepo) MarkFailed(_ domain.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == id {
			r.rows[i].Status = domain.OutboxFailed
			r.rows[i].NextAt = &nextAttempt
			r.rows[i].Attempts++
			r.rows[i].ClaimedBy = ""
			r.rows[i].LastError = errMsg
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memOutboxRepo) RecoverStuck(_ domain.Context, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for i := range r.rows {
		if r.rows[i].Status == domain.OutboxClaimed && r.rows[i].CreatedAt.Before(cutoff) {
			r.rows[i].Status = domain.OutboxNew
			r.rows[i].ClaimedBy = ""
			r.rows[i].NextAt = nil
			n++
		}
	}
	return n, nil
}

func (r *memOutboxRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type memDLQRepo struct {
	mu      sync.Mutex
	entries []domain.DlqEntry
}

func (r *memDLQRepo) Park(_ domain.Context, e domain.DlqEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memDLQRepo) List(_ domain.Context, limit int) ([]domain.DlqEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.DlqEntry(nil), r.entries...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
