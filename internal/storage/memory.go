// Package storage provides ledger store backends for the apply phase: a
// SQLite-backed store for persistent runs and an in-memory store for tests
// and dry runs.
package storage

import (
	"context"
	"sync"

	"bankrecon/internal/applier"
	apperrors "bankrecon/pkg/errors"
)

// legKey identifies a leg inside the ledger. Bank and book ids are separate
// namespaces, so identity is always (side, id).
type legKey struct {
	side string
	id   string
}

// MemoryStore is an in-memory applier.LedgerStore. Legs must be seeded
// before use. Lock semantics mirror the SQLite store: a leg locked by one
// open unit conflicts with any other unit that tries to lock it.
type MemoryStore struct {
	mu     sync.Mutex
	legs   map[legKey]applier.LegRecord
	recons map[string]applier.Reconciliation
	locked map[legKey]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		legs:   make(map[legKey]applier.LegRecord),
		recons: make(map[string]applier.Reconciliation),
		locked: make(map[legKey]bool),
	}
}

// SeedLeg inserts or replaces a leg record under its (side, id) key.
func (s *MemoryStore) SeedLeg(rec applier.LegRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs[legKey{rec.Side, rec.ID}] = rec
}

// Leg returns the current state of a leg on the given side.
func (s *MemoryStore) Leg(side, id string) (applier.LegRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.legs[legKey{side, id}]
	return rec, ok
}

// Reconciliation returns a stored reconciliation by id.
func (s *MemoryStore) Reconciliation(id string) (applier.Reconciliation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recons[id]
	return rec, ok
}

// BeginUnit opens a new unit of work.
func (s *MemoryStore) BeginUnit(ctx context.Context) (applier.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.StorageError("begin unit", err)
	}
	return &memoryUnit{store: s}, nil
}

type memoryUnit struct {
	store  *MemoryStore
	held   []legKey
	recons []applier.Reconciliation
	marked map[legKey]string // leg -> recon id
	done   bool
}

func (u *memoryUnit) LockLegs(ctx context.Context, bankIDs, bookIDs []string) ([]applier.LegRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.StorageError("lock legs", err)
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	keys := legKeys(bankIDs, bookIDs)
	for _, k := range keys {
		if u.store.locked[k] {
			return nil, apperrors.ApplyError(apperrors.CodeLockConflict,
				k.side+" leg "+k.id+" is locked by another unit", nil)
		}
	}

	var records []applier.LegRecord
	for _, k := range keys {
		u.store.locked[k] = true
		u.held = append(u.held, k)
		if rec, ok := u.store.legs[k]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (u *memoryUnit) CreateReconciliation(ctx context.Context, rec applier.Reconciliation) error {
	if err := ctx.Err(); err != nil {
		return apperrors.StorageError("create reconciliation", err)
	}
	u.recons = append(u.recons, rec)
	return nil
}

func (u *memoryUnit) MarkReconciled(ctx context.Context, reconID string, bankIDs, bookIDs []string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.StorageError("mark reconciled", err)
	}
	if u.marked == nil {
		u.marked = make(map[legKey]string)
	}
	for _, k := range legKeys(bankIDs, bookIDs) {
		u.marked[k] = reconID
	}
	return nil
}

func (u *memoryUnit) Commit() error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if u.done {
		return apperrors.StorageError("commit", nil)
	}
	u.done = true

	for _, rec := range u.recons {
		u.store.recons[rec.ID] = rec
	}
	for k := range u.marked {
		if rec, ok := u.store.legs[k]; ok {
			rec.Reconciled = true
			u.store.legs[k] = rec
		}
	}
	u.release()
	return nil
}

func (u *memoryUnit) Rollback() error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	u.release()
	return nil
}

// release drops the unit's locks. Caller holds the store mutex.
func (u *memoryUnit) release() {
	for _, k := range u.held {
		delete(u.store.locked, k)
	}
	u.held = nil
}

// legKeys expands the two id lists into side-qualified keys, bank first.
func legKeys(bankIDs, bookIDs []string) []legKey {
	keys := make([]legKey, 0, len(bankIDs)+len(bookIDs))
	for _, id := range bankIDs {
		keys = append(keys, legKey{applier.SideBank, id})
	}
	for _, id := range bookIDs {
		keys = append(keys, legKey{applier.SideBook, id})
	}
	return keys
}
