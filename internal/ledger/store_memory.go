package ledger

import (
	"context"
	"sync"

	"autotrader/internal/core"
)

// MemoryStore implements ILedgerStore in memory, for tests and dry runs
type MemoryStore struct {
	mu        sync.RWMutex
	fills     map[string][]core.Fill
	positions map[string]*core.Position
	drifts    map[string][]core.DriftRecord
	nextDrift int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fills:     make(map[string][]core.Fill),
		positions: make(map[string]*core.Position),
		drifts:    make(map[string][]core.DriftRecord),
		nextDrift: 1,
	}
}

func (s *MemoryStore) AppendFill(ctx context.Context, fill core.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.PositionKey(fill.AccountID, fill.Symbol)
	s.fills[key] = append(s.fills[key], fill)
	return nil
}

func (s *MemoryStore) LoadFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.fills[core.PositionKey(accountID, symbol)]
	out := make([]core.Fill, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) ReplaceFills(ctx context.Context, accountID, symbol string, fills []core.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]core.Fill, len(fills))
	copy(cp, fills)
	s.fills[core.PositionKey(accountID, symbol)] = cp
	return nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, pos *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Key()] = pos.Clone()
	return nil
}

func (s *MemoryStore) LoadPositions(ctx context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveDrift(ctx context.Context, rec *core.DriftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.PositionKey(rec.AccountID, rec.Symbol)
	if rec.ID == 0 {
		rec.ID = s.nextDrift
		s.nextDrift++
		s.drifts[key] = append(s.drifts[key], *rec)
		return nil
	}
	for i := range s.drifts[key] {
		if s.drifts[key][i].ID == rec.ID {
			s.drifts[key][i] = *rec
			return nil
		}
	}
	s.drifts[key] = append(s.drifts[key], *rec)
	return nil
}

func (s *MemoryStore) LoadDrifts(ctx context.Context, accountID, symbol string) ([]core.DriftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.drifts[core.PositionKey(accountID, symbol)]
	out := make([]core.DriftRecord, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
