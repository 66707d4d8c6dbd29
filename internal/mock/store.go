package mock

import (
	"context"
	"sync"

	"spottrader/internal/core"
)

// TradeStore implements core.ITradeStore in memory
type TradeStore struct {
	mu        sync.RWMutex
	trades    []*core.TradeRecord
	positions map[string]*core.Position

	SaveTradeErr error
}

var _ core.ITradeStore = (*TradeStore)(nil)

// NewTradeStore creates an empty in-memory store
func NewTradeStore() *TradeStore {
	return &TradeStore{positions: make(map[string]*core.Position)}
}

func (s *TradeStore) SaveTrade(ctx context.Context, trade *core.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveTradeErr != nil {
		return s.SaveTradeErr
	}
	copied := *trade
	// Newest first, matching the SQLite store's ordering
	s.trades = append([]*core.TradeRecord{&copied}, s.trades...)
	return nil
}

func (s *TradeStore) RecentTrades(ctx context.Context, limit int, symbol string) ([]*core.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*core.TradeRecord
	for _, t := range s.trades {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		copied := *t
		res = append(res, &copied)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *TradeStore) UpsertPosition(ctx context.Context, pos *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pos
	s.positions[pos.ID] = &copied
	return nil
}

func (s *TradeStore) DeletePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	return nil
}

func (s *TradeStore) LoadPositions(ctx context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		copied := *p
		res = append(res, &copied)
	}
	return res, nil
}

func (s *TradeStore) Close() error { return nil }
