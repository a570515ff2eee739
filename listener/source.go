package listener

import (
	"context"
	"sync"

	"github.com/canopy-network/ethy/lib"
)

// Source is an ordered stream of finalized headers
type Source interface {
	// Next() blocks until a newly finalized header is available or the context is done
	Next(ctx context.Context) (*lib.FinalizedHeader, lib.ErrorI)
	// HeaderByNumber() returns a past finalized header, used to backfill skipped blocks
	HeaderByNumber(ctx context.Context, number uint64) (*lib.FinalizedHeader, lib.ErrorI)
}

// ChanSource is a push fed source, headers come from the admin rpc or from tests
type ChanSource struct {
	headers chan *lib.FinalizedHeader
	mu      sync.Mutex
	history map[uint64]*lib.FinalizedHeader // recently pushed headers by number
	order   []uint64                        // history in push order
	limit   int                             // history bound
}

// NewChanSource() creates a push source buffering up to size headers
func NewChanSource(size int) *ChanSource {
	if size < 1 {
		size = 1
	}
	return &ChanSource{
		headers: make(chan *lib.FinalizedHeader, size),
		history: make(map[uint64]*lib.FinalizedHeader),
		limit:   size * 4,
	}
}

// Push() validates a header and queues it, blocking while the buffer is full
func (s *ChanSource) Push(ctx context.Context, h *lib.FinalizedHeader) lib.ErrorI {
	if err := h.Check(); err != nil {
		return err
	}
	s.remember(h)
	select {
	case s.headers <- h:
		return nil
	case <-ctx.Done():
		return ErrSourceHeader(ctx.Err())
	}
}

// Next() implements Source
func (s *ChanSource) Next(ctx context.Context) (*lib.FinalizedHeader, lib.ErrorI) {
	select {
	case h := <-s.headers:
		return h, nil
	case <-ctx.Done():
		return nil, ErrSourceHeader(ctx.Err())
	}
}

// HeaderByNumber() implements Source from the pushed history
func (s *ChanSource) HeaderByNumber(_ context.Context, number uint64) (*lib.FinalizedHeader, lib.ErrorI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[number]
	if !ok {
		return nil, ErrHeaderNotFound(number)
	}
	return h, nil
}

func (s *ChanSource) remember(h *lib.FinalizedHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[h.Number]; !ok {
		s.order = append(s.order, h.Number)
	}
	s.history[h.Number] = h
	for len(s.order) > s.limit {
		delete(s.history, s.order[0])
		s.order = s.order[1:]
	}
}
