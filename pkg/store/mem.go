package store

import (
	"sync"

	"github.com/ipfs/go-cid"
)

// MemBlockstore is the in-memory Blockstore used by tests and the dev
// tooling.
type MemBlockstore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[cid.Cid][]byte)}
}

func (s *MemBlockstore) Has(c cid.Cid) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[c]
	return ok, nil
}

func (s *MemBlockstore) Get(c cid.Cid) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[c]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemBlockstore) Put(c cid.Cid, block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[c] = append([]byte(nil), block...)
	return nil
}

func (s *MemBlockstore) PutMany(blocks []Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.blocks[b.Cid] = append([]byte(nil), b.Data...)
	}
	return nil
}

func (s *MemBlockstore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

var _ Blockstore = (*MemBlockstore)(nil)
