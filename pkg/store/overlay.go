package store

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// EmptyArrCid is the CID of the empty CBOR array. The execution
// engine writes it when initializing empty state trees, so the
// read-only overlay admits exactly this one block.
var EmptyArrCid cid.Cid

func init() {
	b := cid.V1Builder{Codec: cid.DagCBOR, MhType: multihash.BLAKE2B_MIN + 31}
	c, err := b.Sum([]byte{0x80})
	if err != nil {
		panic(err)
	}
	EmptyArrCid = c
}

var ErrReadOnly = errors.New("write to read-only blockstore")

// ReadOnlyBlockstore wraps a writable store for query-style access to
// committed state. Reads fall through; writes are rejected except for
// the distinguished empty-array block.
type ReadOnlyBlockstore struct {
	inner Blockstore
}

func NewReadOnlyBlockstore(inner Blockstore) *ReadOnlyBlockstore {
	return &ReadOnlyBlockstore{inner: inner}
}

func (s *ReadOnlyBlockstore) Has(c cid.Cid) (bool, error) { return s.inner.Has(c) }

func (s *ReadOnlyBlockstore) Get(c cid.Cid) ([]byte, error) { return s.inner.Get(c) }

func (s *ReadOnlyBlockstore) Put(c cid.Cid, block []byte) error {
	if c.Equals(EmptyArrCid) {
		return s.inner.Put(c, block)
	}
	return ErrReadOnly
}

func (s *ReadOnlyBlockstore) PutMany(blocks []Block) error {
	for _, b := range blocks {
		if !b.Cid.Equals(EmptyArrCid) {
			return ErrReadOnly
		}
	}
	return s.inner.PutMany(blocks)
}

var _ Blockstore = (*ReadOnlyBlockstore)(nil)

// BitswapBlockstore composes the bit-store and the state-store for the
// content-resolution path. Reads prefer the bit-store and fall back to
// state; writes land only in the bit-store, so fetched blocks can
// never corrupt the consensus state tree.
type BitswapBlockstore struct {
	stateStore Blockstore
	bitStore   Blockstore
}

func NewBitswapBlockstore(stateStore, bitStore Blockstore) *BitswapBlockstore {
	return &BitswapBlockstore{stateStore: stateStore, bitStore: bitStore}
}

func (s *BitswapBlockstore) Has(c cid.Cid) (bool, error) {
	ok, err := s.bitStore.Has(c)
	if err != nil || ok {
		return ok, err
	}
	return s.stateStore.Has(c)
}

func (s *BitswapBlockstore) Get(c cid.Cid) ([]byte, error) {
	data, err := s.bitStore.Get(c)
	if err != nil || data != nil {
		return data, err
	}
	return s.stateStore.Get(c)
}

func (s *BitswapBlockstore) Put(c cid.Cid, block []byte) error {
	return s.bitStore.Put(c, block)
}

func (s *BitswapBlockstore) PutMany(blocks []Block) error {
	return s.bitStore.PutMany(blocks)
}

var _ Blockstore = (*BitswapBlockstore)(nil)
