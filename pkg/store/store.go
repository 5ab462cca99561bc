package store

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// Blockstore is a content-addressed block store. Implementations must
// be safe for concurrent use.
type Blockstore interface {
	Has(c cid.Cid) (bool, error)
	Get(c cid.Cid) ([]byte, error)
	Put(c cid.Cid, block []byte) error
	PutMany(blocks []Block) error
}

type Block struct {
	Cid  cid.Cid
	Data []byte
}

// StoreError wraps any I/O failure from the underlying KV engine.
// Callers on the consensus path treat it as fatal; background paths
// retry or drop.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
