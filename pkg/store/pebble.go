package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
)

// Namespaces of the single KV engine. Pebble has no column families,
// so a namespace is a key prefix; every namespace handle shares one DB.
const (
	NsState    = "s"
	NsBit      = "b"
	NsMetadata = "m"
)

// DB owns the pebble instance. Namespace handles are created from it.
type DB struct {
	db *pebble.DB
}

func Open(path string) (*DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// NamespaceBlockstore routes every operation through one namespace.
// The state and bit stores are two of these over the same DB; write
// isolation between the consensus and p2p paths comes from handing
// each path only its own handle.
type NamespaceBlockstore struct {
	db *DB
	ns string
}

func NewNamespaceBlockstore(db *DB, ns string) *NamespaceBlockstore {
	return &NamespaceBlockstore{db: db, ns: ns}
}

func (s *NamespaceBlockstore) key(c cid.Cid) []byte {
	k := make([]byte, 0, len(s.ns)+1+len(c.Bytes()))
	k = append(k, s.ns...)
	k = append(k, '/')
	return append(k, c.Bytes()...)
}

func (s *NamespaceBlockstore) Has(c cid.Cid) (bool, error) {
	_, closer, err := s.db.db.Get(s.key(c))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, storeErr("has", err)
	}
	_ = closer.Close()
	return true, nil
}

func (s *NamespaceBlockstore) Get(c cid.Cid) ([]byte, error) {
	val, closer, err := s.db.db.Get(s.key(c))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, storeErr("get", err)
	}
	defer closer.Close()
	out := append([]byte(nil), val...)
	return out, nil
}

func (s *NamespaceBlockstore) Put(c cid.Cid, block []byte) error {
	if err := s.db.db.Set(s.key(c), block, pebble.Sync); err != nil {
		return storeErr("put", err)
	}
	return nil
}

func (s *NamespaceBlockstore) PutMany(blocks []Block) error {
	batch := s.db.db.NewBatch()
	defer batch.Close()
	for _, b := range blocks {
		if err := batch.Set(s.key(b.Cid), b.Data, nil); err != nil {
			return storeErr("put_many", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return storeErr("put_many", err)
	}
	return nil
}

var _ Blockstore = (*NamespaceBlockstore)(nil)
