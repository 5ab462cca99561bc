package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// MetadataStore holds app metadata next to the block namespaces:
// the latest committed state params, the committed parent finality,
// and a bounded ring of recent block hashes for the in-state lookback.
type MetadataStore struct {
	db       *DB
	lookback uint64
}

func NewMetadataStore(db *DB, lookback uint64) *MetadataStore {
	return &MetadataStore{db: db, lookback: lookback}
}

func mkey(suffix string) []byte { return []byte(NsMetadata + "/" + suffix) }

func blockHashKey(height types.BlockHeight) []byte {
	k := mkey("bh/")
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	return append(k, h[:]...)
}

type committedStateParams struct {
	Height types.BlockHeight    `cbor:"1,keyasint"`
	Params types.FvmStateParams `cbor:"2,keyasint"`
}

func (m *MetadataStore) get(key []byte, v any) (bool, error) {
	val, closer, err := m.db.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, storeErr("metadata_get", err)
	}
	defer closer.Close()
	if err := types.DecodeCbor(val, v); err != nil {
		return false, fmt.Errorf("decode metadata %q: %w", key, err)
	}
	return true, nil
}

func (m *MetadataStore) set(key []byte, v any) error {
	data, err := types.EncodeCbor(v)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", key, err)
	}
	if err := m.db.db.Set(key, data, pebble.Sync); err != nil {
		return storeErr("metadata_set", err)
	}
	return nil
}

func (m *MetadataStore) SaveStateParams(height types.BlockHeight, params types.FvmStateParams) error {
	return m.set(mkey("state_params"), committedStateParams{Height: height, Params: params})
}

func (m *MetadataStore) LatestStateParams() (types.BlockHeight, types.FvmStateParams, bool, error) {
	var out committedStateParams
	ok, err := m.get(mkey("state_params"), &out)
	return out.Height, out.Params, ok, err
}

func (m *MetadataStore) SaveCommittedFinality(f types.IPCParentFinality) error {
	return m.set(mkey("finality"), f)
}

func (m *MetadataStore) CommittedFinality() (types.IPCParentFinality, bool, error) {
	var out types.IPCParentFinality
	ok, err := m.get(mkey("finality"), &out)
	return out, ok, err
}

// PutBlockHash records the hash for a height and prunes the entry that
// fell out of the lookback window.
func (m *MetadataStore) PutBlockHash(height types.BlockHeight, hash types.BlockHash) error {
	if err := m.set(blockHashKey(height), hash[:]); err != nil {
		return err
	}
	if height > m.lookback {
		if err := m.db.db.Delete(blockHashKey(height-m.lookback-1), pebble.Sync); err != nil {
			return storeErr("metadata_prune", err)
		}
	}
	return nil
}

func (m *MetadataStore) BlockHashAt(height types.BlockHeight) (types.BlockHash, bool, error) {
	var raw []byte
	ok, err := m.get(blockHashKey(height), &raw)
	if err != nil || !ok {
		return types.BlockHash{}, ok, err
	}
	h, err := types.BlockHashFromBytes(raw)
	if err != nil {
		return types.BlockHash{}, false, err
	}
	return h, true, nil
}
