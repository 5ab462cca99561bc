package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// CidOf computes the canonical CID of a dag-cbor block: CIDv1 with a
// blake2b-256 multihash.
func CidOf(data []byte) (cid.Cid, error) {
	b := cid.V1Builder{Codec: cid.DagCBOR, MhType: multihash.BLAKE2B_MIN + 31}
	return b.Sum(data)
}

// Blake2b256 is the content digest used throughout the stack.
func Blake2b256(data []byte) [32]byte { return blake2b.Sum256(data) }

// MissingBlocks walks the CID references of the block graph rooted at
// c against the store and returns every reference that could not be
// retrieved. A fully-resolved root yields an empty slice.
func MissingBlocks(bs Blockstore, c cid.Cid) ([]cid.Cid, error) {
	stack := []cid.Cid{c}
	seen := map[cid.Cid]struct{}{}
	var missing []cid.Cid
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}

		data, err := bs.Get(cur)
		if err != nil {
			return nil, err
		}
		if data == nil {
			missing = append(missing, cur)
			continue
		}
		refs, err := cidReferences(data)
		if err != nil {
			return nil, fmt.Errorf("scan references of %s: %w", cur, err)
		}
		stack = append(stack, refs...)
	}
	return missing, nil
}

// cidReferences extracts dag-cbor links (tag 42) from a block.
func cidReferences(data []byte) ([]cid.Cid, error) {
	var node any
	if err := cbor.Unmarshal(data, &node); err != nil {
		// Not CBOR: a leaf with no links.
		return nil, nil
	}
	var out []cid.Cid
	collectLinks(node, &out)
	return out, nil
}

func collectLinks(node any, out *[]cid.Cid) {
	switch v := node.(type) {
	case cbor.Tag:
		if v.Number == 42 {
			if raw, ok := v.Content.([]byte); ok && len(raw) > 1 {
				// Tag content is a multibase-identity-prefixed CID.
				if c, err := cid.Cast(raw[1:]); err == nil {
					*out = append(*out, c)
					return
				}
			}
		}
		collectLinks(v.Content, out)
	case []any:
		for _, e := range v {
			collectLinks(e, out)
		}
	case map[any]any:
		for _, e := range v {
			collectLinks(e, out)
		}
	case map[string]any:
		for _, e := range v {
			collectLinks(e, out)
		}
	}
}
