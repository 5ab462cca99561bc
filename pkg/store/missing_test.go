package store

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// link encodes a dag-cbor link (tag 42, identity-multibase-prefixed
// CID bytes).
func link(c cid.Cid) cbor.Tag {
	return cbor.Tag{Number: 42, Content: append([]byte{0x00}, c.Bytes()...)}
}

func putBlock(t *testing.T, bs Blockstore, node any) cid.Cid {
	t.Helper()
	data, err := cbor.Marshal(node)
	if err != nil {
		t.Fatal(err)
	}
	c, err := CidOf(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := bs.Put(c, data); err != nil {
		t.Fatal(err)
	}
	return c
}

func encodeOnly(t *testing.T, node any) cid.Cid {
	t.Helper()
	data, err := cbor.Marshal(node)
	if err != nil {
		t.Fatal(err)
	}
	c, err := CidOf(data)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMissingBlocksCompleteGraph(t *testing.T) {
	bs := NewMemBlockstore()
	leafA := putBlock(t, bs, []any{"leaf-a"})
	leafB := putBlock(t, bs, []any{"leaf-b"})
	root := putBlock(t, bs, []any{link(leafA), link(leafB)})

	missing, err := MissingBlocks(bs, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}

func TestMissingBlocksReportsAbsentLeaves(t *testing.T) {
	bs := NewMemBlockstore()
	present := putBlock(t, bs, []any{"present"})
	absent := encodeOnly(t, []any{"absent"})
	root := putBlock(t, bs, map[string]any{
		"a": link(present),
		"b": link(absent),
	})

	missing, err := MissingBlocks(bs, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || !missing[0].Equals(absent) {
		t.Fatalf("missing = %v, want [%s]", missing, absent)
	}
}

func TestMissingBlocksRootAbsent(t *testing.T) {
	bs := NewMemBlockstore()
	root := encodeOnly(t, []any{"root"})
	missing, err := MissingBlocks(bs, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || !missing[0].Equals(root) {
		t.Fatalf("missing = %v", missing)
	}
}

func TestMissingBlocksNestedLinks(t *testing.T) {
	bs := NewMemBlockstore()
	leaf := encodeOnly(t, []any{"deep leaf"})
	mid := putBlock(t, bs, []any{link(leaf)})
	root := putBlock(t, bs, []any{link(mid)})

	missing, err := MissingBlocks(bs, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || !missing[0].Equals(leaf) {
		t.Fatalf("missing = %v, want deep leaf", missing)
	}
}
