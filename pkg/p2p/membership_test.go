package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/subnetlabs/subnetd/pkg/types"
)

func testCacheConfig() MembershipConfig {
	return MembershipConfig{
		StaticSubnets:  []types.SubnetID{"/root/static"},
		MaxSubnets:     2,
		MaxProviderAge: time.Minute,
	}
}

func rec(id string, ts uint64, subnets ...types.SubnetID) ProviderRecord {
	return ProviderRecord{PeerID: peer.ID(id), SubnetIDs: subnets, Timestamp: ts}
}

func TestProviderCacheTimestampDominance(t *testing.T) {
	c := NewProviderCache(testCacheConfig())

	if !c.Add(rec("p1", 10, "/root/a")) {
		t.Fatal("first record must be accepted")
	}
	if c.Add(rec("p1", 9, "/root/a")) {
		t.Fatal("older record must be ignored")
	}
	if c.Add(rec("p1", 10, "/root/a")) {
		t.Fatal("equal timestamp does not supersede")
	}
	if !c.Add(rec("p1", 11, "/root/b")) {
		t.Fatal("newer record must supersede")
	}

	// The newer record replaced the subnet list wholesale.
	if got := c.ProvidersOf("/root/a"); len(got) != 0 {
		t.Fatalf("providers of /root/a = %v, want none", got)
	}
	if got := c.ProvidersOf("/root/b"); len(got) != 1 || got[0] != peer.ID("p1") {
		t.Fatalf("providers of /root/b = %v", got)
	}
}

func TestProviderCacheMaxSubnets(t *testing.T) {
	c := NewProviderCache(testCacheConfig())

	// MaxSubnets=2 dynamic slots; the third dynamic subnet is dropped,
	// the static subnet always sticks.
	c.Add(rec("p1", 1, "/root/a", "/root/b", "/root/c", "/root/static"))

	if got := c.ProvidersOf("/root/a"); len(got) != 1 {
		t.Fatalf("providers of a = %v", got)
	}
	if got := c.ProvidersOf("/root/b"); len(got) != 1 {
		t.Fatalf("providers of b = %v", got)
	}
	if got := c.ProvidersOf("/root/c"); len(got) != 0 {
		t.Fatalf("subnet c is over the bound, got %v", got)
	}
	if got := c.ProvidersOf("/root/static"); len(got) != 1 {
		t.Fatalf("static subnet must always be tracked, got %v", got)
	}
}

func TestProviderCacheExpiry(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxProviderAge = 50 * time.Millisecond
	c := NewProviderCache(cfg)

	c.Add(rec("p1", 1, "/root/a"))
	if got := c.ProvidersOf("/root/a"); len(got) != 1 {
		t.Fatalf("providers = %v", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := c.ProvidersOf("/root/a"); len(got) != 0 {
		t.Fatalf("expired record must be evicted, got %v", got)
	}
}

func TestProvidersOrderedByRecency(t *testing.T) {
	c := NewProviderCache(testCacheConfig())
	c.Add(rec("p1", 5, "/root/a"))
	c.Add(rec("p2", 9, "/root/a"))
	c.Add(rec("p3", 7, "/root/a"))

	got := c.ProvidersOf("/root/a")
	want := []peer.ID{"p2", "p3", "p1"}
	if len(got) != len(want) {
		t.Fatalf("providers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("providers = %v, want %v", got, want)
		}
	}
}
