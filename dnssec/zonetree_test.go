package dnssec

import (
	"testing"

	"github.com/miekg/dns"
)

func TestZoneTreeNextPrevOwner(t *testing.T) {
	zd := newTestZone(t,
		"a.example. 300 IN A 192.0.2.10",
		"www.example. 300 IN A 192.0.2.11",
	)

	// canonical order: example., a.example., ns1.example., www.example.
	if next := zd.NextOwner("example."); next != "a.example." {
		t.Errorf("NextOwner(apex) = %s, want a.example.", next)
	}
	if next := zd.NextOwner("www.example."); next != "example." {
		t.Errorf("NextOwner(last) should wrap to apex, got %s", next)
	}
	if prev := zd.PrevOwner("a.example."); prev != "example." {
		t.Errorf("PrevOwner(a.example.) = %s, want apex", prev)
	}
	if prev := zd.PrevOwner("example."); prev != "www.example." {
		t.Errorf("PrevOwner(apex) should wrap to last, got %s", prev)
	}

	// names not in the zone slot between their neighbours
	if prev := zd.PrevOwner("b.example."); prev != "a.example." {
		t.Errorf("PrevOwner(b.example.) = %s, want a.example.", prev)
	}
	if next := zd.NextOwner("b.example."); next != "ns1.example." {
		t.Errorf("NextOwner(b.example.) = %s, want ns1.example.", next)
	}
}

func TestZoneTreeAddRemoveOwner(t *testing.T) {
	zd := newTestZone(t)

	owner := zd.GetOrAddOwner("sub.example.")
	if owner == nil || !zd.OwnerExists("sub.example.") {
		t.Fatalf("GetOrAddOwner did not create the node")
	}
	// idempotent
	again := zd.GetOrAddOwner("sub.example.")
	if again != owner {
		t.Errorf("GetOrAddOwner created a second node for the same name")
	}

	zd.RemoveOwner("sub.example.")
	if zd.OwnerExists("sub.example.") {
		t.Errorf("RemoveOwner left the node behind")
	}

	// the apex is not removable
	zd.RemoveOwner("example.")
	if !zd.OwnerExists("example.") {
		t.Errorf("RemoveOwner must not drop the apex")
	}
}

func TestZoneTreeDelegationAndGlue(t *testing.T) {
	zd := newTestZone(t,
		"child.example. 900 IN NS ns.child.example.",
		"ns.child.example. 300 IN A 192.0.2.53",
	)

	if !zd.IsChildDelegation("child.example.") {
		t.Errorf("child.example. should be a delegation")
	}
	if zd.IsChildDelegation("example.") {
		t.Errorf("the apex is never a delegation")
	}
	if !zd.IsOccluded("ns.child.example.") {
		t.Errorf("ns.child.example. is glue below a zone cut")
	}

	ns, _ := zd.GetRRset("child.example.", dns.TypeNS)
	glue := zd.GlueFor(ns.RRs)
	if len(glue) != 1 {
		t.Fatalf("expected 1 glue record, got %d", len(glue))
	}
	if glue[0].Header().Name != "ns.child.example." {
		t.Errorf("wrong glue record: %v", glue[0])
	}
}

func TestFindZone(t *testing.T) {
	zd := newTestZone(t)
	Zones.Set(zd.ZoneName, zd)
	defer Zones.Remove(zd.ZoneName)

	if found := FindZone("www.example."); found != zd {
		t.Errorf("FindZone(www.example.) did not find the enclosing zone")
	}
	if found := FindZone("example."); found != zd {
		t.Errorf("FindZone(example.) did not find the zone itself")
	}
	if found := FindZone("www.other."); found != nil {
		t.Errorf("FindZone(www.other.) found %v, want nil", found.ZoneName)
	}
}
