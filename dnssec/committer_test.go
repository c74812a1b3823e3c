package dnssec

import (
	"math"
	"testing"

	"github.com/miekg/dns"

	"github.com/agneevX/technitium-dns/dnssec/ixfr"
)

func TestNextSerialWraps(t *testing.T) {
	if s := NextSerial(1); s != 2 {
		t.Errorf("NextSerial(1) = %d, want 2", s)
	}
	if s := NextSerial(math.MaxUint32); s != 1 {
		t.Errorf("NextSerial(max) = %d, want 1 (zero is skipped)", s)
	}
}

func TestCommitBumpsSerialAndRecordsHistory(t *testing.T) {
	zd := newTestZone(t)

	rr := mustRR(t, "www.example. 300 IN A 192.0.2.2")
	if err := zd.AddRR(rr, nil); err != nil {
		t.Fatalf("AddRR: %v", err)
	}

	soa, _ := zd.GetSOA()
	if soa.Serial != 2 {
		t.Errorf("serial = %d, want 2", soa.Serial)
	}

	seqs := zd.History.Snapshot()
	if len(seqs) != 1 {
		t.Fatalf("history holds %d sequences, want 1", len(seqs))
	}
	ds := seqs[0]
	if ds.StartSOASerial != 1 || ds.EndSOASerial != 2 {
		t.Errorf("sequence serials %d -> %d, want 1 -> 2", ds.StartSOASerial, ds.EndSOASerial)
	}
	// IXFR order: the deleted side leads with the old SOA, the added
	// side with the new SOA
	if _, ok := ds.DeletedRecords[0].(*dns.SOA); !ok {
		t.Errorf("deleted side must lead with the old SOA")
	}
	if newSoa, ok := ds.AddedRecords[0].(*dns.SOA); !ok || newSoa.Serial != 2 {
		t.Errorf("added side must lead with the new SOA")
	}
	found := false
	for _, added := range ds.AddedRecords {
		if dns.IsDuplicate(added, rr) {
			found = true
		}
	}
	if !found {
		t.Errorf("the added record is missing from the history row")
	}
}

func TestCommitSerialWrap(t *testing.T) {
	zd := newTestZone(t)
	apex, _ := zd.GetOwner("example.")
	soaRRset, _ := apex.RRtypes.Get(dns.TypeSOA)
	soaRRset.RRs[0].(*dns.SOA).Serial = math.MaxUint32
	zd.CurrentSerial = math.MaxUint32

	if err := zd.AddRR(mustRR(t, "www.example. 300 IN A 192.0.2.2"), nil); err != nil {
		t.Fatalf("AddRR: %v", err)
	}
	soa, _ := zd.GetSOA()
	if soa.Serial != 1 {
		t.Errorf("serial after wrap = %d, want 1", soa.Serial)
	}
}

func TestInternalZoneSkipsHistoryAndSerial(t *testing.T) {
	zd := newTestZone(t)
	zd.Internal = true

	if err := zd.AddRR(mustRR(t, "www.example. 300 IN A 192.0.2.2"), nil); err != nil {
		t.Fatalf("AddRR: %v", err)
	}
	soa, _ := zd.GetSOA()
	if soa.Serial != 1 {
		t.Errorf("internal zone serial moved to %d", soa.Serial)
	}
	if zd.History.Length() != 0 {
		t.Errorf("internal zone wrote %d history rows", zd.History.Length())
	}
}

// Replaying the history over the zone's first state reconstructs the
// current records.
func TestHistoryReplayReconstructsZone(t *testing.T) {
	zd := newTestZone(t)
	base := currentRecords(t, zd)

	steps := []func() error{
		func() error { return zd.AddRR(mustRR(t, "www.example. 300 IN A 192.0.2.2"), nil) },
		func() error { return zd.AddRR(mustRR(t, "mail.example. 300 IN A 192.0.2.3"), nil) },
		func() error { return zd.DeleteRRset("www.example.", dns.TypeA) },
		func() error {
			return zd.SetRRset("mail.example.", dns.TypeA,
				[]dns.RR{mustRR(t, "mail.example. 300 IN A 192.0.2.4")}, nil)
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	replayed := ixfr.Replay(base, zd.History.Snapshot())
	want := currentRecords(t, zd)

	if len(replayed) != len(want) {
		t.Fatalf("replay has %d records, zone has %d", len(replayed), len(want))
	}
	wantSet := map[string]bool{}
	for _, rr := range want {
		c := dns.Copy(rr)
		c.Header().Ttl = 0
		wantSet[c.String()] = true
	}
	for key := range replayed {
		if !wantSet[key] {
			t.Errorf("replayed record not in zone: %s", key)
		}
	}
}

func currentRecords(t *testing.T, zd *ZoneData) []dns.RR {
	t.Helper()
	var out []dns.RR
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			out = append(out, rrset.RRs...)
			out = append(out, rrset.RRSIGs...)
		}
	}
	return out
}
