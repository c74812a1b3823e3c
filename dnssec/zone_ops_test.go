package dnssec

import (
	"errors"
	"sort"
	"testing"

	"github.com/miekg/dns"
)

// Adding www to a signed zone: the new A RRset is signed by the ZSK, a
// new NSEC at www points to the apex, the NSEC of its canonical
// predecessor (ns1) is re-pointed at www, and the serial moves to 3.
func TestIncrementalAdd(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)
	zsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)

	if err := zd.AddRR(mustRR(t, "www.example. 300 IN A 192.0.2.2"), nil); err != nil {
		t.Fatalf("AddRR: %v", err)
	}

	soa, _ := zd.GetSOA()
	if soa.Serial != 3 {
		t.Errorf("SOA serial = %d, want 3", soa.Serial)
	}

	sigs := rrsigsFor(t, zd, "www.example.", dns.TypeA)
	if len(sigs) != 1 || sigs[0].KeyTag != zsk.KeyTag() {
		t.Errorf("new A RRset must be signed by the ZSK")
	}

	wwwNsec, _ := zd.GetRRset("www.example.", dns.TypeNSEC)
	if wwwNsec == nil || len(wwwNsec.RRs) != 1 {
		t.Fatalf("www.example. needs an NSEC")
	}
	if next := wwwNsec.RRs[0].(*dns.NSEC).NextDomain; next != "example." {
		t.Errorf("www NSEC points at %s, want the apex", next)
	}

	nsNsec, _ := zd.GetRRset("ns1.example.", dns.TypeNSEC)
	if next := nsNsec.RRs[0].(*dns.NSEC).NextDomain; next != "www.example." {
		t.Errorf("predecessor NSEC points at %s, want www.example.", next)
	}

	if len(rrsigsFor(t, zd, "www.example.", dns.TypeNSEC)) == 0 ||
		len(rrsigsFor(t, zd, "ns1.example.", dns.TypeNSEC)) == 0 {
		t.Errorf("touched NSECs must be re-signed")
	}
}

func TestDeleteRelinksChain(t *testing.T) {
	zd := newTestZone(t, "www.example. 300 IN A 192.0.2.2")
	signTestZone(t, zd)

	if err := zd.DeleteRRset("www.example.", dns.TypeA); err != nil {
		t.Fatalf("DeleteRRset: %v", err)
	}

	if zd.OwnerExists("www.example.") {
		t.Errorf("emptied owner must vanish from the zone")
	}
	nsNsec, _ := zd.GetRRset("ns1.example.", dns.TypeNSEC)
	if next := nsNsec.RRs[0].(*dns.NSEC).NextDomain; next != "example." {
		t.Errorf("predecessor NSEC must point past the removed node, points at %s", next)
	}
}

// A forbidden mutation leaves state and serial untouched.
func TestForbiddenMutations(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)
	serialBefore := zd.CurrentSerial

	aname := mustRR(t, "www.example. 300 IN ANAME target.example.")
	if err := zd.AddRR(aname, nil); !errors.Is(err, ErrUnsupportedInSignedZone) {
		t.Errorf("ANAME in signed zone should be ErrUnsupportedInSignedZone, got %v", err)
	}

	dnskey, _ := zd.GetRRset("example.", dns.TypeDNSKEY)
	if err := zd.SetRRset("example.", dns.TypeDNSKEY, dnskey.RRs, nil); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("DNSKEY mutation should be ErrInvalidOperation, got %v", err)
	}
	if err := zd.DeleteRRset("example.", dns.TypeNSEC); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("NSEC mutation should be ErrInvalidOperation, got %v", err)
	}
	if err := zd.AddRR(mustRR(t, "example. 300 IN CNAME other.example."), nil); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("CNAME at apex should be ErrInvalidOperation, got %v", err)
	}
	if err := zd.AddRR(mustRR(t, "bad.example. 999999 IN A 192.0.2.9"), nil); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("TTL above SOA expire should be ErrInvalidParameter, got %v", err)
	}
	if err := zd.AddRR(mustRR(t, "x.example. 300 IN A 192.0.2.9"), &RecordInfo{Disabled: true}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("disabled record in signed zone should be rejected, got %v", err)
	}

	if zd.CurrentSerial != serialBefore {
		t.Errorf("serial moved from %d to %d on refused mutations", serialBefore, zd.CurrentSerial)
	}
}

// sign-zone followed by unsign-zone restores the original record
// contents (the serial is allowed to differ).
func TestSignUnsignRoundTrip(t *testing.T) {
	zd := newTestZone(t, "www.example. 300 IN A 192.0.2.2")
	before := plainRecords(t, zd)

	signTestZone(t, zd)
	if err := zd.UnsignZone(nil); err != nil {
		t.Fatalf("UnsignZone: %v", err)
	}

	if zd.DnssecStatus != DnssecUnsigned {
		t.Errorf("status after unsign: %s", DnssecStatusToString[zd.DnssecStatus])
	}
	if zd.Keys.Count() != 0 {
		t.Errorf("key registry must be empty after unsign")
	}

	after := plainRecords(t, zd)
	if len(before) != len(after) {
		t.Fatalf("record count changed: %d before, %d after\nbefore=%v\nafter=%v", len(before), len(after), before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("record changed: %q vs %q", before[i], after[i])
		}
	}
}

// plainRecords lists every non-DNSSEC record, serial masked out.
func plainRecords(t *testing.T, zd *ZoneData) []string {
	t.Helper()
	var out []string
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			switch rrtype {
			case dns.TypeDNSKEY, dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM:
				continue
			}
			rrset, _ := owner.RRtypes.Get(rrtype)
			for _, rr := range rrset.RRs {
				if soa, ok := rr.(*dns.SOA); ok {
					c := dns.Copy(soa).(*dns.SOA)
					c.Serial = 0
					out = append(out, c.String())
					continue
				}
				out = append(out, rr.String())
			}
		}
	}
	sort.Strings(out)
	return out
}

func TestSetSOAConstraints(t *testing.T) {
	zd := newTestZone(t)

	err := zd.SetRRset("www.example.", dns.TypeSOA,
		[]dns.RR{mustRR(t, "www.example. 900 IN SOA ns1.example. h.example. 5 900 300 604800 900")}, nil)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("SOA off-apex should be ErrInvalidOperation, got %v", err)
	}

	err = zd.SetRRset("example.", dns.TypeSOA, []dns.RR{
		mustRR(t, "example. 900 IN SOA ns1.example. h.example. 5 900 300 604800 900"),
		mustRR(t, "example. 900 IN SOA ns2.example. h.example. 5 900 300 604800 900"),
	}, nil)
	if !errors.Is(err, ErrInvalidRRset) {
		t.Errorf("two SOAs should be ErrInvalidRRset, got %v", err)
	}

	// TTL above the new expire is refused
	err = zd.SetRRset("example.", dns.TypeSOA,
		[]dns.RR{mustRR(t, "example. 999999 IN SOA ns1.example. h.example. 5 900 300 604800 900")}, nil)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SOA TTL above expire should be ErrInvalidParameter, got %v", err)
	}
}

func TestRolloverRequiresUsableKey(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	if err := zd.RolloverKey(nil, 12345); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown key tag should be ErrKeyNotFound, got %v", err)
	}

	zsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)
	if err := zd.RolloverKey(nil, zsk.KeyTag()); err != nil {
		t.Fatalf("RolloverKey: %v", err)
	}
	if !zsk.Retiring {
		t.Errorf("rolled-over key must be marked retiring")
	}
	published := zd.Keys.KeysInStates(KeyTypeZsk, KeyStatePublished)
	if len(published) != 1 {
		t.Fatalf("expected the successor ZSK in Published, got %d", len(published))
	}

	// a retired key cannot roll again
	old := zsk
	old.State = KeyStateRetired
	if err := zd.RolloverKey(nil, old.KeyTag()); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("rollover of a Retired key should be ErrInvalidOperation, got %v", err)
	}
}

func TestDeleteKeyOnlyGenerated(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	zsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)
	if err := zd.DeleteKey(nil, zsk.KeyTag()); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("deleting a published key should be ErrInvalidOperation, got %v", err)
	}

	fresh, err := zd.generateUniqueKey(KeyTypeZsk, dns.ECDSAP256SHA256, 0, 86400)
	if err != nil {
		t.Fatalf("generateUniqueKey: %v", err)
	}
	if err := zd.DeleteKey(nil, fresh.KeyTag()); err != nil {
		t.Errorf("deleting a Generated key failed: %v", err)
	}
	if _, ok := zd.Keys.Get(fresh.KeyTag()); ok {
		t.Errorf("deleted key still in the registry")
	}
}
