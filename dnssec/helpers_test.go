package dnssec

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("could not parse %q: %v", s, err)
	}
	return rr
}

// newTestZone builds the canonical test zone: example. with its SOA and
// one in-bailiwick name server address.
func newTestZone(t *testing.T, records ...string) *ZoneData {
	t.Helper()
	RegisterPrivateRRtypes()

	zd := NewZoneData("example.", Primary)
	seed := append([]string{
		"example. 900 IN SOA ns1.example. hostmaster.example. 1 900 300 604800 900",
		"ns1.example. 900 IN A 192.0.2.1",
	}, records...)
	for _, s := range seed {
		rr := mustRR(t, s)
		owner := zd.GetOrAddOwner(rr.Header().Name)
		if _, err := owner.RRtypes.Add(rr); err != nil {
			t.Fatalf("could not add %q: %v", s, err)
		}
	}
	zd.CurrentSerial = 1
	return zd
}

func signTestZone(t *testing.T, zd *ZoneData) ZoneSignRequest {
	t.Helper()
	req := ZoneSignRequest{
		Algorithm:       dns.ECDSAP256SHA256,
		NxProof:         DnssecSignedWithNsec,
		DnskeyTTL:       86400,
		ZskRolloverDays: 90,
	}
	if err := zd.SignZone(nil, req); err != nil {
		t.Fatalf("SignZone failed: %v", err)
	}
	return req
}

func zoneKey(t *testing.T, zd *ZoneData, ktype KeyType, states ...KeyState) *PrivateKeyCache {
	t.Helper()
	keys := zd.Keys.KeysInStates(ktype, states...)
	if len(keys) != 1 {
		t.Fatalf("expected exactly one %s in states %v, got %d", KeyTypeToString[ktype], states, len(keys))
	}
	return keys[0]
}

func rrsigsFor(t *testing.T, zd *ZoneData, qname string, rrtype uint16) []*dns.RRSIG {
	t.Helper()
	rrset, err := zd.GetRRset(qname, rrtype)
	if err != nil {
		t.Fatalf("GetRRset(%s, %s): %v", qname, dns.TypeToString[rrtype], err)
	}
	if rrset == nil {
		return nil
	}
	var sigs []*dns.RRSIG
	for _, sig := range rrset.RRSIGs {
		sigs = append(sigs, sig.(*dns.RRSIG))
	}
	return sigs
}
