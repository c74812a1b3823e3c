package dnssec

import (
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// Signing example. with ECDSA/NSEC yields two DNSKEYs, a KSK signature
// on the DNSKEY RRset, ZSK signatures on SOA and A, a two-node NSEC
// ring, and a serial bump to 2.
func TestSignZoneNsecEcdsa(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	if zd.DnssecStatus != DnssecSignedWithNsec {
		t.Fatalf("status = %s, want SignedWithNSEC", DnssecStatusToString[zd.DnssecStatus])
	}

	soa, err := zd.GetSOA()
	if err != nil {
		t.Fatalf("GetSOA: %v", err)
	}
	if soa.Serial != 2 {
		t.Errorf("SOA serial = %d, want 2", soa.Serial)
	}

	dnskeys, _ := zd.GetRRset("example.", dns.TypeDNSKEY)
	if dnskeys == nil || len(dnskeys.RRs) != 2 {
		t.Fatalf("expected 2 DNSKEY records at the apex")
	}

	ksk := zoneKey(t, zd, KeyTypeKsk, KeyStateReady)
	zsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)

	dnskeySigs := rrsigsFor(t, zd, "example.", dns.TypeDNSKEY)
	if len(dnskeySigs) != 1 || dnskeySigs[0].KeyTag != ksk.KeyTag() {
		t.Errorf("DNSKEY RRset must be signed by the KSK (tag %d), got %v", ksk.KeyTag(), dnskeySigs)
	}

	for _, check := range []struct {
		qname  string
		rrtype uint16
	}{
		{"example.", dns.TypeSOA},
		{"ns1.example.", dns.TypeA},
	} {
		sigs := rrsigsFor(t, zd, check.qname, check.rrtype)
		if len(sigs) != 1 || sigs[0].KeyTag != zsk.KeyTag() {
			t.Errorf("%s %s must be signed by the ZSK (tag %d), got %d sigs",
				check.qname, dns.TypeToString[check.rrtype], zsk.KeyTag(), len(sigs))
		}
	}

	// two NSECs forming a ring
	apexNsec, _ := zd.GetRRset("example.", dns.TypeNSEC)
	nsNsec, _ := zd.GetRRset("ns1.example.", dns.TypeNSEC)
	if apexNsec == nil || nsNsec == nil {
		t.Fatalf("both owner names need an NSEC")
	}
	if next := apexNsec.RRs[0].(*dns.NSEC).NextDomain; next != "ns1.example." {
		t.Errorf("apex NSEC points at %s, want ns1.example.", next)
	}
	if next := nsNsec.RRs[0].(*dns.NSEC).NextDomain; next != "example." {
		t.Errorf("last NSEC must wrap to the apex, points at %s", next)
	}
	if len(rrsigsFor(t, zd, "example.", dns.TypeNSEC)) == 0 ||
		len(rrsigsFor(t, zd, "ns1.example.", dns.TypeNSEC)) == 0 {
		t.Errorf("every NSEC must be signed")
	}
}

func TestSignZoneRefusals(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	if err := zd.SignZone(nil, ZoneSignRequest{Algorithm: dns.ECDSAP256SHA256, NxProof: DnssecSignedWithNsec}); !errors.Is(err, ErrZoneAlreadySigned) {
		t.Errorf("double sign should be ErrZoneAlreadySigned, got %v", err)
	}

	unsigned := NewZoneData("other.", Primary)
	if err := unsigned.SignZone(nil, ZoneSignRequest{Algorithm: dns.RSAMD5, NxProof: DnssecSignedWithNsec}); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("RSAMD5 must be rejected, got %v", err)
	}
}

func TestSignRRsetRules(t *testing.T) {
	zd := newTestZone(t, "child.example. 900 IN NS ns.child.example.")
	signTestZone(t, zd)

	// RRSIG RRsets are never signed
	sig := rrsigsFor(t, zd, "example.", dns.TypeSOA)[0]
	rrset := RRset{Name: "example.", RRtype: dns.TypeRRSIG, RRs: []dns.RR{sig}}
	if _, err := zd.SignRRset(&rrset); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("signing RRSIG should be ErrInvalidOperation, got %v", err)
	}

	// delegation NS RRsets are skipped, not an error
	ns, _ := zd.GetRRset("child.example.", dns.TypeNS)
	signed, err := zd.SignRRset(ns)
	if err != nil || signed {
		t.Errorf("delegation NS: signed=%t err=%v, want skip", signed, err)
	}

	// a zone without keys cannot sign
	bare := newTestZone(t)
	bare.DnssecStatus = DnssecSignedWithNsec
	soa, _ := bare.GetRRset("example.", dns.TypeSOA)
	if _, err := bare.SignRRset(soa); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("no keys should be ErrNoSigningKey, got %v", err)
	}
}

func TestSignatureWindow(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	now := time.Now()
	validity := zd.SignatureValidity()
	if validity != 604800+3*86400 {
		t.Errorf("validity = %d, want SOA.expire + 3 days", validity)
	}

	sig := rrsigsFor(t, zd, "example.", dns.TypeSOA)[0]
	incep := time.Unix(int64(sig.Inception), 0)
	expir := time.Unix(int64(sig.Expiration), 0)

	if d := now.Sub(incep); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("inception should be about an hour in the past, is %v", d)
	}
	if d := expir.Sub(now); d < time.Duration(validity-120)*time.Second || d > time.Duration(validity+120)*time.Second {
		t.Errorf("expiration %v does not match the validity window", d)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Now()
	fresh := &dns.RRSIG{
		Inception:  uint32(now.Add(-time.Hour).Unix()),
		Expiration: uint32(now.Add(10 * 24 * time.Hour).Unix()),
	}
	if NeedsRefresh(fresh, now) {
		t.Errorf("a fresh signature does not need a refresh")
	}

	halfway := &dns.RRSIG{
		Inception:  uint32(now.Add(-8 * 24 * time.Hour).Unix()),
		Expiration: uint32(now.Add(2 * 24 * time.Hour).Unix()),
	}
	if !NeedsRefresh(halfway, now) {
		t.Errorf("a signature past half its lifetime needs a refresh")
	}

	expired := &dns.RRSIG{
		Inception:  uint32(now.Add(-10 * 24 * time.Hour).Unix()),
		Expiration: uint32(now.Add(-time.Hour).Unix()),
	}
	if !NeedsRefresh(expired, now) {
		t.Errorf("an expired signature needs a refresh")
	}
}
