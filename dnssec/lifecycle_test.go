package dnssec

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

// The full ZSK rollover: a successor is generated and published, ages
// through Ready into Active, the old key retires and is finally removed
// together with its signatures.
func TestZskRolloverLifecycle(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	// park the KSK in Active so no tick reaches for the parent DS probe
	zoneKey(t, zd, KeyTypeKsk, KeyStateReady).State = KeyStateActive

	oldZsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)
	oldTag := oldZsk.KeyTag()

	if err := zd.RolloverKey(nil, oldTag); err != nil {
		t.Fatalf("RolloverKey: %v", err)
	}
	newZsk := zoneKey(t, zd, KeyTypeZsk, KeyStatePublished)
	if !oldZsk.Retiring {
		t.Fatalf("old ZSK must be marked retiring")
	}

	dnskeys, _ := zd.GetRRset("example.", dns.TypeDNSKEY)
	if len(dnskeys.RRs) != 3 {
		t.Fatalf("expected 3 DNSKEYs after publish (KSK + 2 ZSKs), got %d", len(dnskeys.RRs))
	}

	// age the new key past the DNSKEY TTL: Published -> Ready
	newZsk.StateChanged = time.Now().Add(-25 * time.Hour)
	now := time.Now()
	if err := zd.KeyLifecycleTick(nil, now); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if newZsk.State != KeyStateReady {
		t.Fatalf("successor state after tick 1 = %s, want Ready", KeyStateToString[newZsk.State])
	}

	// next ticks: Ready -> Active, then the old key retires
	for i := 0; i < 2; i++ {
		if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if newZsk.State != KeyStateActive {
		t.Fatalf("successor state = %s, want Active", KeyStateToString[newZsk.State])
	}
	if oldZsk.State != KeyStateRetired {
		t.Fatalf("old ZSK state = %s, want Retired", KeyStateToString[oldZsk.State])
	}

	// age the retired key past the DNSKEY TTL: Retired -> Removed
	oldZsk.StateChanged = time.Now().Add(-25 * time.Hour)
	if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
		t.Fatalf("tick (remove): %v", err)
	}

	if _, ok := zd.Keys.Get(oldTag); ok {
		t.Errorf("removed key still in the registry")
	}
	dnskeys, _ = zd.GetRRset("example.", dns.TypeDNSKEY)
	for _, rr := range dnskeys.RRs {
		if rr.(*dns.DNSKEY).KeyTag() == oldTag {
			t.Errorf("removed key still published in the DNSKEY RRset")
		}
	}

	// no signature by the removed key survives anywhere
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			for _, sig := range rrset.RRSIGs {
				if sig.(*dns.RRSIG).KeyTag == oldTag {
					t.Errorf("stale RRSIG by removed key at %s %s", name, dns.TypeToString[rrtype])
				}
			}
		}
	}
}

// A retiring KSK refuses to retire without a safe successor and revokes
// (with the RFC 5011 bit and a new tag) once retired.
func TestKskRetireSafetyAndRevoke(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	ksk := zoneKey(t, zd, KeyTypeKsk, KeyStateReady)
	ksk.State = KeyStateActive // stand in for the parent DS having been seen
	oldTag := ksk.KeyTag()

	ksk.Retiring = true
	if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ksk.State != KeyStateActive {
		t.Fatalf("KSK retired without a successor")
	}

	// bring up a successor KSK and activate it
	if err := zd.RolloverKey(nil, oldTag); err != nil {
		t.Fatalf("RolloverKey(KSK): %v", err)
	}
	succ := zoneKey(t, zd, KeyTypeKsk, KeyStatePublished)
	succ.State = KeyStateActive
	succ.StateChanged = time.Now()

	if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ksk.State != KeyStateRetired {
		t.Fatalf("KSK state = %s, want Retired", KeyStateToString[ksk.State])
	}

	// age past the DNSKEY TTL: Retired -> Revoked with a new tag
	ksk.StateChanged = time.Now().Add(-25 * time.Hour)
	if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
		t.Fatalf("tick (revoke): %v", err)
	}
	if ksk.State != KeyStateRevoked {
		t.Fatalf("KSK state = %s, want Revoked", KeyStateToString[ksk.State])
	}
	if ksk.DnskeyRR.Flags&FlagRevoke == 0 {
		t.Errorf("revoked KSK must carry the revoke bit")
	}
	if ksk.KeyTag() == oldTag {
		t.Errorf("the revoke bit must change the key tag")
	}

	// the revoked key still signs the DNSKEY RRset, alongside the successor
	sigTags := map[uint16]bool{}
	for _, sig := range rrsigsFor(t, zd, "example.", dns.TypeDNSKEY) {
		sigTags[sig.KeyTag] = true
	}
	if !sigTags[ksk.KeyTag()] || !sigTags[succ.KeyTag()] {
		t.Errorf("DNSKEY RRset must be signed by revoked key %d and successor %d, got %v",
			ksk.KeyTag(), succ.KeyTag(), sigTags)
	}

	// after the revocation hold the key is removed from the RRset
	ksk.StateChanged = time.Now().Add(-16 * 24 * time.Hour)
	if err := zd.KeyLifecycleTick(nil, time.Now()); err != nil {
		t.Fatalf("tick (remove): %v", err)
	}
	dnskeys, _ := zd.GetRRset("example.", dns.TypeDNSKEY)
	for _, rr := range dnskeys.RRs {
		if rr.(*dns.DNSKEY).KeyTag() == ksk.KeyTag() {
			t.Errorf("removed KSK still in the DNSKEY RRset")
		}
	}
}

// Every lifecycle transition commits exactly once: the serial advances
// by one per transition.
func TestTransitionsBumpSerialOnce(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	soa, _ := zd.GetSOA()
	before := soa.Serial

	zsk := zoneKey(t, zd, KeyTypeZsk, KeyStateActive)
	if err := zd.transitionKey(nil, zsk, KeyStateActive); err != nil {
		t.Fatalf("transitionKey: %v", err)
	}

	soa, _ = zd.GetSOA()
	if soa.Serial != before+1 {
		t.Errorf("serial moved %d -> %d, want exactly one bump", before, soa.Serial)
	}
}

func TestRevokedHold(t *testing.T) {
	if h := revokedHold(86400); h != 12*time.Hour {
		t.Errorf("hold for TTL 86400 = %v, want 12h", h)
	}
	if h := revokedHold(60); h != time.Hour {
		t.Errorf("hold must not fall below one hour, got %v", h)
	}
	if h := revokedHold(4000000); h != 15*24*time.Hour {
		t.Errorf("hold must not exceed 15 days, got %v", h)
	}
}

// The refresh sweep replaces signatures past half their lifetime.
func TestSignatureRefreshSweep(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	// back-date every signature far enough that less than half the
	// validity remains
	old := map[string]uint32{}
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			for _, sig := range rrset.RRSIGs {
				rrsig := sig.(*dns.RRSIG)
				rrsig.Inception -= 10 * 86400 * 2
				old[name+dns.TypeToString[rrtype]] = rrsig.Expiration
			}
		}
	}

	future := time.Now().Add(9 * 24 * time.Hour)
	added, deleted, err := zd.reconcileSignatures(false, future)
	if err != nil {
		t.Fatalf("reconcileSignatures: %v", err)
	}
	if len(added) == 0 || len(deleted) == 0 {
		t.Fatalf("sweep replaced nothing: added=%d deleted=%d", len(added), len(deleted))
	}

	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			for _, sig := range rrset.RRSIGs {
				rrsig := sig.(*dns.RRSIG)
				if exp, ok := old[name+dns.TypeToString[rrtype]]; ok && rrsig.Expiration <= exp {
					t.Errorf("signature at %s %s was not refreshed", name, dns.TypeToString[rrtype])
				}
			}
		}
	}
}
