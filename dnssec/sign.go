/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"log"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

// Signatures are valid from one hour in the past (clock skew on
// validators) until SOA.expire plus three days into the future, with a
// little jitter on the expiry so a whole zone never expires at once.
const signatureBackdate = 3600 // seconds

func sigLifetime(t time.Time, validity uint32) (uint32, uint32) {
	sigJitter := time.Duration(rand.Intn(61)) * time.Second
	incep := uint32(t.Add(-signatureBackdate * time.Second).Unix())
	expir := uint32(t.Add(time.Duration(validity) * time.Second).Add(sigJitter).Unix())
	return incep, expir
}

// SignatureValidity returns the zone's signature validity period in
// seconds: SOA.expire plus three days.
func (zd *ZoneData) SignatureValidity() uint32 {
	soa, err := zd.GetSOA()
	if err != nil {
		return 7 * 86400
	}
	return soa.Expire + 3*86400
}

// eligibleKeys returns the keys allowed to sign an RRset of the given
// type: every KSK in Generated, Published, Ready, Active or Revoked
// signs the DNSKEY RRset; every Ready or Active ZSK signs the rest.
func (zd *ZoneData) eligibleKeys(rrtype uint16) []*PrivateKeyCache {
	if rrtype == dns.TypeDNSKEY {
		return zd.Keys.KeysInStates(KeyTypeKsk,
			KeyStateGenerated, KeyStatePublished, KeyStateReady, KeyStateActive, KeyStateRevoked)
	}
	return zd.Keys.KeysInStates(KeyTypeZsk, KeyStateReady, KeyStateActive)
}

// SignRRset replaces the RRSIGs on rrset with fresh ones from every
// eligible key. Delegation NS RRsets and occluded names are skipped
// (not an error); RRSIG itself and the proprietary types are refused.
func (zd *ZoneData) SignRRset(rrset *RRset) (bool, error) {
	if len(rrset.RRs) == 0 {
		return false, nil
	}

	rrtype := rrset.RRs[0].Header().Rrtype
	name := rrset.RRs[0].Header().Name

	switch rrtype {
	case dns.TypeRRSIG:
		return false, zerr(ErrInvalidOperation, zd.ZoneName, "cannot sign RRSIG RRset at %s", name)
	case TypeANAME, TypeAPP:
		return false, zerr(ErrUnsupportedInSignedZone, zd.ZoneName, "%s %s", name, dns.TypeToString[rrtype])
	}

	if rrtype == dns.TypeNS && name != zd.ZoneName {
		return false, nil // delegations are not signed
	}
	if zd.IsOccluded(name) {
		return false, nil // glue is not signed
	}

	keys := zd.eligibleKeys(rrtype)
	if len(keys) == 0 {
		return false, zerr(ErrNoSigningKey, zd.ZoneName, "no eligible key for %s %s", name, dns.TypeToString[rrtype])
	}

	validity := zd.SignatureValidity()
	var sigs []dns.RR
	for _, key := range keys {
		rrsig := new(dns.RRSIG)
		rrsig.Hdr = dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    rrset.RRs[0].Header().Ttl,
		}
		rrsig.KeyTag = key.KeyTag()
		rrsig.Algorithm = key.Algorithm()
		rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), validity)
		rrsig.SignerName = zd.ZoneName

		err := rrsig.Sign(key.CS, rrset.RRs)
		if err != nil {
			log.Printf("SignRRset: error from rrsig.Sign(%s %s): %v", name, dns.TypeToString[rrtype], err)
			return false, err
		}
		sigs = append(sigs, rrsig)
	}

	rrset.RRSIGs = sigs
	return true, nil
}

// SignAndStoreRRset signs the live RRset for (qname, rrtype) and stores
// the new signatures, returning the displaced ones.
func (zd *ZoneData) SignAndStoreRRset(qname string, rrtype uint16) ([]dns.RR, []dns.RR, error) {
	owner, err := zd.GetOwner(qname)
	if err != nil || owner == nil {
		return nil, nil, err
	}
	rrset, exists := owner.RRtypes.Get(rrtype)
	if !exists || len(rrset.RRs) == 0 {
		return nil, nil, nil
	}
	signed, err := zd.SignRRset(&rrset)
	if err != nil {
		return nil, nil, err
	}
	if !signed {
		return nil, nil, nil
	}
	old := owner.RRtypes.SetRRSIGs(rrtype, rrset.RRSIGs)
	return old, rrset.RRSIGs, nil
}

// NeedsRefresh reports whether an RRSIG has consumed more than half of
// its validity window.
func NeedsRefresh(rrsig *dns.RRSIG, now time.Time) bool {
	inception := time.Unix(int64(rrsig.Inception), 0)
	expiration := time.Unix(int64(rrsig.Expiration), 0)
	if !expiration.After(now) {
		return true
	}
	return now.Sub(inception) > expiration.Sub(inception)/2
}
