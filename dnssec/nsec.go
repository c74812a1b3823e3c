/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"sort"

	"github.com/miekg/dns"
)

// typeBitmap computes the NSEC/NSEC3 type bitmap for an owner from its
// live RRsets. RRSIG is always present in the map; NSEC lists itself,
// NSEC3 does not (the record lives at the hashed name, not the owner).
func (zd *ZoneData) typeBitmap(owner *OwnerData, denialType uint16) []uint16 {
	present := map[uint16]bool{dns.TypeRRSIG: true}
	if denialType == dns.TypeNSEC {
		present[dns.TypeNSEC] = true
	}
	for _, t := range owner.RRtypes.Keys() {
		switch t {
		case dns.TypeNSEC, dns.TypeNSEC3:
			if t != denialType {
				continue // records from the other proof type are on their way out
			}
		}
		if rrset, ok := owner.RRtypes.Get(t); ok && len(rrset.RRs) > 0 {
			present[t] = true
		}
	}
	tmap := make([]uint16, 0, len(present))
	for t := range present {
		tmap = append(tmap, t)
	}
	sort.Slice(tmap, func(i, j int) bool { return tmap[i] < tmap[j] })
	return tmap
}

// denialTTL is the TTL for NSEC/NSEC3 records: the SOA minimum, per
// RFC 4035.
func (zd *ZoneData) denialTTL() uint32 {
	soa, err := zd.GetSOA()
	if err != nil {
		return 900
	}
	return soa.Minttl
}

func (zd *ZoneData) buildNsec(name, next string, ttl uint32) *dns.NSEC {
	owner, _ := zd.GetOwner(name)
	if owner == nil {
		return nil
	}
	return &dns.NSEC{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeNSEC,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		NextDomain: next,
		TypeBitMap: zd.typeBitmap(owner, dns.TypeNSEC),
	}
}

// storeAndSignDenial stores one denial record at its owner, signs it and
// reports the added records (the denial RR plus its RRSIG) and anything
// displaced.
func (zd *ZoneData) storeAndSignDenial(rr dns.RR) (added, deleted []dns.RR, err error) {
	owner := zd.GetOrAddOwner(rr.Header().Name)
	rrtype := rr.Header().Rrtype
	old, err := owner.RRtypes.Set(rrtype, RRset{Name: rr.Header().Name, RRtype: rrtype, RRs: []dns.RR{rr}})
	if err != nil {
		return nil, nil, err
	}
	deleted = append(deleted, old...)
	added = append(added, rr)

	oldsigs, newsigs, err := zd.SignAndStoreRRset(rr.Header().Name, rrtype)
	if err != nil {
		return nil, nil, err
	}
	deleted = append(deleted, oldsigs...)
	added = append(added, newsigs...)
	return added, deleted, nil
}

// EnableNsec builds the NSEC chain over every owner name in the zone, in
// canonical order, the last record wrapping back to the apex. Each NSEC
// is signed. Returns the records added and displaced.
func (zd *ZoneData) EnableNsec() (added, deleted []dns.RR, err error) {
	names := zd.OwnerNamesCanonical()
	SortNamesCanonical(names)
	ttl := zd.denialTTL()

	for idx, name := range names {
		nextidx := idx + 1
		if nextidx == len(names) {
			nextidx = 0
		}
		nsec := zd.buildNsec(name, names[nextidx], ttl)
		if nsec == nil {
			continue
		}
		a, d, err := zd.storeAndSignDenial(nsec)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, a...)
		deleted = append(deleted, d...)
	}
	return added, deleted, nil
}

// DisableNsec removes every NSEC record and its signatures.
func (zd *ZoneData) DisableNsec() (deleted []dns.RR) {
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		if rrset, ok := owner.RRtypes.Get(dns.TypeNSEC); ok {
			deleted = append(deleted, rrset.RRs...)
			deleted = append(deleted, rrset.RRSIGs...)
			owner.RRtypes.Delete(dns.TypeNSEC)
		}
		if name != zd.ZoneName && owner.RRtypes.Count() == 0 {
			zd.RemoveOwner(name)
		}
	}
	return deleted
}

// RelinkNsec repairs the NSEC chain around qname after a mutation: the
// owner's bitmap is recomputed, an emptied node is unlinked (and its
// predecessor re-pointed at the successor), a new node is spliced in.
// All touched NSECs are re-signed.
func (zd *ZoneData) RelinkNsec(qname string) (added, deleted []dns.RR, err error) {
	qname = dns.Fqdn(qname)
	ttl := zd.denialTTL()
	owner, _ := zd.GetOwner(qname)

	if owner != nil && owner.IsEmpty() {
		// node holds only its own denial data; drop it from the zone
		if rrset, ok := owner.RRtypes.Get(dns.TypeNSEC); ok {
			deleted = append(deleted, rrset.RRs...)
			deleted = append(deleted, rrset.RRSIGs...)
		}
		zd.RemoveOwner(qname)
		owner = nil
	}

	if owner == nil {
		// re-point the predecessor past the vanished node
		prev := zd.PrevOwner(qname)
		next := zd.NextOwner(qname)
		nsec := zd.buildNsec(prev, next, ttl)
		if nsec != nil {
			a, d, err := zd.storeAndSignDenial(nsec)
			if err != nil {
				return nil, nil, err
			}
			added = append(added, a...)
			deleted = append(deleted, d...)
		}
		return added, deleted, nil
	}

	// live node: refresh its own NSEC and splice the predecessor to it
	next := zd.NextOwner(qname)
	nsec := zd.buildNsec(qname, next, ttl)
	a, d, err := zd.storeAndSignDenial(nsec)
	if err != nil {
		return nil, nil, err
	}
	added = append(added, a...)
	deleted = append(deleted, d...)

	prev := zd.PrevOwner(qname)
	if prev != qname {
		pnsec := zd.buildNsec(prev, qname, ttl)
		if pnsec != nil {
			a, d, err := zd.storeAndSignDenial(pnsec)
			if err != nil {
				return nil, nil, err
			}
			added = append(added, a...)
			deleted = append(deleted, d...)
		}
	}
	return added, deleted, nil
}
