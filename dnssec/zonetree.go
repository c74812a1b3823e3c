/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"fmt"
	"log"
	"strings"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/agneevX/technitium-dns/dnssec/ixfr"
)

func NewZoneData(zonename string, ztype ZoneType) *ZoneData {
	zd := &ZoneData{
		ZoneName:     dns.Fqdn(zonename),
		ZoneType:     ztype,
		Data:         cmap.New[*OwnerData](),
		DnssecStatus: DnssecUnsigned,
		History:      ixfr.NewHistory(),
		Logger:       log.Default(),
	}
	zd.Keys = NewKeyRegistry(zd.ZoneName)
	return zd
}

// GetOwner returns the owner node for qname, or nil when qname has no
// data in the zone.
func (zd *ZoneData) GetOwner(qname string) (*OwnerData, error) {
	if !strings.HasSuffix(dns.Fqdn(qname), zd.ZoneName) {
		return nil, fmt.Errorf("GetOwner: %s is not below zone %s", qname, zd.ZoneName)
	}
	owner, ok := zd.Data.Get(dns.Fqdn(qname))
	if !ok {
		return nil, nil
	}
	return owner, nil
}

// GetOrAddOwner returns the owner node for qname, creating an empty one
// (and splicing it into the canonical index) when absent.
func (zd *ZoneData) GetOrAddOwner(qname string) *OwnerData {
	qname = dns.Fqdn(qname)
	owner := zd.Data.Upsert(qname, nil, func(exist bool, old, nv *OwnerData) *OwnerData {
		if exist {
			return old
		}
		return NewOwnerData(qname)
	})
	zd.mu.Lock()
	idx := searchCanonical(zd.names, qname)
	if idx == len(zd.names) || zd.names[idx] != qname {
		zd.names = append(zd.names, "")
		copy(zd.names[idx+1:], zd.names[idx:])
		zd.names[idx] = qname
	}
	zd.mu.Unlock()
	return owner
}

// RemoveOwner drops the owner node for qname. The apex cannot be removed.
func (zd *ZoneData) RemoveOwner(qname string) {
	qname = dns.Fqdn(qname)
	if qname == zd.ZoneName {
		return
	}
	zd.Data.Remove(qname)
	zd.mu.Lock()
	idx := searchCanonical(zd.names, qname)
	if idx < len(zd.names) && zd.names[idx] == qname {
		zd.names = append(zd.names[:idx], zd.names[idx+1:]...)
	}
	zd.mu.Unlock()
}

func (zd *ZoneData) OwnerExists(qname string) bool {
	return zd.Data.Has(dns.Fqdn(qname))
}

// OwnerNamesCanonical returns every owner name in the zone in canonical
// order, apex first.
func (zd *ZoneData) OwnerNamesCanonical() []string {
	zd.mu.Lock()
	names := make([]string, len(zd.names))
	copy(names, zd.names)
	zd.mu.Unlock()
	return names
}

// NextOwner returns the canonical-order successor of qname among the
// zone's owner names, wrapping from the last owner back to the apex.
func (zd *ZoneData) NextOwner(qname string) string {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if len(zd.names) == 0 {
		return zd.ZoneName
	}
	idx := searchCanonical(zd.names, dns.Fqdn(qname))
	if idx < len(zd.names) && zd.names[idx] == dns.Fqdn(qname) {
		idx++
	}
	if idx >= len(zd.names) {
		return zd.names[0]
	}
	return zd.names[idx]
}

// PrevOwner returns the canonical-order predecessor of qname, wrapping
// from the apex to the last owner name.
func (zd *ZoneData) PrevOwner(qname string) string {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if len(zd.names) == 0 {
		return zd.ZoneName
	}
	idx := searchCanonical(zd.names, dns.Fqdn(qname))
	if idx == 0 {
		return zd.names[len(zd.names)-1]
	}
	return zd.names[idx-1]
}

func (zd *ZoneData) GetRRset(qname string, rrtype uint16) (*RRset, error) {
	owner, err := zd.GetOwner(qname)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, nil
	}
	if rrset, exists := owner.RRtypes.Get(rrtype); exists {
		return &rrset, nil
	}
	return nil, nil
}

func (zd *ZoneData) GetSOA() (*dns.SOA, error) {
	rrset, err := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if err != nil {
		return nil, err
	}
	if rrset == nil || len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("GetSOA: zone %s has no SOA", zd.ZoneName)
	}
	return rrset.RRs[0].(*dns.SOA), nil
}

// IsChildDelegation reports whether qname is a zone cut for a child zone.
func (zd *ZoneData) IsChildDelegation(qname string) bool {
	owner, err := zd.GetOwner(qname)
	if err != nil || owner == nil || dns.Fqdn(qname) == zd.ZoneName {
		return false
	}
	ns, exists := owner.RRtypes.Get(dns.TypeNS)
	return exists && len(ns.RRs) > 0
}

// Delegations returns the zone-cut owner names below the apex.
func (zd *ZoneData) Delegations() []string {
	var cuts []string
	for _, name := range zd.OwnerNamesCanonical() {
		if zd.IsChildDelegation(name) {
			cuts = append(cuts, name)
		}
	}
	return cuts
}

// IsOccluded reports whether qname sits at or below a zone cut (and is
// therefore glue from this zone's point of view).
func (zd *ZoneData) IsOccluded(qname string) bool {
	qname = dns.Fqdn(qname)
	for _, cut := range zd.Delegations() {
		if qname != cut && dns.IsSubDomain(cut, qname) {
			return true
		}
		if qname == cut {
			return false
		}
	}
	return false
}

// GlueFor collects A/AAAA records for in-bailiwick NS targets of an NS
// RRset, for the additional section of referral responses.
func (zd *ZoneData) GlueFor(nsrrs []dns.RR) []dns.RR {
	var glue []dns.RR
	for _, rr := range nsrrs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		if !dns.IsSubDomain(zd.ZoneName, ns.Ns) {
			continue
		}
		owner, _ := zd.GetOwner(ns.Ns)
		if owner == nil {
			continue
		}
		for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
			if rrset, exists := owner.RRtypes.Get(t); exists {
				glue = append(glue, rrset.RRs...)
			}
		}
	}
	return glue
}

// FindZone locates the closest enclosing authoritative zone for qname.
func FindZone(qname string) *ZoneData {
	qname = strings.ToLower(dns.Fqdn(qname))
	labels := dns.SplitDomainName(qname)
	for i := 0; i <= len(labels); i++ {
		tzone := dns.Fqdn(strings.Join(labels[i:], "."))
		if zd, ok := Zones.Get(tzone); ok {
			return zd
		}
	}
	return nil
}
