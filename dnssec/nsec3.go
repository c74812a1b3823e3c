/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

const (
	MaxNsec3Iterations = 50
	MaxNsec3SaltLength = 32
)

// ValidateNsec3Params checks the parameter ranges for an NSEC3 chain.
func ValidateNsec3Params(zone string, iterations uint16, salt string) error {
	if iterations > MaxNsec3Iterations {
		return zerr(ErrInvalidParameter, zone, "NSEC3 iterations %d out of range [0, %d]", iterations, MaxNsec3Iterations)
	}
	if salt != "" && salt != "-" {
		raw, err := hex.DecodeString(salt)
		if err != nil {
			return zerr(ErrInvalidParameter, zone, "NSEC3 salt is not valid hex: %s", salt)
		}
		if len(raw) > MaxNsec3SaltLength {
			return zerr(ErrInvalidParameter, zone, "NSEC3 salt length %d out of range [0, %d]", len(raw), MaxNsec3SaltLength)
		}
	}
	return nil
}

// GenerateNsec3Salt produces a random salt of the given length (bytes)
// in hex presentation form.
func GenerateNsec3Salt(zone string, length int) (string, error) {
	if length < 0 || length > MaxNsec3SaltLength {
		return "", zerr(ErrInvalidParameter, zone, "NSEC3 salt length %d out of range [0, %d]", length, MaxNsec3SaltLength)
	}
	if length == 0 {
		return "", nil
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// hashedOwner returns the NSEC3 owner name for name: lower-cased
// base32hex of the SHA-1 hash chain, under the apex.
func (zd *ZoneData) hashedOwner(name string, iterations uint16, salt string) string {
	h := dns.HashName(dns.Fqdn(name), dns.SHA1, iterations, salt)
	return strings.ToLower(h) + "." + zd.ZoneName
}

// isNsec3Node reports whether the owner exists only to carry an NSEC3
// record (a hashed-owner node).
func isNsec3Node(owner *OwnerData) bool {
	for _, t := range owner.RRtypes.Keys() {
		switch t {
		case dns.TypeNSEC3, dns.TypeRRSIG:
		default:
			return false
		}
	}
	_, hasNsec3 := owner.RRtypes.Get(dns.TypeNSEC3)
	return hasNsec3
}

// emptyNonTerminals returns the owner names between the apex and the
// given names that carry no data of their own but have descendants.
func (zd *ZoneData) emptyNonTerminals(names []string) []string {
	seen := map[string]bool{}
	for _, name := range names {
		seen[name] = true
	}
	var ents []string
	for _, name := range names {
		labels := dns.SplitDomainName(strings.TrimSuffix(name, zd.ZoneName))
		for i := 1; i < len(labels); i++ {
			ent := strings.Join(labels[i:], ".") + "." + zd.ZoneName
			if !seen[ent] {
				seen[ent] = true
				ents = append(ents, ent)
			}
		}
	}
	return ents
}

type nsec3Tuple struct {
	hashedName string // full hashed owner under the apex
	types      []uint16
}

// collectNsec3Tuples gathers {hashed-owner, type-bitmap} tuples for every
// real owner name plus the empty non-terminals, merging duplicates by
// bitmap union, sorted by hashed owner.
func (zd *ZoneData) collectNsec3Tuples(iterations uint16, salt string) []nsec3Tuple {
	var realNames []string
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil || isNsec3Node(owner) {
			continue
		}
		realNames = append(realNames, name)
	}

	tuples := map[string][]uint16{}
	for _, name := range realNames {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		h := zd.hashedOwner(name, iterations, salt)
		tuples[h] = unionTypes(tuples[h], zd.typeBitmap(owner, dns.TypeNSEC3))
	}
	for _, ent := range zd.emptyNonTerminals(realNames) {
		h := zd.hashedOwner(ent, iterations, salt)
		if _, exist := tuples[h]; !exist {
			tuples[h] = nil // an ENT proves only its own existence
		}
	}

	out := make([]nsec3Tuple, 0, len(tuples))
	for h, types := range tuples {
		out = append(out, nsec3Tuple{hashedName: h, types: types})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].hashedName < out[j].hashedName })
	return out
}

func unionTypes(a, b []uint16) []uint16 {
	present := map[uint16]bool{}
	for _, t := range a {
		present[t] = true
	}
	for _, t := range b {
		present[t] = true
	}
	out := make([]uint16, 0, len(present))
	for t := range present {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (zd *ZoneData) buildNsec3(t nsec3Tuple, nextHashed string, iterations uint16, salt string, ttl uint32) *dns.NSEC3 {
	saltLen := uint8(len(salt) / 2)
	if salt == "" || salt == "-" {
		saltLen = 0
	}
	// the next-hashed field carries the bare base32hex label, upper case
	next := strings.ToUpper(strings.SplitN(nextHashed, ".", 2)[0])
	return &dns.NSEC3{
		Hdr: dns.RR_Header{
			Name:   t.hashedName,
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: iterations,
		SaltLength: saltLen,
		Salt:       salt,
		HashLength: 20,
		NextDomain: next,
		TypeBitMap: t.types,
	}
}

// EnableNsec3 builds a complete NSEC3 chain with the given parameters:
// hashed-owner nodes for every real owner and empty non-terminal, a ring
// in hash order, and a signed NSEC3PARAM at the apex.
func (zd *ZoneData) EnableNsec3(iterations uint16, salt string) (added, deleted []dns.RR, err error) {
	if err := ValidateNsec3Params(zd.ZoneName, iterations, salt); err != nil {
		return nil, nil, err
	}

	// publish NSEC3PARAM first so the apex bitmap includes it
	saltLen := uint8(len(salt) / 2)
	if salt == "" || salt == "-" {
		saltLen = 0
	}
	param := &dns.NSEC3PARAM{
		Hdr: dns.RR_Header{
			Name:   zd.ZoneName,
			Rrtype: dns.TypeNSEC3PARAM,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: iterations,
		SaltLength: saltLen,
		Salt:       salt,
	}
	a, d, err := zd.storeAndSignDenial(param)
	if err != nil {
		return nil, nil, err
	}
	added = append(added, a...)
	deleted = append(deleted, d...)

	tuples := zd.collectNsec3Tuples(iterations, salt)
	ttl := zd.denialTTL()

	for idx, t := range tuples {
		nextidx := idx + 1
		if nextidx == len(tuples) {
			nextidx = 0
		}
		nsec3 := zd.buildNsec3(t, tuples[nextidx].hashedName, iterations, salt, ttl)
		a, d, err := zd.storeAndSignDenial(nsec3)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, a...)
		deleted = append(deleted, d...)
	}

	zd.Nsec3Iterations = iterations
	zd.Nsec3Salt = salt
	return added, deleted, nil
}

// DisableNsec3 removes the NSEC3 chain: every hashed-owner node, plus
// the NSEC3PARAM and its signatures at the apex.
func (zd *ZoneData) DisableNsec3() (deleted []dns.RR) {
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		if rrset, ok := owner.RRtypes.Get(dns.TypeNSEC3); ok {
			deleted = append(deleted, rrset.RRs...)
			deleted = append(deleted, rrset.RRSIGs...)
			owner.RRtypes.Delete(dns.TypeNSEC3)
		}
		if name != zd.ZoneName && owner.RRtypes.Count() == 0 {
			zd.RemoveOwner(name)
		}
	}

	apex, _ := zd.GetOwner(zd.ZoneName)
	if apex != nil {
		if rrset, ok := apex.RRtypes.Get(dns.TypeNSEC3PARAM); ok {
			deleted = append(deleted, rrset.RRs...)
			deleted = append(deleted, rrset.RRSIGs...)
			apex.RRtypes.Delete(dns.TypeNSEC3PARAM)
		}
	}

	zd.Nsec3Iterations = 0
	zd.Nsec3Salt = ""
	return deleted
}

// nsec3Ring returns the hashed-owner nodes currently in the zone, sorted
// by hashed owner.
func (zd *ZoneData) nsec3Ring() []string {
	var ring []string
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		if _, ok := owner.RRtypes.Get(dns.TypeNSEC3); ok {
			ring = append(ring, name)
		}
	}
	sort.Strings(ring)
	return ring
}

// RelinkNsec3 repairs the NSEC3 ring around qname after a mutation: the
// hashed node for qname (and for any empty non-terminals that appeared
// or vanished on its path to the apex) is rebuilt or unlinked, and the
// hash-order predecessor is re-pointed. Touched records are re-signed.
func (zd *ZoneData) RelinkNsec3(qname string) (added, deleted []dns.RR, err error) {
	qname = dns.Fqdn(qname)
	iterations, salt := zd.Nsec3Iterations, zd.Nsec3Salt
	ttl := zd.denialTTL()

	affected := []string{qname}
	labels := dns.SplitDomainName(strings.TrimSuffix(qname, zd.ZoneName))
	for i := 1; i < len(labels); i++ {
		affected = append(affected, strings.Join(labels[i:], ".")+"."+zd.ZoneName)
	}

	// which names (owner or ENT) should currently have a hashed node?
	tuples := map[string][]uint16{}
	for _, name := range affected {
		owner, _ := zd.GetOwner(name)
		hasData := owner != nil && !owner.IsEmpty() && !isNsec3Node(owner)
		hasDescendants := false
		for _, other := range zd.OwnerNamesCanonical() {
			oo, _ := zd.GetOwner(other)
			if oo == nil || isNsec3Node(oo) || other == name {
				continue
			}
			if dns.IsSubDomain(name, other) && !oo.IsEmpty() {
				hasDescendants = true
				break
			}
		}
		if owner != nil && owner.IsEmpty() && !hasDescendants {
			zd.RemoveOwner(name)
			owner = nil
		}
		if !hasData && !hasDescendants {
			continue
		}
		h := zd.hashedOwner(name, iterations, salt)
		if hasData {
			tuples[h] = zd.typeBitmap(owner, dns.TypeNSEC3)
		} else if _, exist := tuples[h]; !exist {
			tuples[h] = nil
		}
	}
	// drop hashed nodes for affected names that no longer qualify
	for _, name := range affected {
		h := zd.hashedOwner(name, iterations, salt)
		if _, keep := tuples[h]; keep {
			continue
		}
		owner, _ := zd.GetOwner(h)
		if owner == nil {
			continue
		}
		if rrset, ok := owner.RRtypes.Get(dns.TypeNSEC3); ok {
			deleted = append(deleted, rrset.RRs...)
			deleted = append(deleted, rrset.RRSIGs...)
		}
		zd.RemoveOwner(h)
	}

	// rebuild or splice the nodes that remain
	for h, types := range tuples {
		ring := zd.nsec3Ring()
		next := zd.nsec3Successor(ring, h)
		nsec3 := zd.buildNsec3(nsec3Tuple{hashedName: h, types: types}, next, iterations, salt, ttl)
		a, d, err := zd.storeAndSignDenial(nsec3)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, a...)
		deleted = append(deleted, d...)
	}

	// re-point every predecessor whose successor changed
	ring := zd.nsec3Ring()
	for idx, h := range ring {
		nextidx := idx + 1
		if nextidx == len(ring) {
			nextidx = 0
		}
		owner, _ := zd.GetOwner(h)
		if owner == nil {
			continue
		}
		rrset, ok := owner.RRtypes.Get(dns.TypeNSEC3)
		if !ok || len(rrset.RRs) == 0 {
			continue
		}
		nsec3 := rrset.RRs[0].(*dns.NSEC3)
		wantNext := strings.ToUpper(strings.SplitN(ring[nextidx], ".", 2)[0])
		if nsec3.NextDomain == wantNext {
			continue
		}
		fresh := zd.buildNsec3(nsec3Tuple{hashedName: h, types: nsec3.TypeBitMap}, ring[nextidx], iterations, salt, ttl)
		a, d, err := zd.storeAndSignDenial(fresh)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, a...)
		deleted = append(deleted, d...)
	}

	return added, deleted, nil
}

// nsec3Successor returns the ring member following h, assuming ring is
// sorted; when h is not yet in the ring the successor is the first
// member sorting above it.
func (zd *ZoneData) nsec3Successor(ring []string, h string) string {
	if len(ring) == 0 {
		return h // a single-node ring points at itself
	}
	idx := sort.SearchStrings(ring, h)
	if idx < len(ring) && ring[idx] == h {
		idx++
	}
	if idx >= len(ring) {
		return ring[0]
	}
	return ring[idx]
}
