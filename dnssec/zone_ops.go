/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"log"
	"time"

	"github.com/miekg/dns"
)

// Record types owned by the signing machinery; the public mutation API
// refuses to touch them.
func isDnssecManagedType(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeDNSKEY, dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM:
		return true
	}
	return false
}

// checkMutation enforces the shared refusal matrix for record mutations.
func (zd *ZoneData) checkMutation(qname string, rrtype uint16, rrs []dns.RR, info *RecordInfo) error {
	qname = dns.Fqdn(qname)

	if isDnssecManagedType(rrtype) {
		return zerr(ErrInvalidOperation, zd.ZoneName, "%s records are managed by the signer", dns.TypeToString[rrtype])
	}
	if qname == zd.ZoneName {
		switch rrtype {
		case dns.TypeDS:
			return zerr(ErrInvalidOperation, zd.ZoneName, "DS is not allowed at the apex")
		case dns.TypeCNAME:
			return zerr(ErrInvalidOperation, zd.ZoneName, "CNAME is not allowed at the apex")
		}
	}

	if zd.DnssecStatus != DnssecUnsigned {
		switch rrtype {
		case TypeANAME, TypeAPP:
			return zerr(ErrUnsupportedInSignedZone, zd.ZoneName, "%s %s", qname, dns.TypeToString[rrtype])
		}
		if info != nil && info.Disabled {
			return zerr(ErrInvalidOperation, zd.ZoneName, "disabled records cannot be added to a signed zone")
		}
	}

	if soa, err := zd.GetSOA(); err == nil {
		for _, rr := range rrs {
			if rr.Header().Ttl > soa.Expire {
				return zerr(ErrInvalidParameter, zd.ZoneName,
					"TTL %d of %s %s exceeds SOA expire %d", rr.Header().Ttl, qname, dns.TypeToString[rrtype], soa.Expire)
			}
		}
	}
	return nil
}

// RelinkDenial repairs the denial chain around qname after a mutation.
func (zd *ZoneData) RelinkDenial(qname string) (added, deleted []dns.RR, err error) {
	switch zd.DnssecStatus {
	case DnssecSignedWithNsec:
		return zd.RelinkNsec(qname)
	case DnssecSignedWithNsec3:
		return zd.RelinkNsec3(qname)
	}
	return nil, nil, nil
}

// afterMutation runs the signed-zone follow-up for a mutation at qname
// (denial relink plus RRSIG refresh) and commits the batch.
func (zd *ZoneData) afterMutation(qname string, rrtype uint16, added, deleted []dns.RR) error {
	if zd.DnssecStatus != DnssecUnsigned {
		oldsigs, newsigs, err := zd.SignAndStoreRRset(qname, rrtype)
		if err != nil {
			return err
		}
		deleted = append(deleted, oldsigs...)
		added = append(added, newsigs...)

		a, d, err := zd.RelinkDenial(qname)
		if err != nil {
			return err
		}
		added = append(added, a...)
		deleted = append(deleted, d...)
	}
	return zd.CommitZone(deleted, added)
}

// SetRRset atomically replaces the RRset at (qname, rrtype). Setting the
// SOA is constrained to a single record at the apex; when the SOA
// minimum changes in a signed zone the denial chain is rebuilt with the
// new TTL.
func (zd *ZoneData) SetRRset(qname string, rrtype uint16, rrs []dns.RR, info *RecordInfo) error {
	qname = dns.Fqdn(qname)

	if rrtype == dns.TypeSOA {
		return zd.setSOA(qname, rrs)
	}
	if err := zd.checkMutation(qname, rrtype, rrs, info); err != nil {
		return err
	}
	if err := ValidateRRset(rrs); err != nil {
		return zerr(ErrInvalidRRset, zd.ZoneName, "%s %s", qname, dns.TypeToString[rrtype])
	}
	if rrtype == dns.TypeCNAME && len(rrs) > 1 {
		return zerr(ErrInvalidRRset, zd.ZoneName, "CNAME RRset at %s must have exactly one record", qname)
	}

	owner := zd.GetOrAddOwner(qname)
	deleted, err := owner.RRtypes.Set(rrtype, RRset{Name: qname, RRtype: rrtype, RRs: rrs})
	if err != nil {
		return zerr(ErrInvalidRRset, zd.ZoneName, "%s %s", qname, dns.TypeToString[rrtype])
	}
	return zd.afterMutation(qname, rrtype, append([]dns.RR{}, rrs...), deleted)
}

func (zd *ZoneData) setSOA(qname string, rrs []dns.RR) error {
	if len(rrs) != 1 {
		return zerr(ErrInvalidRRset, zd.ZoneName, "SOA RRset must have exactly one record")
	}
	if qname != zd.ZoneName {
		return zerr(ErrInvalidOperation, zd.ZoneName, "SOA can only live at the apex, not %s", qname)
	}
	soa, ok := rrs[0].(*dns.SOA)
	if !ok {
		return zerr(ErrInvalidRRset, zd.ZoneName, "not a SOA record")
	}
	if soa.Hdr.Ttl > soa.Expire {
		return zerr(ErrInvalidParameter, zd.ZoneName, "SOA TTL %d exceeds its expire %d", soa.Hdr.Ttl, soa.Expire)
	}

	oldMin := uint32(0)
	if old, err := zd.GetSOA(); err == nil {
		oldMin = old.Minttl
	}

	owner := zd.GetOrAddOwner(zd.ZoneName)
	deleted, err := owner.RRtypes.Set(dns.TypeSOA, RRset{Name: zd.ZoneName, RRtype: dns.TypeSOA, RRs: rrs})
	if err != nil {
		return err
	}
	added := []dns.RR{rrs[0]}

	// a changed SOA minimum changes the denial TTL for the whole chain
	if zd.DnssecStatus != DnssecUnsigned && soa.Minttl != oldMin {
		zd.dnssecMu.Lock()
		defer zd.dnssecMu.Unlock()
		switch zd.DnssecStatus {
		case DnssecSignedWithNsec:
			deleted = append(deleted, zd.DisableNsec()...)
			a, d, err := zd.EnableNsec()
			if err != nil {
				return err
			}
			added = append(added, a...)
			deleted = append(deleted, d...)
		case DnssecSignedWithNsec3:
			iter, salt := zd.Nsec3Iterations, zd.Nsec3Salt
			deleted = append(deleted, zd.DisableNsec3()...)
			a, d, err := zd.EnableNsec3(iter, salt)
			if err != nil {
				return err
			}
			added = append(added, a...)
			deleted = append(deleted, d...)
		}
	}

	return zd.afterMutation(zd.ZoneName, dns.TypeSOA, added, deleted)
}

// AddRR appends one record to its RRset.
func (zd *ZoneData) AddRR(rr dns.RR, info *RecordInfo) error {
	qname := dns.Fqdn(rr.Header().Name)
	rrtype := rr.Header().Rrtype

	if err := zd.checkMutation(qname, rrtype, []dns.RR{rr}, info); err != nil {
		return err
	}
	if rrtype == dns.TypeSOA {
		return zerr(ErrInvalidOperation, zd.ZoneName, "the SOA is replaced, never appended to")
	}
	if rrtype == dns.TypeCNAME {
		if existing, _ := zd.GetRRset(qname, dns.TypeCNAME); existing != nil && len(existing.RRs) > 0 {
			return zerr(ErrInvalidRRset, zd.ZoneName, "CNAME at %s already exists", qname)
		}
	}

	owner := zd.GetOrAddOwner(qname)
	appended, err := owner.RRtypes.Add(rr)
	if err != nil {
		return zerr(ErrInvalidRRset, zd.ZoneName, "%s %s", qname, dns.TypeToString[rrtype])
	}
	if !appended {
		return zerr(ErrDuplicateKey, zd.ZoneName, "record already present: %s", rr.String())
	}
	return zd.afterMutation(qname, rrtype, []dns.RR{rr}, nil)
}

// UpdateRR replaces one record (matched by rdata) with a new one.
func (zd *ZoneData) UpdateRR(oldRR, newRR dns.RR, info *RecordInfo) error {
	qname := dns.Fqdn(oldRR.Header().Name)
	rrtype := oldRR.Header().Rrtype

	if err := zd.checkMutation(qname, rrtype, []dns.RR{newRR}, info); err != nil {
		return err
	}
	if err := zd.checkMutation(dns.Fqdn(newRR.Header().Name), newRR.Header().Rrtype, nil, nil); err != nil {
		return err
	}

	owner, err := zd.GetOwner(qname)
	if err != nil || owner == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no such owner: %s", qname)
	}
	deleted := owner.RRtypes.DeleteRR(oldRR)
	if deleted == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no such record: %s", oldRR.String())
	}

	newOwner := zd.GetOrAddOwner(newRR.Header().Name)
	if _, err := newOwner.RRtypes.Add(newRR); err != nil {
		return zerr(ErrInvalidRRset, zd.ZoneName, "%s", newRR.String())
	}

	if qname != dns.Fqdn(newRR.Header().Name) && zd.DnssecStatus != DnssecUnsigned {
		if a, d, err := zd.RelinkDenial(qname); err == nil {
			return zd.afterMutation(newRR.Header().Name, newRR.Header().Rrtype,
				append([]dns.RR{newRR}, a...), append([]dns.RR{deleted}, d...))
		} else {
			return err
		}
	}
	return zd.afterMutation(newRR.Header().Name, newRR.Header().Rrtype, []dns.RR{newRR}, []dns.RR{deleted})
}

// DeleteRRset removes the whole RRset at (qname, rrtype).
func (zd *ZoneData) DeleteRRset(qname string, rrtype uint16) error {
	qname = dns.Fqdn(qname)
	if err := zd.checkMutation(qname, rrtype, nil, nil); err != nil {
		return err
	}
	if rrtype == dns.TypeSOA {
		return zerr(ErrInvalidOperation, zd.ZoneName, "the SOA cannot be deleted")
	}

	owner, err := zd.GetOwner(qname)
	if err != nil || owner == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no such owner: %s", qname)
	}
	deleted := owner.RRtypes.Delete(rrtype)
	deleted = append(deleted, owner.RRtypes.SetRRSIGs(rrtype, nil)...)
	return zd.afterMutation(qname, rrtype, nil, deleted)
}

// DeleteRR removes one record (matched by rdata).
func (zd *ZoneData) DeleteRR(rr dns.RR) error {
	qname := dns.Fqdn(rr.Header().Name)
	rrtype := rr.Header().Rrtype
	if err := zd.checkMutation(qname, rrtype, nil, nil); err != nil {
		return err
	}
	if rrtype == dns.TypeSOA {
		return zerr(ErrInvalidOperation, zd.ZoneName, "the SOA cannot be deleted")
	}

	owner, err := zd.GetOwner(qname)
	if err != nil || owner == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no such owner: %s", qname)
	}
	deleted := owner.RRtypes.DeleteRR(rr)
	if deleted == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no such record: %s", rr.String())
	}
	return zd.afterMutation(qname, rrtype, nil, []dns.RR{deleted})
}

// SignZone signs an unsigned zone: one KSK and one ZSK are generated
// into Ready, the DNSKEY RRset published, every RRset signed, the chosen
// denial chain built, the ZSK activated, and the lifecycle timer kicked.
// A crypto failure rolls the zone back to Unsigned with an empty key
// registry.
func (zd *ZoneData) SignZone(kdb *KeyDB, req ZoneSignRequest) error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.DnssecStatus != DnssecUnsigned {
		return zerr(ErrZoneAlreadySigned, zd.ZoneName, "status is %s", DnssecStatusToString[zd.DnssecStatus])
	}
	if !SupportedAlgorithm(req.Algorithm) {
		return zerr(ErrUnsupportedAlgorithm, zd.ZoneName, "algorithm %s", dns.AlgorithmToString[req.Algorithm])
	}
	if req.NxProof != DnssecSignedWithNsec && req.NxProof != DnssecSignedWithNsec3 {
		return zerr(ErrInvalidParameter, zd.ZoneName, "unknown denial type")
	}
	if req.DnskeyTTL == 0 {
		req.DnskeyTTL = 86400
	}

	var salt string
	if req.NxProof == DnssecSignedWithNsec3 {
		if req.Iterations > MaxNsec3Iterations {
			return zerr(ErrInvalidParameter, zd.ZoneName, "NSEC3 iterations %d out of range [0, %d]", req.Iterations, MaxNsec3Iterations)
		}
		var err error
		salt, err = GenerateNsec3Salt(zd.ZoneName, req.SaltLength)
		if err != nil {
			return err
		}
	}

	rollback := func() {
		zd.DnssecStatus = DnssecUnsigned
		zd.Keys.Clear()
		zd.DisableNsec()
		zd.DisableNsec3()
		zd.stripDnssecRecords()
		if kdb != nil {
			kdb.DeleteZoneKeys(zd.ZoneName)
		}
	}

	ksk, err := zd.generateUniqueKey(KeyTypeKsk, req.Algorithm, req.RsaBits, req.DnskeyTTL)
	if err != nil {
		return err
	}
	zsk, err := zd.generateUniqueKey(KeyTypeZsk, req.Algorithm, req.RsaBits, req.DnskeyTTL)
	if err != nil {
		zd.Keys.Clear()
		return err
	}

	ksk.State = KeyStateReady
	ksk.StateChanged = time.Now()
	zsk.State = KeyStateReady
	zsk.StateChanged = time.Now()
	zsk.RolloverDays = req.ZskRolloverDays

	zd.Keys.DnskeyTTL = req.DnskeyTTL
	zd.Keys.ZskRolloverDays = req.ZskRolloverDays

	var added, deleted []dns.RR

	// publish the DNSKEY RRset
	apex := zd.GetOrAddOwner(zd.ZoneName)
	kskRR := dns.Copy(&ksk.DnskeyRR)
	zskRR := dns.Copy(&zsk.DnskeyRR)
	old, err := apex.RRtypes.Set(dns.TypeDNSKEY,
		RRset{Name: zd.ZoneName, RRtype: dns.TypeDNSKEY, RRs: []dns.RR{kskRR, zskRR}})
	if err != nil {
		rollback()
		return err
	}
	deleted = append(deleted, old...)
	added = append(added, kskRR, zskRR)

	zd.DnssecStatus = req.NxProof

	// sign every RRset
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if rrtype == dns.TypeRRSIG {
				continue
			}
			oldsigs, newsigs, err := zd.SignAndStoreRRset(name, rrtype)
			if err != nil {
				log.Printf("SignZone: zone %s: failed to sign %s %s: %v", zd.ZoneName, name, dns.TypeToString[rrtype], err)
				rollback()
				return err
			}
			deleted = append(deleted, oldsigs...)
			added = append(added, newsigs...)
		}
	}

	// denial of existence
	var a, d []dns.RR
	if req.NxProof == DnssecSignedWithNsec {
		a, d, err = zd.EnableNsec()
	} else {
		a, d, err = zd.EnableNsec3(req.Iterations, salt)
	}
	if err != nil {
		rollback()
		return err
	}
	added = append(added, a...)
	deleted = append(deleted, d...)

	// the ZSK goes straight to work
	zsk.State = KeyStateActive
	zsk.StateChanged = time.Now()

	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, ksk); err != nil {
			rollback()
			return err
		}
		if err := kdb.SaveKey(zd.ZoneName, zsk); err != nil {
			rollback()
			return err
		}
	}

	if err := zd.CommitZone(deleted, added); err != nil {
		rollback()
		return err
	}

	log.Printf("SignZone: zone %s signed with %s (%s), KSK %d, ZSK %d", zd.ZoneName,
		dns.AlgorithmToString[req.Algorithm], DnssecStatusToString[req.NxProof], ksk.KeyTag(), zsk.KeyTag())

	if zd.ResignQ != nil {
		select {
		case zd.ResignQ <- zd:
		default:
		}
	}
	return nil
}

// generateUniqueKey generates a key and inserts it into the registry,
// regenerating on a key-tag collision, up to five generations in all.
func (zd *ZoneData) generateUniqueKey(ktype KeyType, alg uint8, rsabits int, ttl uint32) (*PrivateKeyCache, error) {
	for attempt := 0; attempt < 5; attempt++ {
		pkc, err := GenerateKeypair(zd.ZoneName, ktype, alg, rsabits, ttl)
		if err != nil {
			return nil, err
		}
		if err := zd.Keys.Add(pkc); err == nil {
			return pkc, nil
		}
	}
	return nil, zerr(ErrTagCollision, zd.ZoneName, "could not find a free key tag in 5 attempts")
}

// stripDnssecRecords drops every DNSKEY and RRSIG from the zone.
func (zd *ZoneData) stripDnssecRecords() (deleted []dns.RR) {
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if rrtype == dns.TypeDNSKEY {
				deleted = append(deleted, owner.RRtypes.Delete(rrtype)...)
			}
			deleted = append(deleted, owner.RRtypes.SetRRSIGs(rrtype, nil)...)
		}
		if name != zd.ZoneName && owner.RRtypes.Count() == 0 {
			zd.RemoveOwner(name)
		}
	}
	return deleted
}

// UnsignZone removes every trace of signing: denial chains, DNSKEYs,
// signatures, the key registry and the stored keys.
func (zd *ZoneData) UnsignZone(kdb *KeyDB) error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.DnssecStatus == DnssecUnsigned {
		return zerr(ErrZoneNotSigned, zd.ZoneName, "")
	}

	var deleted []dns.RR
	deleted = append(deleted, zd.DisableNsec()...)
	deleted = append(deleted, zd.DisableNsec3()...)
	deleted = append(deleted, zd.stripDnssecRecords()...)

	zd.DnssecStatus = DnssecUnsigned
	zd.Keys.Clear()
	if kdb != nil {
		if err := kdb.DeleteZoneKeys(zd.ZoneName); err != nil {
			log.Printf("UnsignZone: zone %s: error clearing key store: %v", zd.ZoneName, err)
		}
	}

	log.Printf("UnsignZone: zone %s is now unsigned", zd.ZoneName)
	return zd.CommitZone(deleted, nil)
}

// ConvertToNsec switches a zone from NSEC3 to NSEC denial.
func (zd *ZoneData) ConvertToNsec() error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.DnssecStatus != DnssecSignedWithNsec3 {
		return zerr(ErrInvalidOperation, zd.ZoneName, "status is %s, not SignedWithNSEC3", DnssecStatusToString[zd.DnssecStatus])
	}

	deleted := zd.DisableNsec3()
	zd.DnssecStatus = DnssecSignedWithNsec
	added, d, err := zd.EnableNsec()
	if err != nil {
		return err
	}
	deleted = append(deleted, d...)
	return zd.CommitZone(deleted, added)
}

// ConvertToNsec3 switches a zone from NSEC to NSEC3 denial.
func (zd *ZoneData) ConvertToNsec3(iterations uint16, saltLength int) error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.DnssecStatus != DnssecSignedWithNsec {
		return zerr(ErrInvalidOperation, zd.ZoneName, "status is %s, not SignedWithNSEC", DnssecStatusToString[zd.DnssecStatus])
	}
	if iterations > MaxNsec3Iterations {
		return zerr(ErrInvalidParameter, zd.ZoneName, "NSEC3 iterations %d out of range [0, %d]", iterations, MaxNsec3Iterations)
	}
	salt, err := GenerateNsec3Salt(zd.ZoneName, saltLength)
	if err != nil {
		return err
	}

	deleted := zd.DisableNsec()
	zd.DnssecStatus = DnssecSignedWithNsec3
	added, d, err := zd.EnableNsec3(iterations, salt)
	if err != nil {
		return err
	}
	deleted = append(deleted, d...)
	return zd.CommitZone(deleted, added)
}

// UpdateNsec3Params atomically replaces the NSEC3 chain with one built
// from new parameters.
func (zd *ZoneData) UpdateNsec3Params(iterations uint16, salt string) error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.DnssecStatus != DnssecSignedWithNsec3 {
		return zerr(ErrInvalidOperation, zd.ZoneName, "status is %s, not SignedWithNSEC3", DnssecStatusToString[zd.DnssecStatus])
	}
	if err := ValidateNsec3Params(zd.ZoneName, iterations, salt); err != nil {
		return err
	}

	deleted := zd.DisableNsec3()
	added, d, err := zd.EnableNsec3(iterations, salt)
	if err != nil {
		return err
	}
	deleted = append(deleted, d...)
	return zd.CommitZone(deleted, added)
}

// RolloverKey starts a rollover for the key with the given tag: a fresh
// key of the same type and algorithm enters the registry, all generated
// keys are published, and the old key is marked retiring.
func (zd *ZoneData) RolloverKey(kdb *KeyDB, tag uint16) error {
	old, ok := zd.Keys.Get(tag)
	if !ok {
		return zerr(ErrKeyNotFound, zd.ZoneName, "keyid %d", tag)
	}
	if old.State != KeyStateReady && old.State != KeyStateActive {
		return zerr(ErrInvalidOperation, zd.ZoneName,
			"key %d is %s; only Ready or Active keys roll over", tag, KeyStateToString[old.State])
	}

	fresh, err := zd.generateUniqueKey(old.KeyType, old.Algorithm(), 0, zd.Keys.DnskeyTTL)
	if err != nil {
		return err
	}
	fresh.RolloverDays = old.RolloverDays
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, fresh); err != nil {
			return err
		}
	}

	log.Printf("RolloverKey: zone %s: new %s %d generated to replace %d", zd.ZoneName,
		KeyTypeToString[fresh.KeyType], fresh.KeyTag(), tag)

	if err := zd.PublishAllGeneratedKeys(kdb); err != nil {
		return err
	}

	old.Retiring = true
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, old); err != nil {
			return err
		}
	}
	return nil
}

// PublishAllGeneratedKeys adds the DNSKEY of every Generated key to the
// apex RRset and moves the keys to Published.
func (zd *ZoneData) PublishAllGeneratedKeys(kdb *KeyDB) error {
	apex := zd.GetOrAddOwner(zd.ZoneName)

	var added []dns.RR
	for _, pkc := range zd.Keys.Snapshot() {
		if pkc.State != KeyStateGenerated {
			continue
		}
		rr := dns.Copy(&pkc.DnskeyRR)
		appended, err := apex.RRtypes.Add(rr)
		if err != nil {
			return err
		}
		if !appended {
			return zerr(ErrDuplicateKey, zd.ZoneName, "DNSKEY %d already published", pkc.KeyTag())
		}
		added = append(added, rr)
		pkc.State = KeyStatePublished
		pkc.StateChanged = time.Now()
		if kdb != nil {
			if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
				return err
			}
		}
	}
	if len(added) == 0 {
		return nil
	}

	oldsigs, newsigs, err := zd.SignAndStoreRRset(zd.ZoneName, dns.TypeDNSKEY)
	if err != nil {
		return err
	}
	return zd.CommitZone(oldsigs, append(added, newsigs...))
}

// RetireKey marks a key retiring; the transition to Retired happens as
// soon as the safety check passes (immediately, when it already does).
func (zd *ZoneData) RetireKey(kdb *KeyDB, tag uint16) error {
	pkc, ok := zd.Keys.Get(tag)
	if !ok {
		return zerr(ErrKeyNotFound, zd.ZoneName, "keyid %d", tag)
	}
	if pkc.State != KeyStateActive {
		return zerr(ErrInvalidOperation, zd.ZoneName, "key %d is %s, not Active", tag, KeyStateToString[pkc.State])
	}
	pkc.Retiring = true
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
			return err
		}
	}
	if zd.Keys.HasSafeSuccessor(pkc) {
		return zd.retireKey(kdb, pkc)
	}
	return nil
}

// DeleteKey removes a key that has never been published.
func (zd *ZoneData) DeleteKey(kdb *KeyDB, tag uint16) error {
	pkc, ok := zd.Keys.Get(tag)
	if !ok {
		return zerr(ErrKeyNotFound, zd.ZoneName, "keyid %d", tag)
	}
	if pkc.State != KeyStateGenerated {
		return zerr(ErrInvalidOperation, zd.ZoneName,
			"key %d is %s; only Generated keys can be deleted", tag, KeyStateToString[pkc.State])
	}
	zd.Keys.Delete(tag)
	if kdb != nil {
		if err := kdb.DeleteKey(zd.ZoneName, tag); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDnskeyTtl changes the DNSKEY TTL, rewrites the published RRset
// and re-signs it.
func (zd *ZoneData) UpdateDnskeyTtl(kdb *KeyDB, ttl uint32) error {
	if zd.DnssecStatus == DnssecUnsigned {
		return zerr(ErrZoneNotSigned, zd.ZoneName, "")
	}
	if soa, err := zd.GetSOA(); err == nil && ttl > soa.Expire {
		return zerr(ErrInvalidParameter, zd.ZoneName, "DNSKEY TTL %d exceeds SOA expire %d", ttl, soa.Expire)
	}

	zd.Keys.DnskeyTTL = ttl

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil || apex == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "zone has no apex")
	}
	rrset, ok := apex.RRtypes.Get(dns.TypeDNSKEY)
	if !ok {
		return zerr(ErrInvalidOperation, zd.ZoneName, "no DNSKEY RRset")
	}

	var deleted, added []dns.RR
	var fresh []dns.RR
	for _, rr := range rrset.RRs {
		deleted = append(deleted, rr)
		nr := dns.Copy(rr)
		nr.Header().Ttl = ttl
		fresh = append(fresh, nr)
		added = append(added, nr)
	}
	if _, err := apex.RRtypes.Set(dns.TypeDNSKEY, RRset{Name: zd.ZoneName, RRtype: dns.TypeDNSKEY, RRs: fresh}); err != nil {
		return err
	}

	for _, pkc := range zd.Keys.Snapshot() {
		pkc.DnskeyRR.Hdr.Ttl = ttl
		if kdb != nil {
			if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
				return err
			}
		}
	}

	oldsigs, newsigs, err := zd.SignAndStoreRRset(zd.ZoneName, dns.TypeDNSKEY)
	if err != nil {
		return err
	}
	return zd.CommitZone(append(deleted, oldsigs...), append(added, newsigs...))
}

// GetDnssecProperties reports the zone's signing state.
func (zd *ZoneData) GetDnssecProperties() DnssecProperties {
	props := DnssecProperties{
		Zone:          zd.ZoneName,
		Status:        DnssecStatusToString[zd.DnssecStatus],
		Serial:        zd.CurrentSerial,
		Nsec3Iter:     zd.Nsec3Iterations,
		Nsec3SaltLen:  len(zd.Nsec3Salt) / 2,
		HistoryLength: zd.History.Length(),
	}
	for _, pkc := range zd.Keys.Snapshot() {
		props.Keys = append(props.Keys, pkc.Info(zd.ZoneName))
	}
	return props
}
