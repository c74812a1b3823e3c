/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"context"
	"log"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

const (
	lifecycleFirstTick = 30 * time.Second
	lifecycleInterval  = 15 * time.Minute
)

type keyActionKind uint8

const (
	actionMakeReady keyActionKind = iota + 1
	actionActivate
	actionCheckDs
	actionRetire
	actionRevoke
	actionRemove
	actionRollover
)

type keyAction struct {
	kind keyActionKind
	pkc  *PrivateKeyCache
}

// KeyLifecycleEngine drives key state for every signed primary zone.
// The first tick comes 30 seconds after startup (or after a zone is
// signed, via kickQ), subsequent ticks every 15 minutes. A panic in one
// tick is logged and the timer rescheduled.
func KeyLifecycleEngine(ctx context.Context, kickQ chan *ZoneData, kdb *KeyDB) error {
	log.Printf("*** KeyLifecycleEngine: starting")

	timer := time.NewTimer(lifecycleFirstTick)
	defer timer.Stop()

	tickAll := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("KeyLifecycleEngine: recovered from tick panic: %v", r)
			}
		}()
		now := time.Now()
		for _, name := range Zones.Keys() {
			zd, ok := Zones.Get(name)
			if !ok || zd.ZoneType != Primary || zd.Disabled || zd.DnssecStatus == DnssecUnsigned {
				continue
			}
			if err := zd.KeyLifecycleTick(kdb, now); err != nil {
				log.Printf("KeyLifecycleEngine: zone %s: tick error: %v", zd.ZoneName, err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("KeyLifecycleEngine: terminating due to context cancelled")
			return nil
		case zd, ok := <-kickQ:
			if !ok {
				log.Println("KeyLifecycleEngine: terminating due to kick queue closed")
				return nil
			}
			log.Printf("KeyLifecycleEngine: zone %s signed, next tick in %v", zd.ZoneName, lifecycleFirstTick)
			timer.Reset(lifecycleFirstTick)
		case <-timer.C:
			tickAll()
			timer.Reset(lifecycleInterval)
		}
	}
}

// revokedHold is the Revoked -> Removed hold time from RFC 7583:
// max(1h, min(15d, DNSKEY TTL / 2)).
func revokedHold(dnskeyTTL uint32) time.Duration {
	hold := time.Duration(dnskeyTTL/2) * time.Second
	if max := 15 * 24 * time.Hour; hold > max {
		hold = max
	}
	if min := time.Hour; hold < min {
		hold = min
	}
	return hold
}

// KeyLifecycleTick advances the zone's keys one step. The action list is
// built under the registry lock; the actions themselves (which mutate
// the zone, commit, and may do network I/O for the parent DS probe) run
// after release.
func (zd *ZoneData) KeyLifecycleTick(kdb *KeyDB, now time.Time) error {
	kr := zd.Keys
	dnskeyTTL := time.Duration(kr.DnskeyTTL) * time.Second

	kr.mu.Lock()
	var actions []keyAction
	for _, pkc := range kr.Keys {
		switch pkc.State {
		case KeyStatePublished:
			// the pre-publication DNSKEY RRset has expired from caches
			if now.Sub(pkc.StateChanged) > dnskeyTTL {
				actions = append(actions, keyAction{actionMakeReady, pkc})
			}
		case KeyStateReady:
			if pkc.KeyType == KeyTypeZsk {
				actions = append(actions, keyAction{actionActivate, pkc})
			} else {
				actions = append(actions, keyAction{actionCheckDs, pkc})
			}
		case KeyStateActive:
			if pkc.Retiring {
				actions = append(actions, keyAction{actionRetire, pkc})
			} else if pkc.KeyType == KeyTypeZsk && pkc.RolloverDays > 0 &&
				now.Sub(pkc.StateChanged) > time.Duration(pkc.RolloverDays)*24*time.Hour {
				actions = append(actions, keyAction{actionRollover, pkc})
			}
		case KeyStateRetired:
			if now.Sub(pkc.StateChanged) > dnskeyTTL {
				if pkc.KeyType == KeyTypeKsk {
					actions = append(actions, keyAction{actionRevoke, pkc})
				} else {
					actions = append(actions, keyAction{actionRemove, pkc})
				}
			}
		case KeyStateRevoked:
			if now.Sub(pkc.StateChanged) > revokedHold(kr.DnskeyTTL) {
				actions = append(actions, keyAction{actionRemove, pkc})
			}
		}
	}
	kr.mu.Unlock()

	for _, act := range actions {
		var err error
		switch act.kind {
		case actionMakeReady:
			err = zd.transitionKey(kdb, act.pkc, KeyStateReady)
		case actionActivate:
			err = zd.activateKey(kdb, act.pkc)
		case actionCheckDs:
			err = zd.checkParentDs(kdb, act.pkc)
		case actionRetire:
			err = zd.retireKey(kdb, act.pkc)
		case actionRevoke:
			err = zd.revokeKey(kdb, act.pkc)
		case actionRemove:
			err = zd.removeKey(kdb, act.pkc)
		case actionRollover:
			err = zd.RolloverKey(kdb, act.pkc.KeyTag())
		}
		if err != nil {
			log.Printf("KeyLifecycleTick: zone %s: key %d: %v", zd.ZoneName, act.pkc.KeyTag(), err)
		}
	}

	// periodic signature refresh sweep
	validity := time.Duration(zd.SignatureValidity()) * time.Second
	if now.Sub(kr.LastRefreshCheck) > validity/10 {
		kr.LastRefreshCheck = now
		added, deleted, err := zd.reconcileSignatures(false, now)
		if err != nil {
			log.Printf("KeyLifecycleTick: zone %s: signature refresh error: %v", zd.ZoneName, err)
		} else if len(added)+len(deleted) > 0 {
			log.Printf("KeyLifecycleTick: zone %s: refreshed %d RRSIGs", zd.ZoneName, len(added))
			if err := zd.CommitZone(deleted, added); err != nil {
				return err
			}
		}
	}

	return nil
}

// transitionKey moves pkc to a new state, persists it, and commits so
// the serial records the transition.
func (zd *ZoneData) transitionKey(kdb *KeyDB, pkc *PrivateKeyCache, state KeyState) error {
	log.Printf("transitionKey: zone %s: key %d (%s): %s -> %s", zd.ZoneName, pkc.KeyTag(),
		KeyTypeToString[pkc.KeyType], KeyStateToString[pkc.State], KeyStateToString[state])
	pkc.State = state
	pkc.StateChanged = time.Now()
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
			return err
		}
	}
	return zd.CommitZone(nil, nil)
}

// activateKey moves a Ready key to Active and reconciles signatures so
// the newly eligible key signs the zone.
func (zd *ZoneData) activateKey(kdb *KeyDB, pkc *PrivateKeyCache) error {
	pkc.State = KeyStateActive
	pkc.StateChanged = time.Now()
	log.Printf("activateKey: zone %s: key %d (%s) is now Active", zd.ZoneName, pkc.KeyTag(), KeyTypeToString[pkc.KeyType])
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
			return err
		}
	}
	added, deleted, err := zd.reconcileSignatures(false, time.Now())
	if err != nil {
		return err
	}
	return zd.CommitZone(deleted, added)
}

// checkParentDs probes the parent for a DS matching the Ready KSK; when
// found the key activates. The probe runs outside all zone locks.
func (zd *ZoneData) checkParentDs(kdb *KeyDB, pkc *PrivateKeyCache) error {
	resolver := viper.GetString("resolver.address")
	if resolver == "" {
		resolver = Globals.IMR
	}
	tags, err := LookupParentDsTags(zd.ZoneName, resolver)
	if err != nil {
		log.Printf("checkParentDs: zone %s: DS lookup failed (will retry next tick): %v", zd.ZoneName, err)
		return nil
	}
	if !tags[pkc.KeyTag()] {
		if zd.Verbose {
			log.Printf("checkParentDs: zone %s: parent DS does not yet include key %d", zd.ZoneName, pkc.KeyTag())
		}
		return nil
	}
	return zd.activateKey(kdb, pkc)
}

// LookupParentDsTags queries the parent (via the configured resolver)
// for the zone's DS RRset and returns the key tags it contains.
func LookupParentDsTags(zone, resolver string) (map[uint16]bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zone), dns.TypeDS)
	m.SetEdns0(4096, true)

	client := dns.Client{Timeout: 5 * time.Second}
	res, _, err := client.Exchange(m, resolver)
	if err != nil {
		return nil, err
	}

	tags := map[uint16]bool{}
	for _, rr := range res.Answer {
		if ds, ok := rr.(*dns.DS); ok {
			tags[ds.KeyTag] = true
		}
	}
	return tags, nil
}

// retireKey moves an Active key to Retired, refusing unless a safe
// successor exists.
func (zd *ZoneData) retireKey(kdb *KeyDB, pkc *PrivateKeyCache) error {
	if !zd.Keys.HasSafeSuccessor(pkc) {
		return zerr(ErrSuccessorMissing, zd.ZoneName,
			"key %d (%s) has no active successor", pkc.KeyTag(), KeyTypeToString[pkc.KeyType])
	}
	return zd.transitionKey(kdb, pkc, KeyStateRetired)
}

// revokeKey sets the RFC 5011 revoke bit on a retired KSK. The bit is
// part of the key tag, so the DNSKEY is re-published under its new tag
// and the registry re-indexed. The revoked key still signs the DNSKEY
// RRset until it is removed.
func (zd *ZoneData) revokeKey(kdb *KeyDB, pkc *PrivateKeyCache) error {
	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil || apex == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "zone has no apex")
	}

	oldTag := pkc.KeyTag()
	oldRR := dns.Copy(&pkc.DnskeyRR)

	var added, deleted []dns.RR
	if del := apex.RRtypes.DeleteRR(oldRR); del != nil {
		deleted = append(deleted, del)
	}

	pkc.Revoke()
	pkc.State = KeyStateRevoked
	pkc.StateChanged = time.Now()
	zd.Keys.Reindex()

	newRR := dns.Copy(&pkc.DnskeyRR)
	if _, err := apex.RRtypes.Add(newRR); err != nil {
		return err
	}
	added = append(added, newRR)

	log.Printf("revokeKey: zone %s: KSK %d revoked, re-keyed as %d", zd.ZoneName, oldTag, pkc.KeyTag())

	if kdb != nil {
		if err := kdb.DeleteKey(zd.ZoneName, oldTag); err != nil {
			log.Printf("revokeKey: zone %s: error dropping old key row %d: %v", zd.ZoneName, oldTag, err)
		}
		if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
			return err
		}
	}

	// the old tag's signatures are void; re-sign the DNSKEY RRset
	oldsigs, newsigs, err := zd.SignAndStoreRRset(zd.ZoneName, dns.TypeDNSKEY)
	if err != nil {
		return err
	}
	deleted = append(deleted, oldsigs...)
	added = append(added, newsigs...)

	return zd.CommitZone(deleted, added)
}

// removeKey unpublishes the DNSKEY (at least one must remain), deletes
// the key's remaining signatures, and drops the key from the registry
// and the store.
func (zd *ZoneData) removeKey(kdb *KeyDB, pkc *PrivateKeyCache) error {
	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil || apex == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "zone has no apex")
	}

	dnskeys, _ := apex.RRtypes.Get(dns.TypeDNSKEY)
	if len(dnskeys.RRs) <= 1 {
		return zerr(ErrInvalidOperation, zd.ZoneName, "cannot unpublish the last DNSKEY")
	}

	var added, deleted []dns.RR
	if del := apex.RRtypes.DeleteRR(dns.Copy(&pkc.DnskeyRR)); del != nil {
		deleted = append(deleted, del)
	}

	tag := pkc.KeyTag()
	pkc.State = KeyStateRemoved
	log.Printf("removeKey: zone %s: key %d (%s) removed", zd.ZoneName, tag, KeyTypeToString[pkc.KeyType])

	zd.Keys.Delete(tag)
	if kdb != nil {
		if err := kdb.DeleteKey(zd.ZoneName, tag); err != nil {
			log.Printf("removeKey: zone %s: error dropping key row %d: %v", zd.ZoneName, tag, err)
		}
	}

	// the departed key's signatures go with it
	a, d, err := zd.reconcileSignatures(false, time.Now())
	if err != nil {
		return err
	}
	added = append(added, a...)
	deleted = append(deleted, d...)

	return zd.CommitZone(deleted, added)
}

// reconcileSignatures walks every RRset and brings its signatures in
// line with the current key set: signatures from departed keys are
// dropped, signatures past half their validity are replaced, and missing
// signatures from eligible keys are added. force re-signs everything.
func (zd *ZoneData) reconcileSignatures(force bool, now time.Time) (added, deleted []dns.RR, err error) {
	if zd.DnssecStatus == DnssecUnsigned {
		return nil, nil, nil
	}

	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if rrtype == dns.TypeRRSIG {
				continue
			}
			if rrtype == dns.TypeNS && name != zd.ZoneName {
				continue
			}
			if zd.IsOccluded(name) {
				continue
			}
			rrset, ok := owner.RRtypes.Get(rrtype)
			if !ok || len(rrset.RRs) == 0 {
				continue
			}

			eligible := zd.eligibleKeys(rrtype)
			byTag := map[uint16]*PrivateKeyCache{}
			for _, key := range eligible {
				byTag[key.KeyTag()] = key
			}

			var kept []dns.RR
			var changed bool
			covered := map[uint16]bool{}
			for _, sig := range rrset.RRSIGs {
				rrsig := sig.(*dns.RRSIG)
				if _, ok := byTag[rrsig.KeyTag]; !ok {
					changed = true
					deleted = append(deleted, sig)
					continue
				}
				if force || NeedsRefresh(rrsig, now) {
					changed = true
					deleted = append(deleted, sig)
					continue
				}
				covered[rrsig.KeyTag] = true
				kept = append(kept, sig)
			}

			validity := zd.SignatureValidity()
			for tag, key := range byTag {
				if covered[tag] {
					continue
				}
				rrsig := new(dns.RRSIG)
				rrsig.Hdr = dns.RR_Header{
					Name:   name,
					Rrtype: dns.TypeRRSIG,
					Class:  dns.ClassINET,
					Ttl:    rrset.RRs[0].Header().Ttl,
				}
				rrsig.KeyTag = tag
				rrsig.Algorithm = key.Algorithm()
				rrsig.Inception, rrsig.Expiration = sigLifetime(now.UTC(), validity)
				rrsig.SignerName = zd.ZoneName
				if err := rrsig.Sign(key.CS, rrset.RRs); err != nil {
					return nil, nil, err
				}
				kept = append(kept, rrsig)
				added = append(added, rrsig)
				changed = true
			}

			if changed {
				owner.RRtypes.SetRRSIGs(rrtype, kept)
			}
		}
	}
	return added, deleted, nil
}
