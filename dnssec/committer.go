/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"log"
	"math"
	"time"

	"github.com/miekg/dns"

	"github.com/agneevX/technitium-dns/dnssec/ixfr"
)

// NextSerial increments a SOA serial with serial-number arithmetic; the
// wrap skips 0.
func NextSerial(serial uint32) uint32 {
	if serial == math.MaxUint32 {
		return 1
	}
	return serial + 1
}

// historyRetention is how long committed diff sequences stay replayable:
// twice the SOA expire interval plus the largest TTL the zone has ever
// carried, with a one week floor.
func (zd *ZoneData) historyRetention() time.Duration {
	soa, err := zd.GetSOA()
	var bound time.Duration
	if err == nil {
		bound = time.Duration(2*soa.Expire+zd.MaxTTLSeen) * time.Second
	}
	if floor := 7 * 24 * time.Hour; bound < floor {
		bound = floor
	}
	return bound
}

// CommitZone finishes a mutation batch: the SOA serial is bumped (wrap
// to 1), the SOA re-signed in a signed zone, the batch appended to the
// IXFR history in canonical order and old history pruned. Internal zones
// keep no history and never bump the serial. The persistence callback
// and the notify dispatcher run on every non-internal commit.
func (zd *ZoneData) CommitZone(deleted, added []dns.RR) error {
	now := time.Now()

	for _, rr := range added {
		if ttl := rr.Header().Ttl; ttl > zd.MaxTTLSeen {
			zd.MaxTTLSeen = ttl
		}
	}

	if zd.Internal {
		if zd.SaveZone != nil {
			zd.SaveZone(zd.ZoneName)
		}
		return nil
	}

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil || apex == nil {
		return zerr(ErrInvalidOperation, zd.ZoneName, "zone has no apex")
	}
	soaRRset, ok := apex.RRtypes.Get(dns.TypeSOA)
	if !ok || len(soaRRset.RRs) == 0 {
		return zerr(ErrInvalidOperation, zd.ZoneName, "zone has no SOA")
	}

	zd.mu.Lock()
	oldSoa := dns.Copy(soaRRset.RRs[0])
	oldSerial := oldSoa.(*dns.SOA).Serial
	newSerial := NextSerial(oldSerial)
	zd.CurrentSerial = newSerial
	zd.mu.Unlock()

	newSoa := dns.Copy(oldSoa).(*dns.SOA)
	newSoa.Serial = newSerial
	oldSoaSigs := soaRRset.RRSIGs
	if _, err := apex.RRtypes.Set(dns.TypeSOA, RRset{Name: zd.ZoneName, RRtype: dns.TypeSOA, RRs: []dns.RR{newSoa}}); err != nil {
		return err
	}

	var newSoaSigs []dns.RR
	if zd.DnssecStatus != DnssecUnsigned {
		_, newSoaSigs, err = zd.SignAndStoreRRset(zd.ZoneName, dns.TypeSOA)
		if err != nil {
			log.Printf("CommitZone: zone %s: failed to re-sign SOA: %v", zd.ZoneName, err)
			return err
		}
	}

	// IXFR canonical order: old SOA, deletes, deleted RRSIGs, new SOA,
	// adds, added RRSIGs. NS rows carry no glue; a glue record appears
	// only when it is itself part of the batch.
	ds := ixfr.CreateDiffSequence(oldSerial, newSerial)
	ds.DeletedAt = now

	ds.DeletedRecords = append(ds.DeletedRecords, oldSoa)
	ds.DeletedRecords = append(ds.DeletedRecords, splitSigs(deleted, false)...)
	ds.DeletedRecords = append(ds.DeletedRecords, oldSoaSigs...)
	ds.DeletedRecords = append(ds.DeletedRecords, splitSigs(deleted, true)...)

	ds.AddedRecords = append(ds.AddedRecords, newSoa)
	ds.AddedRecords = append(ds.AddedRecords, splitSigs(added, false)...)
	ds.AddedRecords = append(ds.AddedRecords, newSoaSigs...)
	ds.AddedRecords = append(ds.AddedRecords, splitSigs(added, true)...)

	zd.History.Append(ds)
	if pruned := zd.History.Prune(zd.historyRetention(), now); pruned > 0 && zd.Verbose {
		log.Printf("CommitZone: zone %s: pruned %d history entries", zd.ZoneName, pruned)
	}

	if zd.SaveZone != nil {
		zd.SaveZone(zd.ZoneName)
	}

	zd.TriggerNotify()
	return nil
}

// splitSigs partitions a record batch: sigs=false returns the non-RRSIG
// records, sigs=true the RRSIGs.
func splitSigs(rrs []dns.RR, sigs bool) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if (rr.Header().Rrtype == dns.TypeRRSIG) == sigs {
			out = append(out, rr)
		}
	}
	return out
}
