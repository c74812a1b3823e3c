/*
 * Copyright (c) Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	notifyCoalesceDelay = 10 * time.Second
	notifyTimeout       = 10 * time.Second
	notifyRetries       = 5
)

type NotifyRequest struct {
	ZoneName string
	ZoneData *ZoneData
	Serial   uint32
	Targets  []string // []addr:port
	Response chan NotifyResponse
}

type NotifyResponse struct {
	Msg      string
	Rcode    int
	Error    bool
	ErrorMsg string
}

// NotifierEngine drains the notify queue. Triggers for a zone are
// coalesced: the first one arms a 10 second timer, further triggers
// while armed are ignored. On fire, each target gets at most one
// in-flight NOTIFY; the in-flight set is shared across zones.
func NotifierEngine(ctx context.Context, notifyreqQ chan NotifyRequest) error {

	log.Printf("*** NotifierEngine: starting")

	var mu sync.Mutex // guards armed and inflight
	armed := map[string]bool{}
	inflight := map[string]bool{}

	fire := func(nr NotifyRequest) {
		zd := nr.ZoneData

		mu.Lock()
		delete(armed, nr.ZoneName)
		var targets []string
		for _, dst := range nr.Targets {
			if inflight[dst] {
				continue
			}
			inflight[dst] = true
			targets = append(targets, dst)
		}
		mu.Unlock()

		for _, dst := range targets {
			go func(dst string) {
				defer func() {
					mu.Lock()
					delete(inflight, dst)
					mu.Unlock()
				}()
				rcode, err := zd.SendNotify(dst)
				if err != nil {
					log.Printf("NotifierEngine: zone %q: NOTIFY to %q failed: %v", zd.ZoneName, dst, err)
					return
				}
				log.Printf("NotifierEngine: zone %q: NOTIFY to %q done (rcode %s)",
					zd.ZoneName, dst, dns.RcodeToString[rcode])
			}(dst)
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("NotifierEngine: terminating due to context cancelled")
			return nil
		case nr, ok := <-notifyreqQ:
			if !ok {
				log.Println("NotifierEngine: terminating due to notifyreqQ closed")
				return nil
			}

			mu.Lock()
			already := armed[nr.ZoneName]
			if !already {
				armed[nr.ZoneName] = true
			}
			mu.Unlock()

			if already {
				continue // a NOTIFY for this zone is already pending
			}

			time.AfterFunc(notifyCoalesceDelay, func() {
				select {
				case <-ctx.Done():
				default:
					fire(nr)
				}
			})

			if nr.Response != nil {
				nr.Response <- NotifyResponse{Msg: "queued", Rcode: dns.RcodeSuccess}
			}
		}
	}
}

// NotifyTargets computes the targets for this zone: the name servers
// from the NS RRset minus the primary from the SOA, or the
// admin-specified list.
func (zd *ZoneData) NotifyTargets() []string {
	if zd.NotifyPolicy == NotifySpecifiedServers {
		return zd.NotifyList
	}

	soa, err := zd.GetSOA()
	if err != nil {
		return nil
	}
	nsrrset, err := zd.GetRRset(zd.ZoneName, dns.TypeNS)
	if err != nil || nsrrset == nil {
		return nil
	}

	var targets []string
	for _, rr := range nsrrset.RRs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		if ns.Ns == soa.Ns {
			continue // the primary does not notify itself
		}
		targets = append(targets, net.JoinHostPort(ns.Ns, "53"))
	}
	return targets
}

// TriggerNotify queues a NOTIFY for the zone unless its policy or state
// forbids it. It never blocks the committer.
func (zd *ZoneData) TriggerNotify() {
	if zd.NotifyPolicy == NotifyNone || zd.Disabled || zd.Internal || zd.NotifyQ == nil {
		return
	}
	targets := zd.NotifyTargets()
	if len(targets) == 0 {
		return
	}
	select {
	case zd.NotifyQ <- NotifyRequest{
		ZoneName: zd.ZoneName,
		ZoneData: zd,
		Serial:   zd.CurrentSerial,
		Targets:  targets,
	}:
	default:
		log.Printf("TriggerNotify: zone %s: notify queue full, dropping trigger", zd.ZoneName)
	}
}

// SendNotify sends one NOTIFY datagram to dst: opcode NOTIFY, AA set,
// the apex SOA question and the current SOA in the answer section.
// NOERROR and NOTIMP count as delivered; anything else leads to another
// attempt, up to five attempts in all.
func (zd *ZoneData) SendNotify(dst string) (int, error) {
	m := new(dns.Msg)
	m.SetNotify(zd.ZoneName)
	m.Authoritative = true

	soaRRset, err := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if err == nil && soaRRset != nil && len(soaRRset.RRs) > 0 {
		m.Answer = []dns.RR{soaRRset.RRs[0]}
	}

	client := dns.Client{Timeout: notifyTimeout}

	var lasterr error
	for attempt := 1; attempt <= notifyRetries; attempt++ {
		res, _, err := client.Exchange(m, dst)
		if err != nil {
			lasterr = err
			if zd.Verbose {
				log.Printf("SendNotify: zone %q: attempt %d/%d to %q failed: %v",
					zd.ZoneName, attempt, notifyRetries, dst, err)
			}
			continue
		}
		switch res.Rcode {
		case dns.RcodeSuccess, dns.RcodeNotImplemented:
			return res.Rcode, nil
		default:
			lasterr = zerr(ErrInvalidOperation, zd.ZoneName, "NOTIFY to %s answered %s", dst, dns.RcodeToString[res.Rcode])
		}
	}
	return dns.RcodeServerFailure, lasterr
}
