/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"log"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// DnsEngine serves authoritative queries (plus inbound NOTIFY acks and
// outbound zone transfers) on the configured addresses, UDP and TCP.
func DnsEngine(conf *Config) error {
	addresses := conf.DnsEngine.Addresses

	dns.HandleFunc(".", createDnsHandler(conf))

	log.Printf("DnsEngine: addresses: %v", addresses)
	for _, addr := range addresses {
		for _, net := range []string{"udp", "tcp"} {
			go func(addr, net string) {
				log.Printf("DnsEngine: serving on %s (%s)", addr, net)
				server := &dns.Server{
					Addr:          addr,
					Net:           net,
					MsgAcceptFunc: MsgAcceptFunc,
				}
				if err := server.ListenAndServe(); err != nil {
					log.Printf("Failed to setup the %s server on %s: %v", net, addr, err)
				} else {
					log.Printf("DnsEngine: listening on %s/%s", addr, net)
				}
			}(addr, net)
		}
	}
	return nil
}

// MsgAcceptFunc also accepts NOTIFY messages, which the default
// acceptance function in the dns library rejects.
func MsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	opcode := int(dh.Bits>>11) & 0xF
	if opcode == dns.OpcodeNotify || opcode == dns.OpcodeQuery {
		return dns.MsgAccept
	}
	return dns.MsgRejectNotImplemented
}

func createDnsHandler(conf *Config) func(w dns.ResponseWriter, r *dns.Msg) {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if len(r.Question) != 1 {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeFormatError)
			w.WriteMsg(m)
			return
		}
		q := r.Question[0]

		switch r.Opcode {
		case dns.OpcodeNotify:
			// we are the primary; acknowledge and move on
			log.Printf("DnsEngine: received NOTIFY(%s) from %s", q.Name, w.RemoteAddr())
			m := new(dns.Msg)
			m.SetReply(r)
			w.WriteMsg(m)
			return

		case dns.OpcodeQuery:
			zd := FindZone(q.Name)
			if zd == nil || zd.Disabled {
				m := new(dns.Msg)
				m.SetRcode(r, dns.RcodeRefused)
				w.WriteMsg(m)
				return
			}

			switch q.Qtype {
			case dns.TypeAXFR, dns.TypeIXFR:
				zd.ZoneTransferOut(w, r)
				return
			}

			dnssecOK := false
			if opt := r.IsEdns0(); opt != nil {
				dnssecOK = opt.Do()
			}

			resp := zd.GetAuthoritativeResponse(q, dnssecOK)
			m := new(dns.Msg)
			m.SetRcode(r, resp.Rcode)
			m.Authoritative = true
			m.Answer = resp.Answer
			m.Ns = resp.Authority
			m.Extra = resp.Glue
			if opt := r.IsEdns0(); opt != nil {
				udpsize := viper.GetUint("dnsengine.udpsize")
				if udpsize == 0 {
					udpsize = 1232
				}
				m.SetEdns0(uint16(udpsize), dnssecOK)
			}
			w.WriteMsg(m)

		default:
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotImplemented)
			w.WriteMsg(m)
		}
	}
}

// ZoneTransferOut answers AXFR (full zone) and IXFR (diff sequences
// since the serial in the client's SOA, falling back to AXFR when the
// history no longer reaches back that far).
func (zd *ZoneData) ZoneTransferOut(w dns.ResponseWriter, r *dns.Msg) {
	q := r.Question[0]

	soaRRset, err := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if err != nil || soaRRset == nil || len(soaRRset.RRs) == 0 {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		w.WriteMsg(m)
		return
	}
	soa := soaRRset.RRs[0]

	var answer []dns.RR

	if q.Qtype == dns.TypeIXFR && len(r.Ns) == 1 {
		if clientSoa, ok := r.Ns[0].(*dns.SOA); ok {
			if seqs, ok := zd.History.Since(clientSoa.Serial); ok {
				answer = append(answer, soa)
				for _, ds := range seqs {
					answer = append(answer, ds.DeletedRecords...)
					answer = append(answer, ds.AddedRecords...)
				}
				answer = append(answer, soa)
				zd.writeTransfer(w, r, answer)
				return
			}
			log.Printf("ZoneTransferOut: zone %s: no history from serial %d, answering with AXFR",
				zd.ZoneName, clientSoa.Serial)
		}
	}

	// AXFR: SOA, everything else, SOA
	answer = append(answer, soa)
	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, t := range owner.RRtypes.Keys() {
			if t == dns.TypeSOA {
				continue
			}
			rrset, _ := owner.RRtypes.Get(t)
			answer = append(answer, rrset.RRs...)
			answer = append(answer, rrset.RRSIGs...)
		}
	}
	if rrset, _ := zd.GetRRset(zd.ZoneName, dns.TypeSOA); rrset != nil {
		answer = append(answer, rrset.RRSIGs...)
	}
	answer = append(answer, soa)
	zd.writeTransfer(w, r, answer)
}

func (zd *ZoneData) writeTransfer(w dns.ResponseWriter, r *dns.Msg, answer []dns.RR) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Answer = answer
	if err := w.WriteMsg(m); err != nil {
		log.Printf("ZoneTransferOut: zone %s: error writing transfer: %v", zd.ZoneName, err)
	}
}
