/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"strings"

	"github.com/miekg/dns"
)

// AuthResponse is the authoritative answer to one question: the answer
// section, the authority section (SOA and denial proofs for negative
// answers) and the rcode.
type AuthResponse struct {
	Rcode     int
	Answer    []dns.RR
	Authority []dns.RR
	Glue      []dns.RR
}

// GetAuthoritativeResponse answers a question from the zone. With the DO
// bit set, RRSIGs accompany positive answers and NSEC/NSEC3 proofs
// accompany negative ones. The response reflects one committed snapshot
// of each RRset touched.
func (zd *ZoneData) GetAuthoritativeResponse(q dns.Question, dnssecOK bool) *AuthResponse {
	qname := strings.ToLower(dns.Fqdn(q.Name))
	resp := &AuthResponse{Rcode: dns.RcodeSuccess}

	owner, err := zd.GetOwner(qname)
	if err != nil {
		resp.Rcode = dns.RcodeRefused
		return resp
	}

	if owner == nil {
		resp.Rcode = dns.RcodeNameError
		zd.addNegativeProof(resp, qname, dnssecOK)
		return resp
	}

	// a delegation answer takes precedence over everything but DS
	if zd.IsChildDelegation(qname) && q.Qtype != dns.TypeDS {
		ns, _ := owner.RRtypes.Get(dns.TypeNS)
		resp.Authority = append(resp.Authority, ns.RRs...)
		resp.Glue = append(resp.Glue, zd.GlueFor(ns.RRs)...)
		return resp
	}

	rrset, ok := owner.RRtypes.Get(q.Qtype)
	if !ok || len(rrset.RRs) == 0 {
		// CNAME at the owner answers any type
		if cname, ok := owner.RRtypes.Get(dns.TypeCNAME); ok && len(cname.RRs) > 0 {
			resp.Answer = append(resp.Answer, cname.RRs...)
			if dnssecOK {
				resp.Answer = append(resp.Answer, cname.RRSIGs...)
			}
			return resp
		}
		// NODATA
		zd.addNegativeProof(resp, qname, dnssecOK)
		return resp
	}

	resp.Answer = append(resp.Answer, rrset.RRs...)
	if dnssecOK {
		resp.Answer = append(resp.Answer, rrset.RRSIGs...)
	}
	return resp
}

// addNegativeProof attaches the apex SOA plus, in a signed zone, the
// denial records proving the negative answer.
func (zd *ZoneData) addNegativeProof(resp *AuthResponse, qname string, dnssecOK bool) {
	soaRRset, err := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if err == nil && soaRRset != nil {
		resp.Authority = append(resp.Authority, soaRRset.RRs...)
		if dnssecOK {
			resp.Authority = append(resp.Authority, soaRRset.RRSIGs...)
		}
	}

	if !dnssecOK || zd.DnssecStatus == DnssecUnsigned {
		return
	}

	switch zd.DnssecStatus {
	case DnssecSignedWithNsec:
		// the NSEC covering qname lives at its canonical predecessor
		cover := zd.PrevOwner(qname)
		if zd.OwnerExists(qname) {
			cover = qname
		}
		zd.appendDenial(resp, cover, dns.TypeNSEC)
		if cover != zd.ZoneName {
			// the apex NSEC doubles as the wildcard proof
			zd.appendDenial(resp, zd.ZoneName, dns.TypeNSEC)
		}

	case DnssecSignedWithNsec3:
		// closest-encloser chain: hashed nodes covering qname and its
		// nearest existing ancestor
		h := zd.hashedOwner(qname, zd.Nsec3Iterations, zd.Nsec3Salt)
		ring := zd.nsec3Ring()
		if len(ring) == 0 {
			return
		}
		cover := h
		if !zd.OwnerExists(h) {
			// predecessor in hash order covers the hashed name
			idx := len(ring) - 1
			for i, member := range ring {
				if member < h {
					idx = i
				}
			}
			cover = ring[idx]
		}
		zd.appendDenial(resp, cover, dns.TypeNSEC3)

		ce := zd.closestEncloser(qname)
		ceHash := zd.hashedOwner(ce, zd.Nsec3Iterations, zd.Nsec3Salt)
		if ceHash != cover {
			zd.appendDenial(resp, ceHash, dns.TypeNSEC3)
		}
	}
}

func (zd *ZoneData) appendDenial(resp *AuthResponse, name string, rrtype uint16) {
	rrset, err := zd.GetRRset(name, rrtype)
	if err != nil || rrset == nil {
		return
	}
	resp.Authority = append(resp.Authority, rrset.RRs...)
	resp.Authority = append(resp.Authority, rrset.RRSIGs...)
}

// closestEncloser finds the longest existing ancestor of qname.
func (zd *ZoneData) closestEncloser(qname string) string {
	name := dns.Fqdn(qname)
	for {
		if zd.OwnerExists(name) {
			return name
		}
		if name == zd.ZoneName {
			return zd.ZoneName
		}
		idx := strings.Index(name, ".")
		if idx < 0 || idx+1 >= len(name) {
			return zd.ZoneName
		}
		name = name[idx+1:]
	}
}
