package dnssec

import (
	"testing"

	"github.com/miekg/dns"
)

func TestAuthoritativePositiveAnswer(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	q := dns.Question{Name: "ns1.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	resp := zd.GetAuthoritativeResponse(q, false)
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
		t.Fatalf("plain answer: rcode=%d answers=%d", resp.Rcode, len(resp.Answer))
	}

	resp = zd.GetAuthoritativeResponse(q, true)
	var haveSig bool
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype == dns.TypeRRSIG {
			haveSig = true
		}
	}
	if !haveSig {
		t.Errorf("DO bit set: the answer must include the covering RRSIG")
	}
}

func TestAuthoritativeNxdomainProof(t *testing.T) {
	zd := newTestZone(t)
	signTestZone(t, zd)

	q := dns.Question{Name: "missing.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp := zd.GetAuthoritativeResponse(q, true)

	if resp.Rcode != dns.RcodeNameError {
		t.Fatalf("rcode = %d, want NXDOMAIN", resp.Rcode)
	}
	var haveSoa, haveNsec bool
	for _, rr := range resp.Authority {
		switch rr.Header().Rrtype {
		case dns.TypeSOA:
			haveSoa = true
		case dns.TypeNSEC:
			haveNsec = true
		}
	}
	if !haveSoa || !haveNsec {
		t.Errorf("negative answer needs SOA and NSEC proof, got soa=%t nsec=%t", haveSoa, haveNsec)
	}
}

func TestAuthoritativeNodata(t *testing.T) {
	zd := newTestZone(t)

	q := dns.Question{Name: "ns1.example.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}
	resp := zd.GetAuthoritativeResponse(q, false)

	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
		t.Fatalf("NODATA: rcode=%d answers=%d", resp.Rcode, len(resp.Answer))
	}
	if len(resp.Authority) == 0 || resp.Authority[0].Header().Rrtype != dns.TypeSOA {
		t.Errorf("NODATA must carry the apex SOA in the authority section")
	}
}

func TestAuthoritativeDelegation(t *testing.T) {
	zd := newTestZone(t,
		"child.example. 900 IN NS ns.child.example.",
		"ns.child.example. 300 IN A 192.0.2.53",
	)

	q := dns.Question{Name: "child.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp := zd.GetAuthoritativeResponse(q, false)

	if len(resp.Answer) != 0 {
		t.Errorf("a delegation answer has an empty answer section")
	}
	if len(resp.Authority) != 1 || resp.Authority[0].Header().Rrtype != dns.TypeNS {
		t.Fatalf("delegation must answer with the NS RRset, got %v", resp.Authority)
	}
	if len(resp.Glue) != 1 {
		t.Errorf("in-bailiwick glue must ride along, got %d", len(resp.Glue))
	}
}
