package ixfr

import (
	"time"

	"github.com/miekg/dns"
)

// DiffSequence is one committed change to a zone: the serial pair plus
// the deleted and added records, in IXFR canonical order (the old SOA
// leads the deleted side, the new SOA the added side). DeletedAt stamps
// the moment the old records left the zone and drives retention pruning.
type DiffSequence struct {
	StartSOASerial uint32
	EndSOASerial   uint32
	DeletedAt      time.Time
	AddedRecords   []dns.RR
	DeletedRecords []dns.RR
}

func CreateDiffSequence(soaStart, soaEnd uint32) DiffSequence {
	return DiffSequence{
		StartSOASerial: soaStart,
		EndSOASerial:   soaEnd,
		AddedRecords:   []dns.RR{},
		DeletedRecords: []dns.RR{},
	}
}
