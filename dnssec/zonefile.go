/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/miekg/dns"
)

// WriteFile dumps the zone in presentation format, SOA first, owners in
// canonical order. Used as the default persistence callback after each
// commit.
func (zd *ZoneData) WriteFile(filename string) (string, error) {
	f, err := os.Create(filename)
	if err != nil {
		return filename, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	soaRRset, err := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if err == nil && soaRRset != nil {
		for _, rr := range soaRRset.RRs {
			fmt.Fprintf(w, "%s\n", rr.String())
		}
		for _, sig := range soaRRset.RRSIGs {
			fmt.Fprintf(w, "%s\n", sig.String())
		}
	}

	for _, name := range zd.OwnerNamesCanonical() {
		owner, _ := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if name == zd.ZoneName && rrtype == dns.TypeSOA {
				continue
			}
			rrset, _ := owner.RRtypes.Get(rrtype)
			for _, rr := range rrset.RRs {
				fmt.Fprintf(w, "%s\n", rr.String())
			}
			for _, sig := range rrset.RRSIGs {
				fmt.Fprintf(w, "%s\n", sig.String())
			}
		}
	}
	return filename, nil
}

// fileSaver returns a persistence callback writing the zone to the
// given file on every commit.
func fileSaver(zd *ZoneData, filename string) func(apex string) {
	return func(apex string) {
		if _, err := zd.WriteFile(filename); err != nil {
			log.Printf("SaveZone: zone %s: error writing %s: %v", apex, filename, err)
		}
	}
}
