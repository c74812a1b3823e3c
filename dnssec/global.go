/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Zones is the process-wide zone tree: every authoritative zone served
// by this instance, keyed by apex name. Queries read it concurrently
// with the mutation path.
var Zones = cmap.New[*ZoneData]()

type GlobalStuff struct {
	IMR       string // address of the resolver used for parent DS probes
	Verbose   bool
	Debug     bool
	App       string
	AppVersion string
}

var Globals = GlobalStuff{
	IMR: "8.8.8.8:53",
}
