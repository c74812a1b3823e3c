package ixfr

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// History is the change log of one zone: an ordered list of diff
// sequences, oldest first. It backs incremental zone transfers and is
// pruned against a retention bound.
type History struct {
	mu          sync.Mutex
	FirstSerial uint32 // serial of the zone before the oldest retained sequence
	Seqs        []DiffSequence
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Append(ds DiffSequence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Seqs) == 0 {
		h.FirstSerial = ds.StartSOASerial
	}
	h.Seqs = append(h.Seqs, ds)
}

func (h *History) Length() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Seqs)
}

// Snapshot returns a copy of the retained sequences, oldest first.
func (h *History) Snapshot() []DiffSequence {
	h.mu.Lock()
	defer h.mu.Unlock()
	seqs := make([]DiffSequence, len(h.Seqs))
	copy(seqs, h.Seqs)
	return seqs
}

// Since returns the sequences needed to move a secondary from serial to
// the current zone. The bool is false when serial predates the retained
// history and the secondary must fall back to AXFR.
func (h *History) Since(serial uint32) ([]DiffSequence, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ds := range h.Seqs {
		if ds.StartSOASerial == serial {
			out := make([]DiffSequence, len(h.Seqs)-i)
			copy(out, h.Seqs[i:])
			return out, true
		}
	}
	return nil, false
}

// Prune drops sequences whose deletion stamp is older than the retention
// bound. Returns the number of sequences removed.
func (h *History) Prune(retention time.Duration, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-retention)
	var keep int
	for keep < len(h.Seqs) && h.Seqs[keep].DeletedAt.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return 0
	}
	h.FirstSerial = h.Seqs[keep-1].EndSOASerial
	h.Seqs = append([]DiffSequence{}, h.Seqs[keep:]...)
	return keep
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Seqs = nil
	h.FirstSerial = 0
}

// Replay applies the retained sequences, oldest first, to the record set
// of the zone as it stood at FirstSerial and returns the resulting
// records keyed by owner+type+rdata string.
func Replay(base []dns.RR, seqs []DiffSequence) map[string]dns.RR {
	state := map[string]dns.RR{}
	for _, rr := range base {
		state[rrKey(rr)] = rr
	}
	for _, ds := range seqs {
		for _, rr := range ds.DeletedRecords {
			delete(state, rrKey(rr))
		}
		for _, rr := range ds.AddedRecords {
			state[rrKey(rr)] = rr
		}
	}
	return state
}

func rrKey(rr dns.RR) string {
	c := dns.Copy(rr)
	c.Header().Ttl = 0
	return c.String()
}
