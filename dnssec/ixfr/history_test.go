package ixfr

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func parseRRs(t *testing.T, rrs ...string) []dns.RR {
	t.Helper()
	out := make([]dns.RR, len(rrs))
	for i, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			t.Fatalf("could not parse %q: %v", s, err)
		}
		out[i] = rr
	}
	return out
}

// seq builds a diff sequence the way the committer does: raw appends to
// the deleted and added sides.
func seq(t *testing.T, from, to uint32, deleted, added []string) DiffSequence {
	t.Helper()
	ds := CreateDiffSequence(from, to)
	ds.DeletedRecords = parseRRs(t, deleted...)
	ds.AddedRecords = parseRRs(t, added...)
	return ds
}

func TestHistoryAppendAndSince(t *testing.T) {
	h := NewHistory()
	now := time.Now()

	for _, ds := range []DiffSequence{
		seq(t, 1, 2,
			[]string{"example. 900 IN SOA ns1.example. hostmaster.example. 1 900 300 604800 900"},
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 2 900 300 604800 900",
				"www.example. 300 IN A 192.0.2.2",
			}),
		seq(t, 2, 3,
			[]string{"example. 900 IN SOA ns1.example. hostmaster.example. 2 900 300 604800 900"},
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 3 900 300 604800 900",
				"mail.example. 300 IN A 192.0.2.3",
			}),
		seq(t, 3, 4,
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 3 900 300 604800 900",
				"www.example. 300 IN A 192.0.2.2",
			},
			[]string{"example. 900 IN SOA ns1.example. hostmaster.example. 4 900 300 604800 900"}),
	} {
		ds.DeletedAt = now
		h.Append(ds)
	}

	if h.FirstSerial != 1 {
		t.Errorf("FirstSerial = %d, want 1", h.FirstSerial)
	}

	seqs, ok := h.Since(2)
	if !ok || len(seqs) != 2 {
		t.Fatalf("Since(2): ok=%t len=%d, want 2 sequences", ok, len(seqs))
	}
	if seqs[0].StartSOASerial != 2 || seqs[1].EndSOASerial != 4 {
		t.Errorf("Since(2) returned wrong window: %+v", seqs)
	}

	if _, ok := h.Since(99); ok {
		t.Errorf("Since(unknown serial) must report a miss")
	}
}

func TestHistoryPrune(t *testing.T) {
	h := NewHistory()
	now := time.Now()

	for i, age := range []time.Duration{48 * time.Hour, 24 * time.Hour, 0} {
		ds := CreateDiffSequence(uint32(i+1), uint32(i+2))
		ds.DeletedAt = now.Add(-age)
		h.Append(ds)
	}

	pruned := h.Prune(30*time.Hour, now)
	if pruned != 1 {
		t.Fatalf("pruned %d sequences, want 1", pruned)
	}
	if h.FirstSerial != 2 {
		t.Errorf("FirstSerial after prune = %d, want 2", h.FirstSerial)
	}
	if h.Length() != 2 {
		t.Errorf("length after prune = %d, want 2", h.Length())
	}

	// a second prune with the same bound is a no-op
	if pruned := h.Prune(30*time.Hour, now); pruned != 0 {
		t.Errorf("second prune removed %d sequences", pruned)
	}
}

// Replaying the retained sequences over the base record set applies
// adds, deletes and in-place changes in order.
func TestHistoryReplay(t *testing.T) {
	base := parseRRs(t,
		"example. 900 IN SOA ns1.example. hostmaster.example. 1 900 300 604800 900",
		"ns1.example. 300 IN A 192.0.2.1",
		"www.example. 300 IN A 192.0.2.2",
	)

	seqs := []DiffSequence{
		seq(t, 1, 2,
			[]string{"example. 900 IN SOA ns1.example. hostmaster.example. 1 900 300 604800 900"},
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 2 900 300 604800 900",
				"mail.example. 300 IN A 192.0.2.3",
			}),
		seq(t, 2, 3,
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 2 900 300 604800 900",
				"www.example. 300 IN A 192.0.2.2",
			},
			[]string{
				"example. 900 IN SOA ns1.example. hostmaster.example. 3 900 300 604800 900",
				"www.example. 300 IN A 192.0.2.20",
			}),
	}

	state := Replay(base, seqs)

	want := parseRRs(t,
		"example. 900 IN SOA ns1.example. hostmaster.example. 3 900 300 604800 900",
		"ns1.example. 300 IN A 192.0.2.1",
		"www.example. 300 IN A 192.0.2.20",
		"mail.example. 300 IN A 192.0.2.3",
	)
	if len(state) != len(want) {
		t.Fatalf("replayed state holds %d records, want %d", len(state), len(want))
	}
	for _, rr := range want {
		if _, ok := state[rrKey(rr)]; !ok {
			t.Errorf("record missing after replay: %s", rr.String())
		}
	}
}

// A record deleted and re-added inside one sequence survives the replay:
// within a sequence deletes apply before adds, matching IXFR order.
func TestHistoryReplayDeleteThenAdd(t *testing.T) {
	base := parseRRs(t, "www.example. 300 IN A 192.0.2.2")

	ds := seq(t, 1, 2,
		[]string{"www.example. 300 IN A 192.0.2.2"},
		[]string{"www.example. 300 IN A 192.0.2.2"})

	state := Replay(base, []DiffSequence{ds})
	if len(state) != 1 {
		t.Fatalf("replayed state holds %d records, want 1", len(state))
	}
}
