/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RRTypeStore is the per-owner map from record type to RRset. All
// operations are atomic with respect to concurrent readers; mutators
// return the value they displaced so the committer can build history rows.
type RRTypeStore struct {
	data cmap.ConcurrentMap[uint16, RRset]
}

func NewRRTypeStore() *RRTypeStore {
	return &RRTypeStore{
		data: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
			return uint32(key)
		}),
	}
}

// ValidateRRset checks the RRset invariants: uniform TTL and class and
// no duplicate rdata.
func ValidateRRset(rrs []dns.RR) error {
	if len(rrs) == 0 {
		return nil
	}
	ttl := rrs[0].Header().Ttl
	class := rrs[0].Header().Class
	rrtype := rrs[0].Header().Rrtype
	name := rrs[0].Header().Name
	for i, rr := range rrs {
		h := rr.Header()
		if h.Ttl != ttl || h.Class != class || h.Rrtype != rrtype || h.Name != name {
			return ErrInvalidRRset
		}
		for _, prev := range rrs[:i] {
			if dns.IsDuplicate(prev, rr) {
				return ErrInvalidRRset
			}
		}
	}
	return nil
}

func (s *RRTypeStore) Get(key uint16) (RRset, bool) {
	return s.data.Get(key)
}

func (s *RRTypeStore) GetOnlyRRSet(key uint16) RRset {
	rrset, _ := s.data.Get(key)
	return rrset
}

// Set replaces the RRset for key and returns the records it displaced.
func (s *RRTypeStore) Set(key uint16, value RRset) ([]dns.RR, error) {
	if err := ValidateRRset(value.RRs); err != nil {
		return nil, err
	}
	var deleted []dns.RR
	s.data.Upsert(key, value, func(exist bool, old, nv RRset) RRset {
		if exist {
			deleted = old.RRs
		}
		return nv
	})
	return deleted, nil
}

// Add appends one record to the RRset for its type, ignoring duplicates.
// It returns whether the record was actually appended.
func (s *RRTypeStore) Add(rr dns.RR) (bool, error) {
	key := rr.Header().Rrtype
	var appended bool
	var verr error
	s.data.Upsert(key, RRset{}, func(exist bool, old, nv RRset) RRset {
		if !exist {
			appended = true
			return RRset{Name: rr.Header().Name, RRtype: key, RRs: []dns.RR{rr}}
		}
		for _, prev := range old.RRs {
			if dns.IsDuplicate(prev, rr) {
				return old
			}
		}
		if len(old.RRs) > 0 {
			h := old.RRs[0].Header()
			if h.Class != rr.Header().Class {
				verr = ErrInvalidRRset
				return old
			}
			// an added record adopts the RRset TTL
			rr.Header().Ttl = h.Ttl
		}
		old.RRs = append(old.RRs, rr)
		appended = true
		return old
	})
	if verr != nil {
		return false, verr
	}
	return appended, nil
}

// Delete removes the whole RRset for key and returns the deleted records.
func (s *RRTypeStore) Delete(key uint16) []dns.RR {
	old, existed := s.data.Pop(key)
	if !existed {
		return nil
	}
	return old.RRs
}

// DeleteRR removes one record (matched by rdata) from the RRset for its
// type. It returns the deleted record, or nil when no match was found.
func (s *RRTypeStore) DeleteRR(rr dns.RR) dns.RR {
	key := rr.Header().Rrtype
	var deleted dns.RR
	var empty bool
	s.data.Upsert(key, RRset{}, func(exist bool, old, nv RRset) RRset {
		if !exist {
			empty = true
			return RRset{}
		}
		for i, prev := range old.RRs {
			if dns.IsDuplicate(prev, rr) {
				deleted = prev
				old.RRs = append(old.RRs[:i], old.RRs[i+1:]...)
				break
			}
		}
		empty = len(old.RRs) == 0
		return old
	})
	if empty {
		s.data.RemoveCb(key, func(key uint16, v RRset, exists bool) bool {
			return exists && len(v.RRs) == 0
		})
	}
	return deleted
}

// SetRRSIGs replaces the signatures stored with the RRset for key and
// returns the displaced ones.
func (s *RRTypeStore) SetRRSIGs(key uint16, sigs []dns.RR) []dns.RR {
	var deleted []dns.RR
	var missing bool
	s.data.Upsert(key, RRset{}, func(exist bool, old, nv RRset) RRset {
		if !exist {
			missing = true
			return RRset{}
		}
		deleted = old.RRSIGs
		old.RRSIGs = sigs
		return old
	})
	if missing {
		s.data.RemoveCb(key, func(key uint16, v RRset, exists bool) bool {
			return exists && len(v.RRs) == 0 && len(v.RRSIGs) == 0
		})
	}
	return deleted
}

func (s *RRTypeStore) Count() int {
	return s.data.Count()
}

func (s *RRTypeStore) Keys() []uint16 {
	return s.data.Keys()
}
