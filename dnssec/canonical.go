/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
)

// CanonicalCompare orders two owner names in DNSSEC canonical order
// (RFC 4034 section 6.1): most significant label first, labels compared
// as lower-cased byte strings, absent labels sort first.
func CanonicalCompare(a, b string) int {
	la := dns.SplitDomainName(strings.ToLower(dns.Fqdn(a)))
	lb := dns.SplitDomainName(strings.ToLower(dns.Fqdn(b)))

	for i := 1; ; i++ {
		if i > len(la) && i > len(lb) {
			return 0
		}
		if i > len(la) {
			return -1
		}
		if i > len(lb) {
			return 1
		}
		if c := strings.Compare(la[len(la)-i], lb[len(lb)-i]); c != 0 {
			return c
		}
	}
}

type canonicalNames []string

func (c canonicalNames) Len() int           { return len(c) }
func (c canonicalNames) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }
func (c canonicalNames) Less(i, j int) bool { return CanonicalCompare(c[i], c[j]) < 0 }

func quickSort(sortable sort.Interface) {
	sorts.Quicksort(sortable)
}

// SortNamesCanonical sorts names in place into canonical order.
func SortNamesCanonical(names []string) {
	quickSort(canonicalNames(names))
}

// searchCanonical returns the index at which name sorts into the
// canonically ordered slice.
func searchCanonical(names []string, name string) int {
	return sort.Search(len(names), func(i int) bool {
		return CanonicalCompare(names[i], name) >= 0
	})
}
