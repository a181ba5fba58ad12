// Package rib implements longest-prefix route lookup for the IPv4
// protocol: an entry list kept sorted by descending prefix length,
// re-sorted (stably) on every insert, the way the teacher's route module
// keeps its peer route list sorted by preference on every Insert rather
// than maintaining a trie.
package rib

import (
	"net/netip"
	"slices"

	"github.com/elvis-sim/elvis/pkg/network"
)

// Recipient names where a matched datagram should be forwarded: a Pci slot
// and, for anything but a directly-connected destination, the next hop's
// MAC address.
type Recipient struct {
	Slot int
	MAC  *network.MAC
}

// Entry is one routing table row.
type Entry struct {
	Prefix    netip.Prefix
	Recipient Recipient
}

func entryCompare(a, b Entry) int {
	// Longer prefixes (more specific) sort first; /0 always sorts last.
	return b.Prefix.Bits() - a.Prefix.Bits()
}

// Table is a longest-prefix-match routing table. The zero value is an
// empty table ready to use.
type Table struct {
	entries []Entry
}

// Insert adds or replaces (by identical Prefix) a route, then re-sorts by
// descending prefix length. Sorting an almost-sorted slice on every insert
// is cheap at the table sizes a simulated machine needs.
func (t *Table) Insert(prefix netip.Prefix, recipient Recipient) {
	for i, e := range t.entries {
		if e.Prefix == prefix {
			t.entries[i].Recipient = recipient
			return
		}
	}
	t.entries = append(t.entries, Entry{Prefix: prefix, Recipient: recipient})
	if len(t.entries) > 1 {
		slices.SortStableFunc(t.entries, entryCompare)
	}
}

// Remove deletes the route for prefix, if present. It reports whether a
// route was removed.
func (t *Table) Remove(prefix netip.Prefix) bool {
	for i, e := range t.entries {
		if e.Prefix == prefix {
			t.entries = slices.Delete(t.entries, i, i+1)
			return true
		}
	}
	return false
}

// Lookup returns the most specific entry whose prefix contains dest. The
// table is kept sorted by descending prefix length, so the first match
// found is the longest prefix match; a 0.0.0.0/0 default route (if present)
// always sorts last and so only matches when nothing more specific does.
func (t *Table) Lookup(dest netip.Addr) (Recipient, bool) {
	for _, e := range t.entries {
		if e.Prefix.Contains(dest) {
			return e.Recipient, true
		}
	}
	return Recipient{}, false
}

// Len reports how many routes the table holds.
func (t *Table) Len() int {
	return len(t.entries)
}
