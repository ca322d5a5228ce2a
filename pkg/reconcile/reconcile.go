// Package reconcile implements the pure transition engine (component E): a
// total function from the stored row plus the observed LISTED-zone set to a
// single tagged Decision, replacing a "class per transition" hierarchy with
// one value type the writer dispatches on.
package reconcile

import (
	"sort"
	"strings"
)

// Kind tags which of the four transitions a Decision represents.
type Kind int

const (
	NoOp Kind = iota
	NewListing
	ZoneChange
	Cleared
)

func (k Kind) String() string {
	switch k {
	case NoOp:
		return "NoOp"
	case NewListing:
		return "NewListing"
	case ZoneChange:
		return "ZoneChange"
	case Cleared:
		return "Cleared"
	default:
		return "Unknown"
	}
}

// Decision is the outcome of Decide: a kind plus, for NewListing and
// ZoneChange, the canonical zone set that decision writes.
type Decision struct {
	Kind  Kind
	Zones string // canonical form, see Canonical; empty for NoOp/Cleared
}

// Canonical returns the canonical blockingLists form (I4): the
// ascending-sorted, comma-joined, space-free, deduplicated concatenation of
// zone names. An empty input yields the empty string.
func Canonical(zones []string) string {
	if len(zones) == 0 {
		return ""
	}
	dedup := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		dedup[z] = struct{}{}
	}
	sorted := make([]string, 0, len(dedup))
	for z := range dedup {
		sorted = append(sorted, z)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Tokenize splits a canonical blockingLists string back into its zone
// names. The empty string tokenizes to an empty slice.
func Tokenize(blockingLists string) []string {
	if blockingLists == "" {
		return nil
	}
	return strings.Split(blockingLists, ",")
}

// Decide is the pure function in §4.E: given the stored row's current
// canonical blockingLists and the set of zones observed LISTED this run,
// it returns the Decision. Ordering of observedListed is irrelevant; the
// result depends only on the two sets.
func Decide(storedBlockingLists string, observedListed []string) Decision {
	storedList := Tokenize(storedBlockingLists)
	observed := Canonical(observedListed)

	storedEmpty := len(storedList) == 0
	observedEmpty := observed == ""

	switch {
	case storedEmpty && observedEmpty:
		return Decision{Kind: NoOp}
	case storedEmpty && !observedEmpty:
		return Decision{Kind: NewListing, Zones: observed}
	case !storedEmpty && observedEmpty:
		return Decision{Kind: Cleared}
	case Canonical(storedList) == observed:
		return Decision{Kind: NoOp}
	default:
		return Decision{Kind: ZoneChange, Zones: observed}
	}
}
