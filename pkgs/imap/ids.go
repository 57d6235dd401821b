package imap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Num is a 32-bit message identifier. It is used for both UIDs and sequence
// numbers; the two live in disjoint namespaces distinguished by the set
// type that carries them (UIDSet vs SeqSet).
type Num uint32

// numRange is an inclusive [Start, End] range of identifiers.
type numRange struct {
	Start, End Num
}

// IDSet is an ordered union of inclusive identifier ranges, matching §3's
// "Sets are stored as unions of inclusive ranges" invariant. The zero value
// is an empty set.
type IDSet struct {
	ranges []numRange
}

// NewIDSet builds a set from individual identifiers.
func NewIDSet(ids ...Num) *IDSet {
	s := &IDSet{}
	for _, id := range ids {
		s.AddRange(id, id)
	}
	return s
}

// AddRange inserts an inclusive range, merging with any overlapping or
// adjacent existing ranges so the set stays in canonical, sorted form.
func (s *IDSet) AddRange(start, end Num) {
	if start > end {
		start, end = end, start
	}
	s.ranges = append(s.ranges, numRange{start, end})
	s.normalize()
}

// Add inserts a single identifier.
func (s *IDSet) Add(id Num) { s.AddRange(id, id) }

func (s *IDSet) normalize() {
	if len(s.ranges) == 0 {
		return
	}
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].Start < s.ranges[j].Start })
	merged := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	s.ranges = merged
}

// IsEmpty reports whether the set contains no identifiers.
func (s *IDSet) IsEmpty() bool { return s == nil || len(s.ranges) == 0 }

// Contains reports whether id falls within any range of the set.
func (s *IDSet) Contains(id Num) bool {
	for _, r := range s.ranges {
		if id >= r.Start && id <= r.End {
			return true
		}
	}
	return false
}

// All expands the set into a sorted slice of identifiers. Intended for
// small result sets (e.g. SEARCH results); large contiguous ranges should
// be consumed via Ranges instead.
func (s *IDSet) All() []Num {
	var out []Num
	for _, r := range s.ranges {
		for id := r.Start; id <= r.End; id++ {
			out = append(out, id)
			if id == ^Num(0) {
				break
			}
		}
	}
	return out
}

// Ranges returns the canonical, sorted list of inclusive ranges.
func (s *IDSet) Ranges() []struct{ Start, End Num } {
	out := make([]struct{ Start, End Num }, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = struct{ Start, End Num }{r.Start, r.End}
	}
	return out
}

// String renders the set using the wire grammar: comma-joined ranges,
// "N:M" for a multi-element range and "N" for a singleton.
func (s *IDSet) String() string {
	if s.IsEmpty() {
		return ""
	}
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		if r.Start == r.End {
			parts[i] = strconv.FormatUint(uint64(r.Start), 10)
		} else {
			parts[i] = fmt.Sprintf("%d:%d", r.Start, r.End)
		}
	}
	return strings.Join(parts, ",")
}

// ParseIDSet parses the wire grammar ("1:5,9,12:*") into an IDSet. "*"
// denotes the maximum identifier value on the wire; we map it to
// math.MaxUint32 since the caller-facing meaning ("highest UID/seq in the
// mailbox") is resolved by the server, not by this client.
func ParseIDSet(s string) (*IDSet, error) {
	set := &IDSet{}
	if s == "" {
		return set, nil
	}
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			return nil, &ParseError{Reason: "empty element in identifier set " + s}
		}
		if colon := strings.IndexByte(tok, ':'); colon >= 0 {
			start, err := parseIDToken(tok[:colon])
			if err != nil {
				return nil, err
			}
			end, err := parseIDToken(tok[colon+1:])
			if err != nil {
				return nil, err
			}
			set.AddRange(start, end)
			continue
		}
		id, err := parseIDToken(tok)
		if err != nil {
			return nil, err
		}
		set.Add(id)
	}
	return set, nil
}

func parseIDToken(tok string) (Num, error) {
	if tok == "*" {
		return ^Num(0), nil
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, &ParseError{Reason: "invalid identifier token " + tok}
	}
	return Num(n), nil
}

// UIDSet and SeqSet are IDSet wrappers that keep the UID and sequence-number
// namespaces from §3 ("two disjoint namespaces") distinct at the type
// level, so a handler generic over T = UIDSet or T = SeqSet can never mix
// the wrong kind of identifier into a command.
type UIDSet struct{ IDSet }
type SeqSet struct{ IDSet }

func NewUIDSet(ids ...Num) *UIDSet { return &UIDSet{IDSet: *NewIDSet(ids...)} }
func NewSeqSet(ids ...Num) *SeqSet { return &SeqSet{IDSet: *NewIDSet(ids...)} }

// Namespace identifies which disjoint identifier space a set or result
// belongs to.
type Namespace int

const (
	NamespaceSeq Namespace = iota
	NamespaceUID
)

func (n Namespace) String() string {
	if n == NamespaceUID {
		return "UID"
	}
	return "SEQ"
}

// CapabilitySet is a server-advertised feature-token set (§Glossary
// "Capability").
type CapabilitySet map[string]struct{}

func NewCapabilitySet(caps ...string) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[strings.ToUpper(c)] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(cap string) bool {
	_, ok := s[strings.ToUpper(cap)]
	return ok
}

func (s CapabilitySet) Add(caps ...string) {
	for _, c := range caps {
		s[strings.ToUpper(c)] = struct{}{}
	}
}

func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Recognized extension capability tokens (§6).
const (
	CapIMAP4rev1  = "IMAP4REV1"
	CapIdle       = "IDLE"
	CapUIDPlus    = "UIDPLUS"
	CapMove       = "MOVE"
	CapUnselect   = "UNSELECT"
	CapSpecialUse = "SPECIAL-USE"
	CapID         = "ID"
	CapCondstore  = "CONDSTORE"
	CapQresync    = "QRESYNC"
	CapQuota      = "QUOTA"
	CapNamespace  = "NAMESPACE"
	CapEnable     = "ENABLE"
	CapSASLIR     = "SASL-IR"
	CapLiteralPlus = "LITERAL+"
)
