package imap

import "testing"

func TestIDSetAddAndNormalize(t *testing.T) {
	s := NewIDSet(5, 1, 3, 2, 4)
	if s.String() != "1:5" {
		t.Fatalf("expected merged contiguous range 1:5, got %q", s.String())
	}
	if !s.Contains(3) || s.Contains(6) {
		t.Fatalf("unexpected Contains result for %q", s.String())
	}
}

func TestIDSetAddRangeMergesAdjacent(t *testing.T) {
	s := &IDSet{}
	s.AddRange(1, 3)
	s.AddRange(10, 12)
	s.AddRange(4, 9)
	if s.String() != "1:12" {
		t.Fatalf("expected ranges to merge into 1:12, got %q", s.String())
	}
}

func TestIDSetIsEmpty(t *testing.T) {
	var s *IDSet
	if !s.IsEmpty() {
		t.Fatal("expected nil IDSet to be empty")
	}
	s = &IDSet{}
	if !s.IsEmpty() {
		t.Fatal("expected zero-value IDSet to be empty")
	}
	s.Add(1)
	if s.IsEmpty() {
		t.Fatal("expected non-empty IDSet after Add")
	}
}

func TestParseIDSet(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1:5,9,12:14", "1:5,9,12:14"},
		{"", ""},
		{"7", "7"},
	}
	for _, c := range cases {
		set, err := ParseIDSet(c.in)
		if err != nil {
			t.Fatalf("ParseIDSet(%q): %v", c.in, err)
		}
		if got := set.String(); got != c.want {
			t.Fatalf("ParseIDSet(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseIDSetStarIsMaxUint32(t *testing.T) {
	set, err := ParseIDSet("5:*")
	if err != nil {
		t.Fatalf("ParseIDSet: %v", err)
	}
	ranges := set.Ranges()
	if len(ranges) != 1 || ranges[0].Start != 5 || ranges[0].End != ^Num(0) {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}
}

func TestParseIDSetRejectsEmptyElement(t *testing.T) {
	if _, err := ParseIDSet("1,,3"); err == nil {
		t.Fatal("expected ParseIDSet to reject an empty element")
	}
}

func TestParseIDSetRejectsNonNumeric(t *testing.T) {
	if _, err := ParseIDSet("abc"); err == nil {
		t.Fatal("expected ParseIDSet to reject a non-numeric token")
	}
}

func TestCapabilitySetCaseInsensitive(t *testing.T) {
	caps := NewCapabilitySet("idle", "Uidplus")
	if !caps.Has("IDLE") || !caps.Has("uidplus") {
		t.Fatal("expected CapabilitySet lookups to be case-insensitive")
	}
	if caps.Has("MOVE") {
		t.Fatal("did not expect MOVE capability to be present")
	}
	caps.Add("move")
	if !caps.Has("MOVE") {
		t.Fatal("expected Add to normalize casing too")
	}
}
