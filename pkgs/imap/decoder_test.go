package imap

import (
	"strings"
	"testing"

	"github.com/emx-mail/cli/pkgs/imap/wire"
)

func decodeAll(t *testing.T, raw string) []*Response {
	t.Helper()
	wd := wire.NewDecoder(strings.NewReader(raw), wire.DefaultOptions())
	d := NewDecoder(wd)
	var all []*Response
	for {
		resp, err := d.NextAll()
		if err != nil {
			break
		}
		all = append(all, resp...)
	}
	return all
}

func TestDecodeGreetingAndCapability(t *testing.T) {
	all := decodeAll(t, "* OK IMAP4rev1 Service Ready\r\n"+
		"* CAPABILITY IMAP4rev1 IDLE UIDPLUS\r\n"+
		"A1 OK CAPABILITY completed\r\n")
	if len(all) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(all))
	}
	if all[0].UntaggedPayload.Conditional.Kind != CondOK {
		t.Fatalf("expected greeting OK")
	}
	caps := all[1].UntaggedPayload.Capability
	want := NewCapabilitySet("IMAP4rev1", "IDLE", "UIDPLUS")
	for _, c := range caps {
		if !want.Has(c) {
			t.Fatalf("unexpected capability %s", c)
		}
	}
	if all[2].Tag != "A1" || all[2].State != StateOK {
		t.Fatalf("unexpected tagged response: %+v", all[2])
	}
}

func TestDecodeExistsAndExpunge(t *testing.T) {
	all := decodeAll(t, "* 42 EXISTS\r\n* 1 EXPUNGE\r\n")
	if len(all) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(all))
	}
	if all[0].UntaggedPayload.Mailbox.Kind != MailboxExists || all[0].UntaggedPayload.Mailbox.Num != 42 {
		t.Fatalf("unexpected exists: %+v", all[0])
	}
	if all[1].UntaggedPayload.Message.Kind != MessageExpunge || all[1].UntaggedPayload.Message.SeqNum != 1 {
		t.Fatalf("unexpected expunge: %+v", all[1])
	}
}

func TestDecodeFetchSequenceOrdering(t *testing.T) {
	raw := "* 3 FETCH (UID 100 FLAGS (\\Seen) BODY[] {5}\r\nhello)\r\n"
	all := decodeAll(t, raw)
	wantKinds := []FetchEventKind{
		FetchStart, FetchStartUID, FetchSimpleAttribute,
		FetchStreamingBegin, FetchStreamingBytes, FetchStreamingEnd, FetchFinish,
	}
	if len(all) != len(wantKinds) {
		t.Fatalf("expected %d fetch events, got %d", len(wantKinds), len(all))
	}
	for i, r := range all {
		if r.Kind != KindFetch {
			t.Fatalf("event %d: expected KindFetch", i)
		}
		if r.Fetch.Kind != wantKinds[i] {
			t.Fatalf("event %d: got %v want %v", i, r.Fetch.Kind, wantKinds[i])
		}
	}
	if all[1].Fetch.UID != 100 {
		t.Fatalf("expected UID 100, got %d", all[1].Fetch.UID)
	}
}

func TestDecodeFetchFinishWithNoAttributes(t *testing.T) {
	// A FETCH whose Finish arrives before any SimpleAttribute should yield
	// an empty-attribute stream (§8 boundary behavior).
	all := decodeAll(t, "* 7 FETCH ()\r\n")
	if len(all) != 2 {
		t.Fatalf("expected Start+Finish only, got %d", len(all))
	}
	if all[0].Fetch.Kind != FetchStart || all[1].Fetch.Kind != FetchFinish {
		t.Fatalf("unexpected sequence: %+v", all)
	}
}

func TestDecodeBye(t *testing.T) {
	all := decodeAll(t, "* BYE Server unavailable\r\n")
	if len(all) != 1 || !all[0].IsBye() {
		t.Fatalf("expected a BYE response, got %+v", all)
	}
	text, ok := all[0].TerminationText()
	if !ok || text != "Server unavailable" {
		t.Fatalf("unexpected termination text: %q ok=%v", text, ok)
	}
}

func TestDecodeVanishedEarlier(t *testing.T) {
	all := decodeAll(t, "* VANISHED (EARLIER) 1:5,9\r\n")
	if len(all) != 1 {
		t.Fatalf("expected 1 response, got %d", len(all))
	}
	md := all[0].UntaggedPayload.Message
	if md.Kind != MessageVanishedEarlier {
		t.Fatalf("expected VanishedEarlier, got %v", md.Kind)
	}
	if md.UIDSet.String() != "1:5,9" {
		t.Fatalf("unexpected uid set: %s", md.UIDSet.String())
	}
}

func TestDecodeIdleStartedAndChallenge(t *testing.T) {
	all := decodeAll(t, "+ idling\r\n+ \r\n")
	if len(all) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(all))
	}
	if all[0].Kind != KindIdleStarted {
		t.Fatalf("expected IdleStarted, got %v", all[0].Kind)
	}
	if all[1].Kind != KindAuthChallenge {
		t.Fatalf("expected AuthChallenge, got %v", all[1].Kind)
	}
}

func TestIDSetRoundTrip(t *testing.T) {
	cases := []string{"1", "1:5", "1:5,9,12:20", "1,3,5,7"}
	for _, c := range cases {
		set, err := ParseIDSet(c)
		if err != nil {
			t.Fatalf("parse %q: %v", c, err)
		}
		// Re-parsing the serialized form must reproduce an equivalent set
		// (same ranges), per §8's round-trip law.
		again, err := ParseIDSet(set.String())
		if err != nil {
			t.Fatalf("re-parse %q: %v", set.String(), err)
		}
		if again.String() != set.String() {
			t.Fatalf("round trip mismatch: %q != %q", again.String(), set.String())
		}
	}
}
