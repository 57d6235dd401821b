package imap

import "testing"

func TestPersistentBufferRetainsWhileInactive(t *testing.T) {
	b := NewPersistentBuffer()

	handled := b.Deliver(&Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData,
		Mailbox:     &MailboxData{Kind: MailboxExists, Num: 3},
	}})
	if !handled {
		t.Fatal("expected buffer to retain an untagged response while inactive")
	}
	if b.BufferedCount() != 1 {
		t.Fatalf("expected 1 buffered response, got %d", b.BufferedCount())
	}

	out := b.Drain()
	if len(out) != 1 {
		t.Fatalf("expected Drain to return 1 response, got %d", len(out))
	}
	if b.BufferedCount() != 0 {
		t.Fatalf("expected buffer empty after Drain, got %d", b.BufferedCount())
	}
}

func TestPersistentBufferIgnoresWhileActive(t *testing.T) {
	b := NewPersistentBuffer()
	b.SetActive(true)

	handled := b.Deliver(&Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData,
		Mailbox:     &MailboxData{Kind: MailboxExists, Num: 3},
	}})
	if handled {
		t.Fatal("expected buffer to decline responses while a handler is active")
	}
	if b.BufferedCount() != 0 {
		t.Fatalf("expected 0 buffered responses, got %d", b.BufferedCount())
	}
}

func TestPersistentBufferTracksTermination(t *testing.T) {
	b := NewPersistentBuffer()

	b.Deliver(&Response{Kind: KindFatal, FatalText: "connection reset"})
	if !b.HasTermination() {
		t.Fatal("expected HasTermination true after a Fatal frame")
	}

	reasons := b.DrainTerminationReasons()
	if len(reasons) != 1 || reasons[0] != "connection reset" {
		t.Fatalf("unexpected termination reasons: %v", reasons)
	}
	if b.HasTermination() {
		t.Fatal("expected HasTermination false after drain")
	}
}

func TestPersistentBufferDropsOrphanTaggedFrames(t *testing.T) {
	b := NewPersistentBuffer()
	handled := b.Deliver(&Response{Kind: KindTagged, Tag: "A1", State: StateOK})
	if handled {
		t.Fatal("expected a tagged frame with no active handler to be dropped, not retained")
	}
	if b.BufferedCount() != 0 {
		t.Fatalf("expected 0 buffered responses, got %d", b.BufferedCount())
	}
}

func TestPersistentBufferReset(t *testing.T) {
	b := NewPersistentBuffer()
	b.SetActive(true)
	b.Deliver(&Response{Kind: KindFatal, FatalText: "bye"})
	b.Reset()

	if b.BufferedCount() != 0 || b.HasTermination() {
		t.Fatal("expected Reset to clear buffered responses and termination reasons")
	}
	// Reset also clears active, so a subsequent untagged response should be retained.
	if !b.Deliver(&Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData,
		Mailbox:     &MailboxData{Kind: MailboxExists, Num: 1},
	}}) {
		t.Fatal("expected Reset to clear the active flag")
	}
}
