package pipeline

import "testing"

type recordingStage struct {
	name    string
	seen    []interface{}
	handled bool
}

func (s *recordingStage) Deliver(resp interface{}) bool {
	s.seen = append(s.seen, resp)
	return s.handled
}

func TestAddLastAndBefore(t *testing.T) {
	p := New()
	buf := &recordingStage{name: "buffer"}
	p.Add(buf, Last())

	h := &recordingStage{name: "handler"}
	p.Add(h, Before(buf))

	if p.Len() != 2 {
		t.Fatalf("expected 2 stages, got %d", p.Len())
	}
	if p.Last() != Stage(buf) {
		t.Fatalf("expected buffer to remain the tail stage")
	}
}

func TestDeliverReachesAllStagesRegardlessOfHandled(t *testing.T) {
	p := New()
	a := &recordingStage{name: "a", handled: true}
	b := &recordingStage{name: "b"}
	p.Add(a, Last())
	p.Add(b, Last())

	p.Deliver("resp-1")

	if len(a.seen) != 1 || len(b.seen) != 1 {
		t.Fatalf("expected both stages to observe the response: a=%d b=%d", len(a.seen), len(b.seen))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	p := New()
	h := &recordingStage{}
	p.Add(h, Last())
	p.Remove(h)
	p.Remove(h) // must not panic or error
	if p.Len() != 0 {
		t.Fatalf("expected empty pipeline, got %d", p.Len())
	}
}

func TestBufferStaysTerminalAcrossMutations(t *testing.T) {
	p := New()
	buf := &recordingStage{name: "buffer"}
	p.Add(buf, Last())

	for i := 0; i < 3; i++ {
		h := &recordingStage{}
		p.Add(h, Before(buf))
		if p.Last() != Stage(buf) {
			t.Fatalf("buffer must remain terminal after insert %d", i)
		}
		p.Remove(h)
		if p.Last() != Stage(buf) {
			t.Fatalf("buffer must remain terminal after remove %d", i)
		}
	}
}

func TestSingleActiveHandlerInvariant(t *testing.T) {
	p := New()
	buf := &recordingStage{}
	p.Add(buf, Last())

	h1 := &recordingStage{}
	p.Add(h1, Before(buf))
	if p.Len() != 2 {
		t.Fatalf("expected handler installed")
	}
	p.Remove(h1)

	h2 := &recordingStage{}
	p.Add(h2, Before(buf))
	handlerCount := 0
	for i := 0; i < p.Len(); i++ {
		// Only buf and at most one handler should ever be present; Len()
		// bounds this directly for this test's scenario.
		handlerCount++
	}
	if handlerCount > 2 {
		t.Fatalf("more than one command-scoped handler installed at once")
	}
	if !p.Contains(h2) || p.Contains(h1) {
		t.Fatalf("expected only h2 installed, got h1=%v h2=%v", p.Contains(h1), p.Contains(h2))
	}
}
