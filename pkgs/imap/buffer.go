package imap

import "sync"

// PersistentBuffer is the terminal pipeline stage (§4.4, component D). It
// retains untagged/Fetch/Fatal responses observed while no command-scoped
// handler is installed, guaranteeing the handler-swap gap never drops a
// server push. Grounded on the teacher's lock-protected accumulator idiom
// in pkgs/event/bus.go (explicit mutex, explicit lock/unlock around the
// mutation, rather than reaching for a channel-based design here).
type PersistentBuffer struct {
	mu sync.Mutex

	active      bool
	buffered    []*Response
	termination []string
}

// NewPersistentBuffer returns a buffer with no handler marked active.
func NewPersistentBuffer() *PersistentBuffer { return &PersistentBuffer{} }

// SetActive is called by the controller immediately before installing a
// command-scoped handler (true) and immediately after removing one
// (false). Deliver, Drain, DrainTerminationReasons and Reset are the
// buffer's other state changes.
func (b *PersistentBuffer) SetActive(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = active
}

// Deliver implements pipeline.Stage. While a handler is active it does
// nothing (the handler already saw the response on its way through the
// pipeline); otherwise it classifies and retains the response.
func (b *PersistentBuffer) Deliver(resp interface{}) bool {
	r, ok := resp.(*Response)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return false
	}

	switch r.Kind {
	case KindUntagged, KindFetch, KindFatal:
		b.buffered = append(b.buffered, r)
		if text, isTermination := r.TerminationText(); isTermination {
			b.termination = append(b.termination, text)
		}
		return true
	case KindTagged:
		// A tagged frame with no active handler indicates an invariant
		// violation: no command owns this tag. It is dropped, not retained,
		// and nothing logs it: the buffer has no logging dependency and
		// the controller does not inspect what the buffer declines.
		return false
	default:
		return false
	}
}

// Drain returns all buffered Responses in order and clears the buffer.
func (b *PersistentBuffer) Drain() []*Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buffered
	b.buffered = nil
	return out
}

// DrainTerminationReasons returns and clears the accumulated BYE/Fatal text.
func (b *PersistentBuffer) DrainTerminationReasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.termination
	b.termination = nil
	return out
}

// HasTermination reports whether a BYE/Fatal was buffered since the last
// drain, without consuming it.
func (b *PersistentBuffer) HasTermination() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.termination) > 0
}

// BufferedCount reports how many responses are currently retained.
func (b *PersistentBuffer) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}

// Reset clears buffer, reasons and the active flag. Called across
// disconnect boundaries (§4.4).
func (b *PersistentBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffered = nil
	b.termination = nil
	b.active = false
}
