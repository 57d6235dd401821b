// Package pipeline implements the mutable ordered stage list described in
// spec §4.2: every inbound Response is offered to each stage from head to
// tail, regardless of whether an earlier stage marked it "handled" — the
// two-phase handle+forward model that lets a persistent terminal stage
// observe everything a transient command handler also sees.
package pipeline

import "sync"

// Stage is one pipeline element. Deliver returns whether this stage
// considers the response "handled"; the pipeline keeps delivering to
// subsequent stages regardless of the return value; what the stage reports
// is purely informational; the pipeline has no short-circuit behavior.
type Stage interface {
	Deliver(resp interface{}) (handled bool)
}

// Position selects where Add inserts a new stage.
type Position struct {
	before Stage // nil means "at the end" (Last)
}

// Last appends the stage after every existing stage.
func Last() Position { return Position{} }

// Before inserts the stage immediately ahead of an existing stage. Used by
// the controller to install a command-scoped handler immediately before
// the persistent buffer (§4.5: "insert it into the pipeline immediately
// before the buffer").
func Before(existing Stage) Position { return Position{before: existing} }

// Pipeline guards its stage list with a mutex: mutation (Add/Remove) happens
// on whichever goroutine issues a command, under the connection's command
// lock, while Deliver runs on the connection's reader goroutine with no lock
// held at all (§5 "Shared state") — without its own lock here those two
// goroutines would race the same backing slice. This mirrors the teacher's
// preference for simple, explicit lock/unlock pairing (see buffer.go) over a
// channel-based redesign.
type Pipeline struct {
	mu     sync.Mutex
	stages []Stage
}

// New returns an empty pipeline.
func New() *Pipeline { return &Pipeline{} }

// Add inserts stage at the requested position. Inserting Before a stage
// that is not currently present appends to the end instead, which keeps
// Add total rather than requiring error handling at every call site; the
// controller never asks to insert before a stage it hasn't also tracked.
func (p *Pipeline) Add(stage Stage, pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.before == nil {
		p.stages = append(p.stages, stage)
		return
	}
	for i, s := range p.stages {
		if s == pos.before {
			p.stages = append(p.stages[:i:i], append([]Stage{stage}, p.stages[i:]...)...)
			return
		}
	}
	p.stages = append(p.stages, stage)
}

// Remove drops stage from the pipeline. It is idempotent: removing a stage
// that isn't present (already self-removed) is a no-op, satisfying §8's
// "idempotent cleanup" property.
func (p *Pipeline) Remove(stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.stages {
		if s == stage {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
			return
		}
	}
}

// Deliver offers resp to every stage in order, head to tail. The stage list
// is snapshotted under the lock and walked outside it, so a stage's Deliver
// (which may itself call back into Remove, e.g. a handler self-removing) can
// never deadlock against this call.
func (p *Pipeline) Deliver(resp interface{}) {
	p.mu.Lock()
	snapshot := make([]Stage, len(p.stages))
	copy(snapshot, p.stages)
	p.mu.Unlock()
	for _, s := range snapshot {
		s.Deliver(resp)
	}
}

// Len reports the number of installed stages (used by tests asserting the
// single-active-handler and buffer-terminal invariants from §8).
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stages)
}

// Last returns the tail stage, or nil if the pipeline is empty. The tests
// use it to check that the persistent buffer stays the tail stage across
// mutations (§8 property 3: "buffer-terminal").
func (p *Pipeline) Last() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stages) == 0 {
		return nil
	}
	return p.stages[len(p.stages)-1]
}

// Contains reports whether stage is currently installed.
func (p *Pipeline) Contains(stage Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.stages {
		if s == stage {
			return true
		}
	}
	return false
}
