package imap

import (
	"context"
	"sync"
)

// promise is a single-fulfillment future, used to hand a command handler's
// eventual result back to the caller awaiting it (§3 "Command handler"
// entity: "typed result promise").
type promise[R any] struct {
	done  chan struct{}
	once  sync.Once
	value R
	err   error
}

func newPromise[R any]() *promise[R] {
	return &promise[R]{done: make(chan struct{})}
}

// fulfill resolves the promise exactly once; subsequent calls are no-ops,
// matching §4.3's "fulfill the promise exactly once" contract.
func (p *promise[R]) fulfill(v R, err error) {
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
	})
}

// Wait blocks for fulfillment or for ctx to end, whichever comes first.
// Cancellation never recycles the connection (§5); it only fails this call.
func (p *promise[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero R
		return zero, ErrCanceled()
	}
}

// CommandHandler is a pipeline stage scoped to exactly one in-flight
// command (§3 "Command handler" entity, §4.3 component C). It is generic
// over its typed result R so every command (SELECT -> Selection, SEARCH ->
// *IDSet, FETCH -> []MessageInfo, ...) gets a strongly-typed promise
// without duplicating the tag-match/complete/remove plumbing per command.
type CommandHandler[R any] struct {
	tag string

	mu          sync.Mutex
	completed   bool
	accumulated []*Response

	result *promise[R]

	// onUntagged is invoked for every non-matching, non-termination
	// Response observed while this handler is installed. It may mutate
	// handler-local state under its own locking if it needs to (most
	// implementations just append to a typed accumulator field on the
	// wrapping struct).
	onUntagged func(r *Response)

	// onTagged computes the typed result once the matching tagged
	// response arrives. It is called for OK, and for NO/BAD only when the
	// response code is CLIENTBUG; every other NO/BAD becomes a
	// CommandFailedError without calling it, so onTagged can assume success.
	onTagged func(tagged *Response) (R, error)

	// commandName is used to build CommandFailedError on NO/BAD.
	commandName string

	// removeSelf is wired by the controller at install time; calling it
	// removes this handler from the pipeline. It is safe to call more
	// than once (idempotent per §8).
	removeSelf func()
}

// newCommandHandler builds a handler bound to tag, completing via onTagged.
// onUntagged may be nil for commands that never need to observe untagged
// data before their final status.
func newCommandHandler[R any](tag, commandName string, onUntagged func(*Response), onTagged func(*Response) (R, error)) *CommandHandler[R] {
	return &CommandHandler[R]{
		tag:         tag,
		result:      newPromise[R](),
		onUntagged:  onUntagged,
		onTagged:    onTagged,
		commandName: commandName,
	}
}

// Deliver implements pipeline.Stage (§4.3's per-Response contract).
func (h *CommandHandler[R]) Deliver(resp interface{}) bool {
	r, ok := resp.(*Response)
	if !ok {
		return false
	}

	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return false
	}

	if r.IsTagged() && r.Tag == h.tag {
		h.completed = true
		h.mu.Unlock()
		h.completeFromTagged(r)
		return true
	}

	// LOGOUT expects the server's BYE ahead of its tagged OK, so that BYE
	// is passed to onUntagged instead of failing the command.
	if text, isTermination := r.TerminationText(); isTermination && !(h.commandName == "LOGOUT" && r.IsBye()) {
		h.completed = true
		h.mu.Unlock()
		var zero R
		h.result.fulfill(zero, &ConnectionFailedError{Reason: text})
		h.remove()
		return true
	}
	h.mu.Unlock()

	h.mu.Lock()
	h.accumulated = append(h.accumulated, r)
	h.mu.Unlock()
	if h.onUntagged != nil {
		h.onUntagged(r)
	}
	return false
}

func (h *CommandHandler[R]) completeFromTagged(tagged *Response) {
	defer h.remove()
	switch tagged.State {
	case StateOK:
		if h.onTagged != nil {
			v, err := h.onTagged(tagged)
			h.result.fulfill(v, err)
			return
		}
		var zero R
		h.result.fulfill(zero, nil)
	default:
		var zero R
		code := ""
		if tagged.Code != nil {
			code = tagged.Code.Name
		}
		if code == "CLIENTBUG" {
			// §4.3: the handler still succeeds on CLIENTBUG; the text is
			// meant for the logging channel, which the controller (not
			// the handler) owns, so we just proceed as if OK.
			if h.onTagged != nil {
				v, err := h.onTagged(tagged)
				h.result.fulfill(v, err)
				return
			}
			h.result.fulfill(zero, nil)
			return
		}
		h.result.fulfill(zero, &CommandFailedError{
			Command: h.commandName, State: tagged.State, Text: tagged.Text, Code: code,
		})
	}
}

func (h *CommandHandler[R]) remove() {
	if h.removeSelf != nil {
		h.removeSelf()
	}
}

// Wait blocks for the handler's typed result.
func (h *CommandHandler[R]) Wait(ctx context.Context) (R, error) { return h.result.Wait(ctx) }

// Done returns a channel closed once the handler's result is fulfilled,
// letting a caller select between it and other events (e.g. a SASL
// continuation channel in handler_auth.go).
func (h *CommandHandler[R]) Done() <-chan struct{} { return h.result.done }

// Accumulated returns a snapshot of the untagged responses seen so far.
func (h *CommandHandler[R]) Accumulated() []*Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Response, len(h.accumulated))
	copy(out, h.accumulated)
	return out
}
