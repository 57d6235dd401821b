package imap

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/emx-mail/cli/pkgs/imap/pipeline"
)

// IdleConfig tunes the resilient IDLE loop (§4.5 "Resilient IDLE loop").
// All durations must be positive; ReconnectMaxDelay >= ReconnectBaseDelay;
// 0 <= ReconnectJitterFactor <= 1 — Normalize repairs anything else back to
// the documented defaults rather than erroring, since a slightly-wrong
// config should degrade to "resilient with defaults", not refuse to idle.
// The one exception is PostIdleNoopDelay, which Normalize clamps to
// NoopInterval when post-IDLE NOOP is enabled.
type IdleConfig struct {
	RenewalInterval time.Duration
	NoopInterval    time.Duration

	PostIdleNoopEnabled bool
	PostIdleNoopDelay   time.Duration

	DoneTimeout time.Duration

	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectJitterFactor float64

	// LegacyCycleInterval preserves the source's compatibility alias
	// (§9 open question 1): when set, it overrides RenewalInterval and
	// forces PostIdleNoopEnabled on, matching the old "cycle interval"
	// behavior. New configurations should leave this zero.
	LegacyCycleInterval time.Duration
}

// DefaultIdleConfig returns the spec's documented defaults (§4.5).
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		RenewalInterval:       285 * time.Second,
		NoopInterval:          300 * time.Second,
		PostIdleNoopEnabled:   false,
		PostIdleNoopDelay:     500 * time.Millisecond,
		DoneTimeout:           15 * time.Second,
		ReconnectBaseDelay:    time.Second,
		ReconnectMaxDelay:     120 * time.Second,
		ReconnectJitterFactor: 0.2,
	}
}

// Normalize fills in zero/invalid fields from DefaultIdleConfig and applies
// the legacy cycle-interval alias.
func (cfg IdleConfig) Normalize() IdleConfig {
	d := DefaultIdleConfig()
	if cfg.LegacyCycleInterval > 0 {
		cfg.RenewalInterval = cfg.LegacyCycleInterval
		cfg.PostIdleNoopEnabled = true
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = d.RenewalInterval
	}
	if cfg.NoopInterval <= 0 {
		cfg.NoopInterval = d.NoopInterval
	}
	if cfg.PostIdleNoopDelay <= 0 {
		cfg.PostIdleNoopDelay = d.PostIdleNoopDelay
	}
	if cfg.PostIdleNoopEnabled && cfg.PostIdleNoopDelay > cfg.NoopInterval {
		cfg.PostIdleNoopDelay = cfg.NoopInterval
	}
	if cfg.DoneTimeout <= 0 {
		cfg.DoneTimeout = d.DoneTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if cfg.ReconnectJitterFactor < 0 || cfg.ReconnectJitterFactor > 1 {
		cfg.ReconnectJitterFactor = d.ReconnectJitterFactor
	}
	return cfg
}

// eventQueue is an unbounded single-producer/single-consumer queue (§9:
// "Backpressure: ... prefer a growing queue with a soft warning threshold"
// over dropping). Its sole producer is the read loop goroutine (for an
// IDLE handler's queue) or the session loop (for a Session's queue); the
// caller draining the IDLE/Session stream is the sole consumer.
type eventQueue struct {
	mu     sync.Mutex
	buf    []ServerEvent
	notify chan struct{}
	closed bool

	warnThreshold int
	logger        Logger
}

func newEventQueue(logger Logger) *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1), warnThreshold: 10000, logger: logger}
}

func (q *eventQueue) push(ev ServerEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, ev)
	n := len(q.buf)
	q.mu.Unlock()
	if n == q.warnThreshold && q.logger != nil {
		q.logger.Warn("idle_event_queue_backpressure", map[string]interface{}{"depth": n})
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) tryPop() (ServerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return ServerEvent{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Next blocks until an event is available, the queue is closed with no
// remaining events, or ctx ends.
func (q *eventQueue) Next(ctx context.Context) (ServerEvent, bool, error) {
	for {
		if ev, ok := q.tryPop(); ok {
			return ev, true, nil
		}
		if q.isClosed() {
			return ServerEvent{}, false, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return ServerEvent{}, false, ErrCanceled()
		}
	}
}

// idleHandler is the special command-scoped handler for IDLE (§4.3 "IDLE
// handler", §4.5). Unlike other handlers it does not complete on its first
// match; it streams ServerEvents until DONE's tagged OK or a BYE/Fatal
// arrives.
type idleHandler struct {
	tag string

	mu        sync.Mutex
	completed bool

	events *eventQueue
	done   *promise[struct{}]

	removeSelf func()

	// fetch accumulates one FETCH push's Start->SimpleAttribute*->Finish
	// stream (§3). Only the reader goroutine ever touches it, the same
	// goroutine that calls Deliver, so it needs no lock of its own.
	fetch idleFetchAccumulator
}

// idleFetchAccumulator folds one unsolicited "* n FETCH (...)" push
// observed during IDLE into a single ServerEvent (§4.5's IDLE-handler event
// list: "fetch(seq, attrs)" / "fetchUID(uid, attrs)").
type idleFetchAccumulator struct {
	seqNum  uint32
	uid     Num
	haveUID bool
	flags   []string
}

func (h *idleHandler) Deliver(resp interface{}) bool {
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
		h.finish(nil)
		return true
	}
	if text, isTerm := r.TerminationText(); isTerm {
		h.completed = true
		h.mu.Unlock()
		h.events.push(ServerEvent{Kind: EventBye, Text: text, At: time.Now()})
		h.finish(nil)
		return true
	}
	h.mu.Unlock()

	if r.Kind == KindFetch {
		h.deliverFetch(r.Fetch)
		return false
	}
	if ev, ok := responseToServerEvent(r); ok {
		h.events.push(ev)
	}
	return false
}

// deliverFetch accumulates one FETCH push's attribute stream and emits the
// folded ServerEvent on Finish, rather than dropping it the way a bare
// responseToServerEvent would (that conversion is for NOOP/IDLE framing
// responses, not FETCH's own multi-frame stream).
func (h *idleHandler) deliverFetch(f *FetchEvent) {
	switch f.Kind {
	case FetchStart:
		h.fetch = idleFetchAccumulator{seqNum: f.SeqNum}
	case FetchStartUID:
		h.fetch.uid = f.UID
		h.fetch.haveUID = true
	case FetchSimpleAttribute:
		if f.AttrName != "FLAGS" {
			return
		}
		if list, ok := f.AttrVal.([]interface{}); ok {
			flags := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					flags = append(flags, s)
				}
			}
			h.fetch.flags = flags
		}
	case FetchFinish:
		acc := h.fetch
		h.fetch = idleFetchAccumulator{}
		if acc.haveUID {
			h.events.push(ServerEvent{Kind: EventFetchUID, Num: acc.seqNum, UID: acc.uid, Flags: acc.flags, At: time.Now()})
			return
		}
		h.events.push(ServerEvent{Kind: EventFetch, Num: acc.seqNum, Flags: acc.flags, At: time.Now()})
	}
}

func (h *idleHandler) finish(err error) {
	h.events.close()
	h.done.fulfill(struct{}{}, err)
	h.removeSelf()
}

// IdleStream is the caller-facing handle on one IDLE command's event
// stream (§6 "idle() -> stream<ServerEvent>").
type IdleStream struct {
	h    *idleHandler
	conn *Connection
}

// Next returns the next ServerEvent, or ok=false once the stream has ended
// (DONE completed or BYE/Fatal observed) with no events left to drain.
func (s *IdleStream) Next(ctx context.Context) (ServerEvent, bool, error) {
	return s.h.events.Next(ctx)
}

// StartIdle issues IDLE and returns its event stream (§4.5 "IDLE start").
func (c *Connection) StartIdle(ctx context.Context, token interface{}) (*IdleStream, error) {
	if !c.Capabilities().Has(CapIdle) {
		return nil, &CommandNotSupportedError{Reason: "server does not advertise IDLE"}
	}

	c.lock.Lock(token)
	defer c.lock.Unlock(token)

	if c.isClosed() {
		return nil, c.finalError()
	}
	if c.activeIdle() != nil {
		return nil, &InvalidArgumentError{Reason: "IDLE already active on this connection"}
	}
	if c.buf.HasTermination() {
		return nil, &ConnectionFailedError{Reason: "pending termination buffered"}
	}

	tag := c.tags.Next()
	if err := c.writeLine(tag + " IDLE"); err != nil {
		return nil, &ConnectionFailedError{Reason: "write IDLE", Cause: err}
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.awaitContinuation(startCtx); err != nil {
		return nil, err
	}

	h := &idleHandler{tag: tag, events: newEventQueue(c.logger), done: newPromise[struct{}]()}
	var removeOnce sync.Once
	h.removeSelf = func() {
		removeOnce.Do(func() {
			c.pipe.Remove(h)
			c.buf.SetActive(false)
			c.mu.Lock()
			c.idleHandle = nil
			c.mu.Unlock()
		})
	}

	c.buf.SetActive(true)
	c.pipe.Add(h, pipeline.Before(c.buf))
	c.mu.Lock()
	c.idleHandle = h
	c.mu.Unlock()

	return &IdleStream{h: h, conn: c}, nil
}

// DoneIdle terminates the active IDLE session (§4.5 "DONE"). It is a no-op
// if no IDLE handler is installed.
func (c *Connection) DoneIdle(ctx context.Context, token interface{}) error {
	c.lock.Lock(token)
	defer c.lock.Unlock(token)
	h := c.activeIdle()
	if h == nil {
		return nil
	}
	return c.doneIdleLocked(ctx, token, h)
}

// doneIdleLocked assumes c.lock is already held by token (re-entrant).
func (c *Connection) doneIdleLocked(ctx context.Context, token interface{}, h *idleHandler) error {
	c.lock.Lock(token)
	defer c.lock.Unlock(token)

	doneCtx, cancel := context.WithTimeout(ctx, c.getDoneTimeout())
	defer cancel()

	if err := c.writeLine("DONE"); err != nil {
		h.finish(err)
		return &ConnectionFailedError{Reason: "write DONE", Cause: err}
	}
	if _, err := h.done.Wait(doneCtx); err != nil {
		return &TimeoutError{Op: "DONE"}
	}
	return nil
}

// Session is the resilient, self-healing IDLE handle returned by
// idle(on:, config) (§4.5 "Resilient IDLE loop", §6 "Session handle").
// One Session owns one dedicated Connection and runs the reconnect state
// machine described in the spec, translating every IDLE cycle, checkpoint
// and reconnect into a single ordered ServerEvent stream.
type Session struct {
	cfg     IdleConfig
	mailbox string

	credentials func(ctx context.Context) error // re-authenticate + re-select after reconnect
	dial        func(ctx context.Context) (*Connection, error)

	logger Logger

	mu          sync.Mutex
	conn        *Connection
	reconnectN  int
	closed      bool
	cancel      context.CancelFunc
	out         *eventQueue
	loopDone    chan struct{}
}

// SessionDeps bundles the collaborators a Session needs to reconnect
// end-to-end without the core depending on any concrete transport/auth
// policy (§6's "credential callback").
type SessionDeps struct {
	// Dial returns a freshly connected, capability-negotiated connection.
	Dial func(ctx context.Context) (*Connection, error)
	// Authenticate re-authenticates and re-selects Mailbox on a freshly
	// dialed connection. Called with the new connection as the lock
	// token for its own command submissions.
	Authenticate func(ctx context.Context, conn *Connection, mailbox string) error
	Logger       Logger
}

// StartResilientIdle begins the self-healing IDLE loop over deps, idling
// on mailbox, and returns a Session whose event stream never ends except
// by explicit Done() or ctx cancellation (§4.5).
func StartResilientIdle(ctx context.Context, conn *Connection, mailbox string, cfg IdleConfig, deps SessionDeps) *Session {
	cfg = cfg.Normalize()
	logger := deps.Logger
	if logger == nil {
		logger = conn.logger
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:         cfg,
		mailbox:     mailbox,
		dial:        deps.Dial,
		logger:      logger,
		conn:        conn,
		cancel:      cancel,
		out:         newEventQueue(logger),
		loopDone:    make(chan struct{}),
	}
	s.credentials = func(authCtx context.Context) error {
		return deps.Authenticate(authCtx, s.currentConn(), mailbox)
	}
	conn.SetDoneTimeout(cfg.DoneTimeout)
	go s.run(loopCtx)
	return s
}

func (s *Session) currentConn() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Events returns the wake-up channel of the Session's event queue. It
// carries no ServerEvent values, only a signal that the queue changed;
// receiving from it consumes a wake-up that a blocked Next would otherwise
// see. The events themselves are read with Next.
func (s *Session) Events() <-chan struct{} { return s.out.notify }

// Next returns the next ServerEvent from the session's lifetime stream.
func (s *Session) Next(ctx context.Context) (ServerEvent, bool, error) {
	return s.out.Next(ctx)
}

// Done terminates the session and its underlying connection (§6 "Session
// handle ... done() that terminates the session and its connection").
func (s *Session) Done() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.loopDone
}

func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)
	defer s.out.close()
	defer func() { s.currentConn().Close() }()

	nextRenewalAt := time.Now().Add(s.cfg.RenewalInterval)
	var nextNoopAt time.Time
	if s.cfg.PostIdleNoopEnabled {
		nextNoopAt = time.Now().Add(s.cfg.NoopInterval)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn := s.currentConn()
		stream, err := conn.StartIdle(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.reconnect(ctx, err)
			continue
		}

		trigger, cycleErr := s.raceIdleCycle(ctx, conn, stream, nextRenewalAt, nextNoopAt)
		if cycleErr != nil {
			if ctx.Err() != nil {
				return
			}
			s.reconnect(ctx, cycleErr)
			continue
		}

		now := time.Now()
		if trigger == "renewal" || now.After(nextRenewalAt) || now.Equal(nextRenewalAt) {
			nextRenewalAt = now.Add(s.cfg.RenewalInterval)
		}
		if s.cfg.PostIdleNoopEnabled {
			nextNoopAt = now.Add(s.cfg.NoopInterval)
		}
		s.mu.Lock()
		s.reconnectN = 0
		s.mu.Unlock()
	}
}

// raceIdleCycle implements §4.5's per-cycle "race the earlier timer
// against the IDLE stream itself" step, returning which trigger fired.
func (s *Session) raceIdleCycle(ctx context.Context, conn *Connection, stream *IdleStream, nextRenewalAt, nextNoopAt time.Time) (string, error) {
	renewalTimer := time.NewTimer(time.Until(nextRenewalAt))
	defer renewalTimer.Stop()

	var noopC <-chan time.Time
	if s.cfg.PostIdleNoopEnabled {
		noopTimer := time.NewTimer(time.Until(nextNoopAt))
		defer noopTimer.Stop()
		noopC = noopTimer.C
	}

	eventCh := make(chan struct{ ev ServerEvent; end bool; err error }, 1)
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go func() {
		ev, ok, err := stream.Next(streamCtx)
		select {
		case eventCh <- struct {
			ev  ServerEvent
			end bool
			err error
		}{ev, !ok, err}:
		case <-streamCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ErrCanceled()
		case <-renewalTimer.C:
			return s.checkpoint(ctx, conn, "renewal")
		case <-noopC:
			return s.checkpoint(ctx, conn, "noop")
		case res := <-eventCh:
			if res.err != nil {
				return "", res.err
			}
			if res.end {
				return "", &ConnectionFailedError{Reason: "IDLE stream ended"}
			}
			s.out.push(res.ev)
			if res.ev.Kind == EventBye {
				return "", &ConnectionFailedError{Reason: "server sent BYE"}
			}
			// Not a checkpoint trigger; keep racing for more live events
			// against the same timers by looping, re-reading the stream.
			go func() {
				ev, ok, err := stream.Next(streamCtx)
				select {
				case eventCh <- struct {
					ev  ServerEvent
					end bool
					err error
				}{ev, !ok, err}:
				case <-streamCtx.Done():
				}
			}()
		}
	}
}

// checkpoint sends DONE, optionally probes with NOOP, and drains the
// persistent buffer (§4.5 step 3).
func (s *Session) checkpoint(ctx context.Context, conn *Connection, trigger string) (string, error) {
	if err := conn.DoneIdle(ctx, s); err != nil {
		return "", err
	}
	if s.cfg.PostIdleNoopEnabled {
		if s.cfg.PostIdleNoopDelay > 0 {
			select {
			case <-time.After(s.cfg.PostIdleNoopDelay):
			case <-ctx.Done():
				return "", ErrCanceled()
			}
		}
		events, err := conn.Noop(ctx, s)
		if err != nil {
			return "", err
		}
		for _, ev := range events {
			s.out.push(ev)
			if ev.Kind == EventBye {
				return "", &ConnectionFailedError{Reason: "server sent BYE during checkpoint NOOP"}
			}
		}
	}
	for _, r := range conn.buf.Drain() {
		if ev, ok := responseToServerEvent(r); ok {
			s.out.push(ev)
			if ev.Kind == EventBye {
				return "", &ConnectionFailedError{Reason: "server sent BYE buffered during checkpoint"}
			}
		}
	}
	return trigger, nil
}

// reconnect implements §4.5's "On disconnect" branch: jittered exponential
// backoff, then connect + re-authenticate + re-select.
func (s *Session) reconnect(ctx context.Context, cause error) {
	s.mu.Lock()
	s.reconnectN++
	attempt := s.reconnectN
	s.mu.Unlock()

	s.logger.Warn("idle_session_disconnect", map[string]interface{}{"attempt": attempt, "cause": fmt.Sprint(cause)})
	s.out.push(ServerEvent{Kind: EventBye, Text: fmt.Sprint(cause), At: time.Now()})

	delay := backoffDelay(s.cfg, attempt)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	s.currentConn().Close()

	newConn, err := s.dial(ctx)
	if err != nil {
		s.logger.Error("idle_session_reconnect_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	newConn.SetDoneTimeout(s.cfg.DoneTimeout)
	if err := s.credentialsWith(ctx, newConn); err != nil {
		s.logger.Error("idle_session_reauth_failed", map[string]interface{}{"error": err.Error()})
		newConn.Close()
		return
	}

	s.mu.Lock()
	s.conn = newConn
	s.mu.Unlock()
}

func (s *Session) credentialsWith(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return s.credentials(ctx)
}

// backoffDelay computes §4.5's "min(base * 2^(min(attempt-1, 10)), max)"
// with uniform ±jitterFactor jitter, clamped to >= 0.
func backoffDelay(cfg IdleConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	base := float64(cfg.ReconnectBaseDelay) * float64(uint64(1)<<uint(exp))
	max := float64(cfg.ReconnectMaxDelay)
	delay := base
	if delay > max {
		delay = max
	}
	jitter := (rand.Float64()*2 - 1) * cfg.ReconnectJitterFactor * delay
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
