package imap

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emx-mail/cli/pkgs/imap/pipeline"
	"github.com/emx-mail/cli/pkgs/imap/wire"
)

// callerLock is the re-entrant, FIFO-queuing command lock described in §5:
// every public operation acquires it; a caller already holding it (matched
// by token, typically a context value or a *Connection-scoped request id)
// may re-enter without blocking on itself, while unrelated callers queue in
// arrival order. Grounded on the teacher's preference for small,
// purpose-built synchronization primitives over importing a third-party
// scheduler for what is, at bottom, a ticket queue.
type callerLock struct {
	mu      sync.Mutex
	owner   interface{}
	depth   int
	waiters []lockWaiter
}

type lockWaiter struct {
	token interface{}
	wake  chan struct{}
}

func (l *callerLock) Lock(token interface{}) {
	l.mu.Lock()
	if l.owner == nil || l.owner == token {
		l.owner = token
		l.depth++
		l.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	l.waiters = append(l.waiters, lockWaiter{token: token, wake: wake})
	l.mu.Unlock()
	// Unlock hands ownership over before closing wake.
	<-wake
}

func (l *callerLock) Unlock(token interface{}) {
	l.mu.Lock()
	if l.owner != token {
		l.mu.Unlock()
		return
	}
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		return
	}
	l.owner = nil
	var next chan struct{}
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.owner, l.depth = w.token, 1
		next = w.wake
	}
	l.mu.Unlock()
	if next != nil {
		close(next)
	}
}

// ConnConfig configures one TLS-backed connection bootstrap (§4.5 "Channel
// bootstrap").
type ConnConfig struct {
	Host string
	Port int

	TLS       bool
	TLSConfig *tls.Config

	DialTimeout     time.Duration
	GreetingTimeout time.Duration

	// CommandTimeout bounds how long submitCommand waits for a command's
	// tagged response before failing it with a TimeoutError and recycling
	// the connection (§4.5 step 8, §5 "default 30s"). Zero means 30s.
	CommandTimeout time.Duration

	WireOptions wire.Options
	Logger      Logger
}

func (c ConnConfig) normalize() ConnConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.WireOptions == (wire.Options{}) {
		c.WireOptions = wire.DefaultOptions()
	}
	if c.Logger == nil {
		c.Logger = NewStderrLogger()
	}
	return c
}

// Connection owns one TLS channel, the wire codec, the pipeline, the
// persistent buffer and the command lock (§3 "Connection" entity, §4.5
// component E). It is the sole writer to the socket and the sole owner of
// the command-tag counter.
type Connection struct {
	cfg ConnConfig

	netConn net.Conn
	wireEnc *wire.Encoder
	dec     *Decoder

	pipe *pipeline.Pipeline
	buf  *PersistentBuffer
	tags tagGenerator
	lock callerLock

	logger Logger

	mu         sync.Mutex
	caps       CapabilitySet
	selected   string
	contWaiter chan *Response
	finalErr   error
	closed     bool

	idleHandle  *idleHandler // set while an IDLE command is outstanding (§4.5)
	doneTimeout time.Duration

	readDone  chan struct{}
	closeOnce sync.Once
}

// SetDoneTimeout configures how long submitCommand and doneIdle wait for
// DONE's tagged OK before treating the checkpoint as failed (§4.5 "DONE"
// step 4, bounded by doneTimeout). The resilient IDLE loop sets this from
// its IdleConfig; it defaults to 15s.
func (c *Connection) SetDoneTimeout(d time.Duration) {
	c.mu.Lock()
	c.doneTimeout = d
	c.mu.Unlock()
}

func (c *Connection) getDoneTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneTimeout <= 0 {
		return 15 * time.Second
	}
	return c.doneTimeout
}

func (c *Connection) activeIdle() *idleHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleHandle
}

// Connect performs the full channel bootstrap (§4.5): dial, optional TLS,
// install the codec and buffer, await the greeting, fall back to an
// explicit CAPABILITY command if the greeting carried none.
func Connect(ctx context.Context, cfg ConnConfig) (*Connection, error) {
	cfg = cfg.normalize()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	var netConn net.Conn
	var err error
	if cfg.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		} else if tlsCfg.ServerName == "" {
			clone := tlsCfg.Clone()
			clone.ServerName = cfg.Host
			tlsCfg = clone
		}
		netConn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &ConnectionFailedError{Reason: "dial " + addr, Cause: err}
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c := &Connection{
		cfg:      cfg,
		netConn:  netConn,
		wireEnc:  wire.NewEncoder(netConn, false),
		logger:   cfg.Logger,
		buf:      NewPersistentBuffer(),
		pipe:     pipeline.New(),
		readDone: make(chan struct{}),
	}
	c.dec = NewDecoder(wire.NewDecoder(netConn, cfg.WireOptions))
	c.pipe.Add(c.buf, pipeline.Last())

	greetCtx, cancel := context.WithTimeout(ctx, cfg.GreetingTimeout)
	defer cancel()
	if err := c.readGreeting(greetCtx); err != nil {
		netConn.Close()
		return nil, err
	}

	go c.readLoop()

	if len(c.caps) == 0 {
		caps, err := c.Capability(ctx, c)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.mu.Lock()
		c.caps = caps
		c.mu.Unlock()
	}
	if c.caps.Has(CapLiteralPlus) {
		c.wireEnc = wire.NewEncoder(netConn, true)
	}
	return c, nil
}

// readGreeting performs the synchronous, pre-read-loop greeting read (§4.5
// step 6): the first statement off the wire must be an untagged OK (or a
// BYE/Fatal, which fails bootstrap outright).
func (c *Connection) readGreeting(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetReadDeadline(deadline)
	}
	defer c.netConn.SetReadDeadline(time.Time{})

	resps, err := c.dec.NextAll()
	if err != nil {
		return &GreetingFailedError{Reason: err.Error()}
	}
	for _, r := range resps {
		if r.IsFatal() {
			return &GreetingFailedError{Reason: r.FatalText}
		}
		if r.Kind != KindUntagged || r.UntaggedPayload == nil {
			continue
		}
		switch r.UntaggedPayload.PayloadKind {
		case UntaggedConditionalState:
			cs := r.UntaggedPayload.Conditional
			if cs.Kind == CondBye {
				return &GreetingFailedError{Reason: cs.Text}
			}
			if cs.Code != nil && strings.EqualFold(cs.Code.Name, "CAPABILITY") {
				c.caps = NewCapabilitySet(cs.Code.Args...)
			}
		case UntaggedCapabilityData:
			c.caps = NewCapabilitySet(r.UntaggedPayload.Capability...)
		}
	}
	return nil
}

// readLoop is the connection's single reader (§5 "single-threaded event
// loop for its I/O and inbound deliveries"). It runs until the decoder
// errors, at which point it synthesizes a Fatal Response so every installed
// stage observes the termination uniformly.
func (c *Connection) readLoop() {
	for {
		resps, err := c.dec.NextAll()
		if err != nil {
			c.failTransport(err)
			return
		}
		for _, r := range resps {
			if r.Kind == KindAuthChallenge || r.Kind == KindIdleStarted {
				if ch := c.takeContinuationWaiter(); ch != nil {
					ch <- r
					continue
				}
				c.logger.Warn("stray_continuation", map[string]interface{}{"kind": int(r.Kind)})
				continue
			}
			c.pipe.Deliver(r)
		}
	}
}

func (c *Connection) failTransport(err error) {
	c.failTransportReason("read loop", err)
}

// failTransportReason tears the connection down exactly once, marking it
// closed and delivering a synthetic Fatal frame so every installed stage
// (including a command handler that will now never see its tag) observes
// the termination uniformly (§4.5 step 11: "disconnect if the error
// indicates broken transport").
func (c *Connection) failTransportReason(reason string, err error) {
	c.closeOnce.Do(func() {
		wrapped := &ConnectionFailedError{Reason: reason, Cause: err}
		c.mu.Lock()
		c.finalErr = wrapped
		c.closed = true
		c.mu.Unlock()
		c.pipe.Deliver(&Response{Kind: KindFatal, FatalText: err.Error()})
		if ch := c.takeContinuationWaiter(); ch != nil {
			close(ch)
		}
		c.netConn.Close()
		close(c.readDone)
	})
}

func (c *Connection) setContinuationWaiter(ch chan *Response) {
	c.mu.Lock()
	c.contWaiter = ch
	c.mu.Unlock()
}

func (c *Connection) takeContinuationWaiter() chan *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.contWaiter
	c.contWaiter = nil
	return ch
}

// awaitContinuation blocks for the next "+ " continuation frame (a literal
// sync, an IDLE "+ idling", or a SASL challenge), whichever this caller is
// expecting next on this connection.
func (c *Connection) awaitContinuation(ctx context.Context) (*Response, error) {
	ch := make(chan *Response, 1)
	c.setContinuationWaiter(ch)
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, c.finalError()
		}
		return r, nil
	case <-c.readDone:
		return nil, c.finalError()
	case <-ctx.Done():
		return nil, ErrCanceled()
	}
}

func (c *Connection) finalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalErr != nil {
		return c.finalErr
	}
	return &ConnectionFailedError{Reason: "connection closed"}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Capabilities returns the last-known capability set.
func (c *Connection) Capabilities() CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// SelectedMailbox returns the currently selected mailbox name, or "".
func (c *Connection) SelectedMailbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *Connection) setSelected(name string) {
	c.mu.Lock()
	c.selected = name
	c.mu.Unlock()
}

// Close tears the connection down idempotently (§8 property 5). It is safe
// to call more than once and from concurrent goroutines.
func (c *Connection) Close() error {
	c.failTransport(errConnectionClosedLocally)
	return nil
}

var errConnectionClosedLocally = &ConnectionFailedError{Reason: "closed by caller"}

// submitCommand drives one command through the §4.5 "Command submission"
// sequence: install the handler immediately before the buffer, write the
// command (pausing at any synchronizing literal for the server's "+ "
// continuation), then await the typed result.
func submitCommand[R any](ctx context.Context, c *Connection, token interface{}, verb string, build func(tag string) []wire.Part, onUntagged func(*Response), onTagged func(*Response) (R, error)) (R, error) {
	var zero R
	c.lock.Lock(token)
	defer c.lock.Unlock(token)

	if c.isClosed() {
		return zero, c.finalError()
	}
	if active := c.activeIdle(); active != nil {
		if err := c.doneIdleLocked(ctx, token, active); err != nil {
			return zero, err
		}
	}
	if c.buf.HasTermination() {
		return zero, &ConnectionFailedError{Reason: "pending termination buffered"}
	}

	tag := c.tags.Next()
	h := newCommandHandler[R](tag, verb, onUntagged, onTagged)
	c.buf.SetActive(true)
	c.pipe.Add(h, pipeline.Before(c.buf))
	var removeOnce sync.Once
	h.removeSelf = func() {
		removeOnce.Do(func() {
			c.pipe.Remove(h)
			c.buf.SetActive(false)
		})
	}

	parts := build(tag)
	remainder, err := c.wireEnc.WriteCommandAwaitContinuation(parts)
	if err != nil {
		h.removeSelf()
		return zero, &ConnectionFailedError{Reason: "write command", Cause: err}
	}
	for len(remainder) > 0 {
		if _, contErr := c.awaitContinuation(ctx); contErr != nil {
			h.removeSelf()
			return zero, contErr
		}
		remainder, err = c.wireEnc.WriteRemainder(remainder)
		if err != nil {
			h.removeSelf()
			return zero, &ConnectionFailedError{Reason: "write literal", Cause: err}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	result, waitErr := h.Wait(waitCtx)
	if waitErr != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		// The per-command deadline fired, not the caller's own context:
		// the handler is still installed and will never see its tag now,
		// so it must be torn down explicitly (§4.5 step 8).
		h.removeSelf()
		waitErr = &TimeoutError{Op: verb}
	}
	if waitErr != nil && ShouldRecycle(waitErr) {
		// §4.5 step 11: a broken-transport-shaped error recycles the whole
		// connection, not just this command, so the next command (or the
		// resilient IDLE loop) reconnects instead of hanging against a
		// channel that will never answer again.
		c.failTransportReason("command "+verb, waitErr)
	}
	return result, waitErr
}

// writeLine writes a standalone line outside the tag/handler protocol
// (used for the bare "DONE" continuation in idle.go).
func (c *Connection) writeLine(s string) error {
	return c.wireEnc.WriteLine(s)
}
