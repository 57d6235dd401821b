package imap

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/emx-mail/cli/pkgs/imap/pipeline"
	"github.com/emx-mail/cli/pkgs/imap/wire"
)

// authResult is what an AUTHENTICATE exchange resolves to: the capability
// set observed during the exchange, folded into the connection's cached
// capabilities the same way Login does.
type authResult = CapabilitySet

// authenticate drives the SASL continuation protocol (§4.3 "Login /
// Capability / XOAUTH2 handler"): write AUTHENTICATE <mech>[ <initial
// response>] if SASL-IR is advertised, otherwise wait for the server's
// first "+ " challenge before sending anything. Every subsequent challenge
// is answered via mech.Next until the tagged status arrives.
func (c *Connection) authenticate(ctx context.Context, token interface{}, mech sasl.Client, timeout time.Duration) (authResult, error) {
	var zero authResult
	var collected []string

	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedCapabilityData {
			collected = append(collected, r.UntaggedPayload.Capability...)
		}
	}
	onTagged := func(tagged *Response) (authResult, error) {
		if tagged.Code != nil && strings.EqualFold(tagged.Code.Name, "CAPABILITY") {
			collected = append(collected, tagged.Code.Args...)
		}
		return NewCapabilitySet(collected...), nil
	}

	c.lock.Lock(token)
	defer c.lock.Unlock(token)

	if c.isClosed() {
		return zero, c.finalError()
	}

	authCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		authCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	mechName, ir, err := mech.Start()
	if err != nil {
		return zero, &AuthFailedError{Reason: err.Error()}
	}

	tag := c.tags.Next()
	h := newCommandHandler[authResult](tag, "AUTHENTICATE", onUntagged, onTagged)
	c.buf.SetActive(true)
	c.pipe.Add(h, pipeline.Before(c.buf))
	var removeOnce sync.Once
	h.removeSelf = func() {
		removeOnce.Do(func() {
			c.pipe.Remove(h)
			c.buf.SetActive(false)
		})
	}

	b := newCommandBuilder(tag, "AUTHENTICATE")
	b.space().atom(mechName)
	sentIR := ir != nil && c.Capabilities().Has(CapSASLIR)
	if sentIR {
		b.space().atom(base64.StdEncoding.EncodeToString(ir))
	}
	if _, werr := c.wireEnc.WriteCommandAwaitContinuation(b.finish()); werr != nil {
		h.removeSelf()
		return zero, &ConnectionFailedError{Reason: "write AUTHENTICATE", Cause: werr}
	}

	contCh := make(chan *Response, 1)
	c.setContinuationWaiter(contCh)

	// If the initial response was not sent inline (no SASL-IR), the
	// server's first "+ " is answered with it; every later challenge is
	// base64-decoded and answered via mech.Next.
	pendingIR := ir != nil && !sentIR

	for {
		select {
		case <-h.Done():
			c.takeContinuationWaiter()
			return h.Wait(authCtx)
		case r, ok := <-contCh:
			if !ok {
				h.removeSelf()
				return zero, c.finalError()
			}
			var resp []byte
			var nerr error
			if pendingIR {
				resp, pendingIR = ir, false
			} else {
				challenge, derr := base64.StdEncoding.DecodeString(string(r.Challenge))
				if derr != nil {
					challenge = r.Challenge
				}
				resp, nerr = mech.Next(challenge)
			}
			if nerr != nil {
				h.removeSelf()
				return zero, &AuthFailedError{Reason: nerr.Error()}
			}
			line := base64.StdEncoding.EncodeToString(resp)
			if werr := c.writeLine(line); werr != nil {
				h.removeSelf()
				return zero, &ConnectionFailedError{Reason: "write SASL continuation", Cause: werr}
			}
			contCh = make(chan *Response, 1)
			c.setContinuationWaiter(contCh)
		case <-authCtx.Done():
			h.removeSelf()
			return zero, ErrCanceled()
		}
	}
}

// Login authenticates via the plain-text LOGIN command (§6).
func (c *Connection) Login(ctx context.Context, token interface{}, username, password string) (CapabilitySet, error) {
	var collected []string
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedCapabilityData {
			collected = append(collected, r.UntaggedPayload.Capability...)
		}
	}
	onTagged := func(tagged *Response) (CapabilitySet, error) {
		if tagged.Code != nil && strings.EqualFold(tagged.Code.Name, "CAPABILITY") {
			collected = append(collected, tagged.Code.Args...)
		}
		return NewCapabilitySet(collected...), nil
	}
	caps, err := submitCommand(ctx, c, token, "LOGIN",
		func(tag string) []wire.Part {
			b := newCommandBuilder(tag, "LOGIN")
			b.space().quoted(username).space().quoted(password)
			return b.finish()
		}, onUntagged, onTagged)
	if err != nil {
		if cmdErr, ok := asCommandFailed(err); ok {
			return nil, &LoginFailedError{Reason: cmdErr.Text}
		}
		return nil, err
	}
	c.mergeCapabilities(caps)
	return caps, nil
}

// AuthenticatePlain authenticates via AUTHENTICATE PLAIN.
func (c *Connection) AuthenticatePlain(ctx context.Context, token interface{}, username, password string) (CapabilitySet, error) {
	caps, err := c.authenticate(ctx, token, newPlainSASLClient(username, password), 10*time.Second)
	if err != nil {
		if cmdErr, ok := asCommandFailed(err); ok {
			return nil, &AuthFailedError{Reason: cmdErr.Text}
		}
		return nil, err
	}
	c.mergeCapabilities(caps)
	return caps, nil
}

// AuthenticateLogin authenticates via AUTHENTICATE LOGIN, for servers that
// advertise AUTH=LOGIN but not AUTH=PLAIN (§6).
func (c *Connection) AuthenticateLogin(ctx context.Context, token interface{}, username, password string) (CapabilitySet, error) {
	caps, err := c.authenticate(ctx, token, newLoginSASLClient(username, password), 10*time.Second)
	if err != nil {
		if cmdErr, ok := asCommandFailed(err); ok {
			return nil, &AuthFailedError{Reason: cmdErr.Text}
		}
		return nil, err
	}
	c.mergeCapabilities(caps)
	return caps, nil
}

// AuthenticateXOAUTH2 authenticates via the Google/Microsoft OAuth2 bridge
// mechanism (§6 "AUTHENTICATE XOAUTH2").
func (c *Connection) AuthenticateXOAUTH2(ctx context.Context, token interface{}, email, accessToken string) (CapabilitySet, error) {
	caps, err := c.authenticate(ctx, token, newXOAuth2Client(email, accessToken), 10*time.Second)
	if err != nil {
		if cmdErr, ok := asCommandFailed(err); ok {
			return nil, &AuthFailedError{Reason: cmdErr.Text}
		}
		return nil, err
	}
	c.mergeCapabilities(caps)
	return caps, nil
}

func (c *Connection) mergeCapabilities(caps CapabilitySet) {
	if len(caps) == 0 {
		return
	}
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}
