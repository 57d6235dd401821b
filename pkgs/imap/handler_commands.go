package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/emx-mail/cli/pkgs/imap/wire"
)

func accumulateCapabilities(dst *[]string) func(r *Response) {
	return func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedCapabilityData {
			*dst = append(*dst, r.UntaggedPayload.Capability...)
		}
	}
}

// Capability issues CAPABILITY (§4.3 "Login / Capability / XOAUTH2
// handler": "collects untagged CAPABILITY responses").
func (c *Connection) Capability(ctx context.Context, token interface{}) (CapabilitySet, error) {
	var collected []string
	onUntagged := accumulateCapabilities(&collected)
	onTagged := func(tagged *Response) (CapabilitySet, error) {
		if tagged.Code != nil && strings.EqualFold(tagged.Code.Name, "CAPABILITY") {
			collected = append(collected, tagged.Code.Args...)
		}
		return NewCapabilitySet(collected...), nil
	}
	caps, err := submitCommand(ctx, c, token, "CAPABILITY", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "CAPABILITY").finish()
	}, onUntagged, onTagged)
	if err != nil {
		return nil, err
	}
	c.mergeCapabilities(caps)
	return caps, nil
}

// Select issues SELECT (or EXAMINE when readOnly) and accumulates the
// mailbox state into a Selection (§4.3).
func (c *Connection) Select(ctx context.Context, token interface{}, mailbox string, readOnly bool) (Selection, error) {
	sel := Selection{Mailbox: mailbox, ReadOnly: readOnly}
	onUntagged := func(r *Response) {
		if r.Kind != KindUntagged || r.UntaggedPayload == nil {
			return
		}
		switch r.UntaggedPayload.PayloadKind {
		case UntaggedMailboxData:
			md := r.UntaggedPayload.Mailbox
			switch md.Kind {
			case MailboxExists:
				sel.Exists = md.Num
			case MailboxRecent:
				sel.Recent = md.Num
			case MailboxFlags:
				sel.Flags = md.Flags
			}
		case UntaggedConditionalState:
			cs := r.UntaggedPayload.Conditional
			if cs.Code == nil {
				return
			}
			switch strings.ToUpper(cs.Code.Name) {
			case "UNSEEN":
				sel.Unseen = parseFirstUint32(cs.Code.Args)
			case "UIDVALIDITY":
				sel.UIDValidity = parseFirstUint32(cs.Code.Args)
			case "UIDNEXT":
				sel.UIDNext = parseFirstUint32(cs.Code.Args)
			case "PERMANENTFLAGS":
				sel.PermanentFlags = cs.Code.Args
			case "READ-ONLY":
				sel.ReadOnly = true
			case "READ-WRITE":
				sel.ReadOnly = false
			}
		}
	}
	onTagged := func(tagged *Response) (Selection, error) {
		if tagged.Code != nil {
			switch strings.ToUpper(tagged.Code.Name) {
			case "READ-ONLY":
				sel.ReadOnly = true
			case "READ-WRITE":
				sel.ReadOnly = false
			}
		}
		return sel, nil
	}
	verb := "SELECT"
	if readOnly {
		verb = "EXAMINE"
	}
	result, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().quoted(mailbox)
		return b.finish()
	}, onUntagged, onTagged)
	if err != nil {
		return Selection{}, SelectFailed(err.Error())
	}
	c.setSelected(mailbox)
	return result, nil
}

// Unselect issues UNSELECT (requires the UNSELECT capability).
func (c *Connection) Unselect(ctx context.Context, token interface{}) error {
	if !c.Capabilities().Has(CapUnselect) {
		return &CommandNotSupportedError{Reason: "server does not advertise UNSELECT"}
	}
	_, err := submitCommand(ctx, c, token, "UNSELECT", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "UNSELECT").finish()
	}, nil, okHandler)
	if err == nil {
		c.setSelected("")
	}
	return err
}

// CloseMailbox issues CLOSE, which also expunges \Deleted messages.
func (c *Connection) CloseMailbox(ctx context.Context, token interface{}) error {
	_, err := submitCommand(ctx, c, token, "CLOSE", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "CLOSE").finish()
	}, nil, okHandler)
	if err == nil {
		c.setSelected("")
	}
	return err
}

// Create issues CREATE.
func (c *Connection) Create(ctx context.Context, token interface{}, mailbox string) error {
	_, err := submitCommand(ctx, c, token, "CREATE", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "CREATE")
		b.space().quoted(mailbox)
		return b.finish()
	}, nil, okHandler)
	if err != nil {
		return CreateFailed(err.Error())
	}
	return nil
}

// Expunge issues EXPUNGE.
func (c *Connection) Expunge(ctx context.Context, token interface{}) ([]uint32, error) {
	var expunged []uint32
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil &&
			r.UntaggedPayload.PayloadKind == UntaggedMessageData &&
			r.UntaggedPayload.Message.Kind == MessageExpunge {
			expunged = append(expunged, r.UntaggedPayload.Message.SeqNum)
		}
	}
	_, err := submitCommand(ctx, c, token, "EXPUNGE", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "EXPUNGE").finish()
	}, onUntagged, okHandler)
	if err != nil {
		return nil, ExpungeFailed(err.Error())
	}
	return expunged, nil
}

// Copy issues COPY/UID COPY.
func (c *Connection) Copy(ctx context.Context, token interface{}, set *IDSet, uid bool, mailbox string) error {
	if set.IsEmpty() {
		return &EmptyIdentifierSetError{Op: "copy"}
	}
	verb := "COPY"
	if uid {
		verb = "UID COPY"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(set.String()).space().quoted(mailbox)
		return b.finish()
	}, nil, okHandler)
	if err != nil {
		return CopyFailed(err.Error())
	}
	return nil
}

// Move issues MOVE/UID MOVE (requires the MOVE capability).
func (c *Connection) Move(ctx context.Context, token interface{}, set *IDSet, uid bool, mailbox string) error {
	if set.IsEmpty() {
		return &EmptyIdentifierSetError{Op: "move"}
	}
	if !c.Capabilities().Has(CapMove) {
		return &CommandNotSupportedError{Reason: "server does not advertise MOVE"}
	}
	verb := "MOVE"
	if uid {
		verb = "UID MOVE"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(set.String()).space().quoted(mailbox)
		return b.finish()
	}, nil, okHandler)
	if err != nil {
		return MoveFailed(err.Error())
	}
	return nil
}

// Store issues STORE/UID STORE. op is one of "FLAGS", "+FLAGS", "-FLAGS"
// (optionally suffixed ".SILENT" by the caller).
func (c *Connection) Store(ctx context.Context, token interface{}, set *IDSet, uid bool, op string, flags []string) error {
	if set.IsEmpty() {
		return &EmptyIdentifierSetError{Op: "store"}
	}
	verb := "STORE"
	if uid {
		verb = "UID STORE"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(set.String()).space().atom(op).space().text("(" + strings.Join(flags, " ") + ")")
		return b.finish()
	}, nil, okHandler)
	if err != nil {
		return StoreFailed(err.Error())
	}
	return nil
}

// Search issues SEARCH/UID SEARCH (§4.3 "Search handler<T>").
func (c *Connection) Search(ctx context.Context, token interface{}, uid bool, criteria string) (*IDSet, error) {
	result := NewIDSet()
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil &&
			r.UntaggedPayload.PayloadKind == UntaggedMailboxData &&
			r.UntaggedPayload.Mailbox.Kind == MailboxSearch {
			for _, id := range r.UntaggedPayload.Mailbox.SearchIDs {
				result.Add(id)
			}
		}
	}
	verb := "SEARCH"
	if uid {
		verb = "UID SEARCH"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(criteria)
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchInfo issues FETCH/UID FETCH for a batch of messages, accumulating
// per-message envelope/UID/flags/size data (§4.3 "Fetch handlers ...
// info": "flushes per-message accumulators on each Finish").
func (c *Connection) FetchInfo(ctx context.Context, token interface{}, set *IDSet, uid bool, items []string) ([]MessageInfo, error) {
	if set.IsEmpty() {
		return nil, &EmptyIdentifierSetError{Op: "fetch"}
	}
	var results []MessageInfo
	cur := MessageInfo{Attrs: map[string]interface{}{}}
	onUntagged := func(r *Response) {
		if r.Kind != KindFetch {
			return
		}
		switch r.Fetch.Kind {
		case FetchStart:
			cur = MessageInfo{SeqNum: r.Fetch.SeqNum, Attrs: map[string]interface{}{}}
		case FetchStartUID:
			cur.UID = r.Fetch.UID
		case FetchSimpleAttribute:
			applyFetchAttribute(&cur, r.Fetch.AttrName, r.Fetch.AttrVal)
		case FetchFinish:
			results = append(results, cur)
			cur = MessageInfo{Attrs: map[string]interface{}{}}
		}
	}
	verb := "FETCH"
	if uid {
		verb = "UID FETCH"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(set.String()).space().text("(" + strings.Join(items, " ") + ")")
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return nil, FetchFailed(err.Error())
	}
	return results, nil
}

func applyFetchAttribute(m *MessageInfo, name string, val interface{}) {
	switch name {
	case "FLAGS":
		if list, ok := val.([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					m.Flags = append(m.Flags, s)
				}
			}
		}
	case "INTERNALDATE":
		if s, ok := val.(string); ok {
			m.InternalDate = s
		}
	case "RFC822.SIZE":
		if s, ok := val.(string); ok {
			n, _ := strconv.ParseUint(s, 10, 64)
			m.Size = n
		}
	case "ENVELOPE":
		m.Envelope = val
	case "BODYSTRUCTURE", "BODY":
		m.BodyStructure = val
	default:
		m.Attrs[name] = val
	}
}

// FetchPart issues a single-message, single-section streaming FETCH (§4.3
// "Fetch handlers ... part": "recording the first Start/StartUID and
// discarding anything outside the first matched part").
func (c *Connection) FetchPart(ctx context.Context, token interface{}, id Num, uid bool, section string) (FetchPart, error) {
	var result FetchPart
	started := false
	streaming := false
	onUntagged := func(r *Response) {
		if r.Kind != KindFetch {
			return
		}
		switch r.Fetch.Kind {
		case FetchStart:
			if !started {
				result.SeqNum = r.Fetch.SeqNum
				started = true
			}
		case FetchStartUID:
			if started && result.UID == 0 {
				result.UID = r.Fetch.UID
			}
		case FetchStreamingBegin:
			if started && !streaming && result.Data == nil {
				result.Spec = r.Fetch.StreamKind
				streaming = true
			}
		case FetchStreamingBytes:
			if streaming {
				result.Data = append(result.Data, r.Fetch.Buf...)
			}
		case FetchStreamingEnd:
			streaming = false
		}
	}
	verb := "FETCH"
	if uid {
		verb = "UID FETCH"
	}
	_, err := submitCommand(ctx, c, token, verb, func(tag string) []wire.Part {
		b := newCommandBuilder(tag, verb)
		b.space().atom(strconv.FormatUint(uint64(id), 10)).space().text(fmt.Sprintf("(BODY.PEEK[%s])", section))
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return FetchPart{}, FetchFailed(err.Error())
	}
	return result, nil
}

// Noop issues NOOP, converting every observed untagged/fetch frame into a
// domain ServerEvent (§4.3 "NOOP handler").
func (c *Connection) Noop(ctx context.Context, token interface{}) ([]ServerEvent, error) {
	var events []ServerEvent
	onUntagged := func(r *Response) {
		if ev, ok := responseToServerEvent(r); ok {
			events = append(events, ev)
		}
	}
	_, err := submitCommand(ctx, c, token, "NOOP", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "NOOP").finish()
	}, onUntagged, okHandler)
	if err != nil {
		return events, err
	}
	return events, nil
}

// Append issues APPEND, extracting APPENDUID from the tagged OK when the
// server advertises UIDPLUS (§4.3 "Append handler").
func (c *Connection) Append(ctx context.Context, token interface{}, mailbox string, flags []string, when time.Time, body []byte) (AppendResult, error) {
	onTagged := func(tagged *Response) (AppendResult, error) {
		var res AppendResult
		if tagged.Code != nil && strings.EqualFold(tagged.Code.Name, "APPENDUID") && len(tagged.Code.Args) == 2 {
			uv, _ := strconv.ParseUint(tagged.Code.Args[0], 10, 32)
			uid, _ := strconv.ParseUint(tagged.Code.Args[1], 10, 32)
			res.UIDValidity = uint32(uv)
			res.UID = Num(uid)
		}
		return res, nil
	}
	result, err := submitCommand(ctx, c, token, "APPEND", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "APPEND")
		b.space().quoted(mailbox)
		if len(flags) > 0 {
			b.space().text("(" + strings.Join(flags, " ") + ")")
		}
		b.space().quoted(when.Format("02-Jan-2006 15:04:05 -0700"))
		b.space()
		b.literal(body)
		return b.finish()
	}, nil, onTagged)
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// ID issues the ID command (RFC 2971), sending params (or NIL) and
// returning the server's own identification.
func (c *Connection) ID(ctx context.Context, token interface{}, params Identification) (Identification, error) {
	result := Identification{}
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedID {
			for k, v := range r.UntaggedPayload.IDParams {
				result[k] = v
			}
		}
	}
	_, err := submitCommand(ctx, c, token, "ID", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "ID")
		b.space()
		if len(params) == 0 {
			b.atom("NIL")
		} else {
			b.text("(")
			first := true
			for k, v := range params {
				if !first {
					b.space()
				}
				first = false
				b.quoted(k).space().quoted(v)
			}
			b.text(")")
		}
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Logout issues LOGOUT, silently absorbing the BYE that precedes the
// tagged OK (§4.3 "Logout handler").
func (c *Connection) Logout(ctx context.Context, token interface{}) error {
	onUntagged := func(r *Response) {
		// BYE is expected here and intentionally not treated as
		// termination/failure; absorbed without action.
	}
	_, err := submitCommand(ctx, c, token, "LOGOUT", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "LOGOUT").finish()
	}, onUntagged, okHandler)
	if err != nil {
		return LogoutFailed(err.Error())
	}
	return nil
}

// Quota issues GETQUOTAROOT for mailbox (requires the QUOTA capability).
func (c *Connection) Quota(ctx context.Context, token interface{}, root string) (QuotaResult, error) {
	result := QuotaResult{Resources: map[string][2]uint64{}}
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedQuota {
			result.Root = r.UntaggedPayload.Quota.Root
			for k, v := range r.UntaggedPayload.Quota.Resources {
				result.Resources[k] = v
			}
		}
	}
	_, err := submitCommand(ctx, c, token, "GETQUOTAROOT", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "GETQUOTAROOT")
		b.space().quoted(root)
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return QuotaResult{}, err
	}
	return result, nil
}

// Namespace issues NAMESPACE (requires the NAMESPACE capability).
func (c *Connection) Namespace(ctx context.Context, token interface{}) (NamespaceData, error) {
	var result NamespaceData
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil && r.UntaggedPayload.PayloadKind == UntaggedNamespace {
			result = *r.UntaggedPayload.NamespaceD
		}
	}
	_, err := submitCommand(ctx, c, token, "NAMESPACE", func(tag string) []wire.Part {
		return newCommandBuilder(tag, "NAMESPACE").finish()
	}, onUntagged, okHandler)
	if err != nil {
		return NamespaceData{}, err
	}
	return result, nil
}

// List issues LIST reference pattern.
func (c *Connection) List(ctx context.Context, token interface{}, reference, pattern string) ([]MailboxListing, error) {
	var listings []MailboxListing
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil &&
			r.UntaggedPayload.PayloadKind == UntaggedMailboxData &&
			r.UntaggedPayload.Mailbox.Kind == MailboxList {
			md := r.UntaggedPayload.Mailbox
			listings = append(listings, MailboxListing{Name: md.Mailbox, Delimiter: md.Delimiter, Attrs: md.Attrs})
		}
	}
	_, err := submitCommand(ctx, c, token, "LIST", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "LIST")
		b.space().quoted(reference).space().quoted(pattern)
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return nil, err
	}
	return listings, nil
}

// Status issues STATUS mailbox (items...).
func (c *Connection) Status(ctx context.Context, token interface{}, mailbox string, items []string) (StatusResult, error) {
	result := StatusResult{Mailbox: mailbox, Values: map[string]uint64{}}
	onUntagged := func(r *Response) {
		if r.Kind == KindUntagged && r.UntaggedPayload != nil &&
			r.UntaggedPayload.PayloadKind == UntaggedMailboxData &&
			r.UntaggedPayload.Mailbox.Kind == MailboxStatus {
			for k, v := range r.UntaggedPayload.Mailbox.StatusVals {
				result.Values[k] = v
			}
		}
	}
	_, err := submitCommand(ctx, c, token, "STATUS", func(tag string) []wire.Part {
		b := newCommandBuilder(tag, "STATUS")
		b.space().quoted(mailbox).space().text("(" + strings.Join(items, " ") + ")")
		return b.finish()
	}, onUntagged, okHandler)
	if err != nil {
		return StatusResult{}, err
	}
	return result, nil
}

// okHandler is the shared onTagged for commands whose only signal is
// success/failure; it has no typed payload beyond the command's own zero
// value.
func okHandler(tagged *Response) (struct{}, error) { return struct{}{}, nil }

func parseFirstUint32(args []string) uint32 {
	if len(args) == 0 {
		return 0
	}
	n, _ := strconv.ParseUint(args[0], 10, 32)
	return uint32(n)
}

// responseToServerEvent converts one pipeline Response observed during
// NOOP or IDLE into the domain ServerEvent the caller sees (§4.3 "NOOP
// handler", §4.5 "IDLE handler").
func responseToServerEvent(r *Response) (ServerEvent, bool) {
	now := time.Now()
	switch r.Kind {
	case KindUntagged:
		if r.UntaggedPayload == nil {
			return ServerEvent{}, false
		}
		switch r.UntaggedPayload.PayloadKind {
		case UntaggedMailboxData:
			md := r.UntaggedPayload.Mailbox
			switch md.Kind {
			case MailboxExists:
				return ServerEvent{Kind: EventExists, Num: md.Num, At: now}, true
			case MailboxRecent:
				return ServerEvent{Kind: EventRecent, Num: md.Num, At: now}, true
			case MailboxFlags:
				return ServerEvent{Kind: EventFlags, Flags: md.Flags, At: now}, true
			}
			return ServerEvent{}, false
		case UntaggedMessageData:
			msg := r.UntaggedPayload.Message
			switch msg.Kind {
			case MessageExpunge:
				return ServerEvent{Kind: EventExpunge, Num: msg.SeqNum, At: now}, true
			case MessageVanished:
				return ServerEvent{Kind: EventVanished, VanishedIDs: msg.UIDSet, At: now}, true
			case MessageVanishedEarlier:
				// Ignored per §4.5: "Ignore VANISHED (EARLIER) ... during
				// IDLE"; resync after resumption is an application concern.
				return ServerEvent{}, false
			}
			return ServerEvent{}, false
		case UntaggedConditionalState:
			cs := r.UntaggedPayload.Conditional
			switch cs.Kind {
			case CondBye:
				return ServerEvent{Kind: EventBye, Text: cs.Text, At: now}, true
			case CondOK:
				if cs.Code != nil && strings.EqualFold(cs.Code.Name, "ALERT") {
					return ServerEvent{Kind: EventAlert, Text: cs.Text, At: now}, true
				}
			}
			return ServerEvent{}, false
		case UntaggedCapabilityData:
			return ServerEvent{Kind: EventCapability, Capabilities: r.UntaggedPayload.Capability, At: now}, true
		}
		return ServerEvent{}, false
	case KindFetch:
		// Individual FETCH attribute/streaming frames are folded by the
		// caller (FetchInfo/FetchPart); as bare NOOP/IDLE events only a
		// completed per-message Finish is meaningful, which the handler
		// layers above already track with their own accumulators.
		return ServerEvent{}, false
	case KindFatal:
		return ServerEvent{Kind: EventBye, Text: r.FatalText, At: now}, true
	}
	return ServerEvent{}, false
}
