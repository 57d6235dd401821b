package imap

import (
	"strconv"
	"strings"

	"github.com/emx-mail/cli/pkgs/imap/wire"
)

// Decoder turns a wire.Decoder's token stream into Response values (§4.1,
// component A). It never discards a byte: malformed grammar becomes a
// *ParseError, resource-limit violations surface the wire.LimitError
// unchanged so the controller can recognize and recycle on it.
type Decoder struct {
	w *wire.Decoder
}

func NewDecoder(wd *wire.Decoder) *Decoder { return &Decoder{w: wd} }

// field is a parsed node: either a leaf (atom/quoted/literal) or a list of
// child fields (a parenthesized group) or a response code (bracketed
// group). Building this tree once per response keeps the grammar walkers
// below simple recursive functions instead of hand-rolled token-index
// bookkeeping.
type field struct {
	isList    bool
	isCode    bool
	isLiteral bool
	text      string
	lit       []byte
	children  []field
}

func (f field) atom() string {
	if f.isList || f.isCode {
		return ""
	}
	return f.text
}

// buildTree consumes tokens (already read up to LineEnd) into a flat slice
// of top-level fields.
func buildTree(toks []wire.Token) ([]field, error) {
	pos := 0
	var parse func() ([]field, error)
	parse = func() ([]field, error) {
		var out []field
		for pos < len(toks) {
			tok := toks[pos]
			switch tok.Type {
			case wire.TokLineEnd:
				return out, nil
			case wire.TokListStart:
				pos++
				children, err := parse()
				if err != nil {
					return nil, err
				}
				if pos >= len(toks) || toks[pos].Type != wire.TokListEnd {
					return nil, &ParseError{Reason: "unterminated list"}
				}
				pos++
				out = append(out, field{isList: true, children: children})
			case wire.TokListEnd:
				return out, nil
			case wire.TokCodeStart:
				pos++
				children, err := parse()
				if err != nil {
					return nil, err
				}
				if pos >= len(toks) || toks[pos].Type != wire.TokCodeEnd {
					return nil, &ParseError{Reason: "unterminated response code"}
				}
				pos++
				out = append(out, field{isCode: true, children: children})
			case wire.TokCodeEnd:
				return out, nil
			case wire.TokLiteral:
				pos++
				out = append(out, field{isLiteral: true, lit: tok.Bytes})
			default: // TokAtom, TokQuoted
				pos++
				out = append(out, field{text: tok.Text})
			}
		}
		return out, nil
	}
	return parse()
}

// NextAll reads and parses exactly one response statement and returns every
// Response it expands into: usually one, but a FETCH line expands into a
// whole FetchEvent sequence.
func (d *Decoder) NextAll() ([]*Response, error) {
	toks, err := d.w.ReadLine()
	if err != nil {
		return nil, err
	}
	fields, err := buildTree(toks)
	if err != nil {
		return nil, err
	}
	return interpret(fields)
}

func interpret(fields []field) ([]*Response, error) {
	if len(fields) == 0 {
		return nil, &ParseError{Reason: "empty response line"}
	}

	// Continuation line: "+ text" or "+ base64challenge".
	if fields[0].atom() == "+" {
		text := ""
		if len(fields) > 1 {
			text = fields[1].atom()
		}
		if strings.EqualFold(text, "idling") {
			return []*Response{{Kind: KindIdleStarted}}, nil
		}
		return []*Response{{Kind: KindAuthChallenge, Challenge: []byte(text)}}, nil
	}

	if fields[0].atom() == "*" {
		return interpretUntagged(fields[1:])
	}

	// Tagged: "<tag> <OK|NO|BAD> [code] text"
	tag := fields[0].atom()
	if len(fields) < 2 {
		return nil, &ParseError{Reason: "tagged response missing status"}
	}
	state, ok := parseState(fields[1].atom())
	if !ok {
		return nil, &ParseError{Reason: "unknown tagged status " + fields[1].atom()}
	}
	rest := fields[2:]
	code, text := extractCodeAndText(rest)
	return []*Response{{Kind: KindTagged, Tag: tag, State: state, Code: code, Text: text}}, nil
}

func parseState(s string) (ResponseState, bool) {
	switch strings.ToUpper(s) {
	case "OK":
		return StateOK, true
	case "NO":
		return StateNO, true
	case "BAD":
		return StateBAD, true
	default:
		return 0, false
	}
}

func extractCodeAndText(fields []field) (*ResponseCode, string) {
	var code *ResponseCode
	var textParts []string
	for _, f := range fields {
		if f.isCode {
			code = parseCode(f.children)
			continue
		}
		textParts = append(textParts, f.atom())
	}
	return code, strings.Join(textParts, " ")
}

func parseCode(children []field) *ResponseCode {
	if len(children) == 0 {
		return &ResponseCode{}
	}
	rc := &ResponseCode{Name: strings.ToUpper(children[0].atom())}
	for _, c := range children[1:] {
		if c.isList {
			for _, item := range c.children {
				rc.Args = append(rc.Args, item.atom())
			}
			continue
		}
		rc.Args = append(rc.Args, c.atom())
	}
	return rc
}

func interpretUntagged(fields []field) ([]*Response, error) {
	if len(fields) == 0 {
		return nil, &ParseError{Reason: "untagged response missing body"}
	}

	// "* N EXISTS/RECENT/EXPUNGE/FETCH (...)" - numeric-prefixed forms.
	if n, err := strconv.ParseUint(fields[0].atom(), 10, 32); err == nil && len(fields) >= 2 {
		kw := strings.ToUpper(fields[1].atom())
		switch kw {
		case "EXISTS":
			return []*Response{mailboxNum(MailboxExists, uint32(n))}, nil
		case "RECENT":
			return []*Response{mailboxNum(MailboxRecent, uint32(n))}, nil
		case "EXPUNGE":
			return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
				PayloadKind: UntaggedMessageData,
				Message:     &MessageData{Kind: MessageExpunge, SeqNum: uint32(n)},
			}}}, nil
		case "FETCH":
			var body []field
			if len(fields) > 2 && fields[2].isList {
				body = fields[2].children
			}
			return interpretFetch(uint32(n), body)
		}
	}

	kw := strings.ToUpper(fields[0].atom())
	switch kw {
	case "OK", "NO", "BAD", "BYE":
		code, text := extractCodeAndText(fields[1:])
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedConditionalState,
			Conditional: &ConditionalState{Kind: condKindOf(kw), Text: text, Code: code},
		}}}, nil
	case "CAPABILITY":
		var caps []string
		for _, f := range fields[1:] {
			caps = append(caps, strings.ToUpper(f.atom()))
		}
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedCapabilityData, Capability: caps,
		}}}, nil
	case "ENABLED":
		var enabled []string
		for _, f := range fields[1:] {
			enabled = append(enabled, strings.ToUpper(f.atom()))
		}
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedEnableData, Enable: enabled,
		}}}, nil
	case "FLAGS":
		var flags []string
		if len(fields) > 1 && fields[1].isList {
			for _, f := range fields[1].children {
				flags = append(flags, f.atom())
			}
		}
		return []*Response{mailboxFlags(flags)}, nil
	case "SEARCH":
		var ids []Num
		for _, f := range fields[1:] {
			n, err := strconv.ParseUint(f.atom(), 10, 32)
			if err != nil {
				continue
			}
			ids = append(ids, Num(n))
		}
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedMailboxData,
			Mailbox:     &MailboxData{Kind: MailboxSearch, SearchIDs: ids},
		}}}, nil
	case "VANISHED":
		rest := fields[1:]
		earlier := false
		if len(rest) > 0 && rest[0].isList && len(rest[0].children) == 1 &&
			strings.EqualFold(rest[0].children[0].atom(), "EARLIER") {
			earlier = true
			rest = rest[1:]
		}
		var uidStr string
		if len(rest) > 0 {
			uidStr = rest[0].atom()
		}
		set, _ := ParseIDSet(uidStr)
		kind := MessageVanished
		if earlier {
			kind = MessageVanishedEarlier
		}
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedMessageData,
			Message:     &MessageData{Kind: kind, UIDSet: set},
		}}}, nil
	case "LIST", "LSUB":
		return []*Response{interpretList(fields[1:])}, nil
	case "STATUS":
		return []*Response{interpretStatus(fields[1:])}, nil
	case "NAMESPACE":
		return []*Response{interpretNamespace(fields[1:])}, nil
	case "ID":
		return []*Response{interpretID(fields[1:])}, nil
	case "QUOTA":
		return []*Response{interpretQuota(fields[1:])}, nil
	default:
		// Unrecognized untagged keyword (e.g. a vendor extension or
		// keepalive chatter such as "* OK Still here" handled above) is
		// tolerated rather than rejected, per §6's "untagged keepalive
		// chatter ... accepted and ignored".
		return []*Response{{Kind: KindUntagged, UntaggedPayload: &Untagged{
			PayloadKind: UntaggedConditionalState,
			Conditional: &ConditionalState{Kind: CondOK, Text: kw},
		}}}, nil
	}
}

func condKindOf(kw string) ConditionalStateKind {
	switch kw {
	case "BYE":
		return CondBye
	case "NO":
		return CondNo
	case "BAD":
		return CondBad
	default:
		return CondOK
	}
}

func mailboxNum(kind MailboxDataKind, n uint32) *Response {
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData,
		Mailbox:     &MailboxData{Kind: kind, Num: n},
	}}
}

func mailboxFlags(flags []string) *Response {
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData,
		Mailbox:     &MailboxData{Kind: MailboxFlags, Flags: flags},
	}}
}

func interpretList(fields []field) *Response {
	md := &MailboxData{Kind: MailboxList}
	idx := 0
	if idx < len(fields) && fields[idx].isList {
		for _, a := range fields[idx].children {
			md.Attrs = append(md.Attrs, a.atom())
		}
		idx++
	}
	if idx < len(fields) {
		md.Delimiter = fields[idx].atom()
		idx++
	}
	if idx < len(fields) {
		md.Mailbox = fields[idx].atom()
	}
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData, Mailbox: md,
	}}
}

func interpretStatus(fields []field) *Response {
	md := &MailboxData{Kind: MailboxStatus, StatusVals: map[string]uint64{}}
	if len(fields) > 0 {
		md.Mailbox = fields[0].atom()
	}
	if len(fields) > 1 && fields[1].isList {
		items := fields[1].children
		for i := 0; i+1 < len(items); i += 2 {
			name := strings.ToUpper(items[i].atom())
			n, _ := strconv.ParseUint(items[i+1].atom(), 10, 64)
			md.StatusVals[name] = n
		}
	}
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedMailboxData, Mailbox: md,
	}}
}

func interpretNamespace(fields []field) *Response {
	parse := func(f field) []NamespaceDescriptor {
		if !f.isList {
			return nil
		}
		var out []NamespaceDescriptor
		for _, entry := range f.children {
			if !entry.isList || len(entry.children) < 2 {
				continue
			}
			out = append(out, NamespaceDescriptor{
				Prefix:    entry.children[0].atom(),
				Delimiter: entry.children[1].atom(),
			})
		}
		return out
	}
	nd := &NamespaceData{}
	if len(fields) > 0 {
		nd.Personal = parse(fields[0])
	}
	if len(fields) > 1 {
		nd.Other = parse(fields[1])
	}
	if len(fields) > 2 {
		nd.Shared = parse(fields[2])
	}
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedNamespace, NamespaceD: nd,
	}}
}

func interpretID(fields []field) *Response {
	params := map[string]string{}
	if len(fields) > 0 && fields[0].isList {
		items := fields[0].children
		for i := 0; i+1 < len(items); i += 2 {
			params[strings.ToUpper(items[i].atom())] = items[i+1].atom()
		}
	}
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedID, IDParams: params,
	}}
}

func interpretQuota(fields []field) *Response {
	qd := &QuotaData{Resources: map[string][2]uint64{}}
	if len(fields) > 0 {
		qd.Root = fields[0].atom()
	}
	if len(fields) > 1 && fields[1].isList {
		items := fields[1].children
		for i := 0; i+2 < len(items); i += 3 {
			name := strings.ToUpper(items[i].atom())
			usage, _ := strconv.ParseUint(items[i+1].atom(), 10, 64)
			limit, _ := strconv.ParseUint(items[i+2].atom(), 10, 64)
			qd.Resources[name] = [2]uint64{usage, limit}
		}
	}
	return &Response{Kind: KindUntagged, UntaggedPayload: &Untagged{
		PayloadKind: UntaggedQuota, Quota: qd,
	}}
}

// interpretFetch expands one "* N FETCH (...)" line into the ordered
// FetchEvent stream required by §3: Start -> SimpleAttribute* ->
// (StreamingBegin -> StreamingBytes* -> StreamingEnd)* -> Finish.
func interpretFetch(seq uint32, items []field) ([]*Response, error) {
	out := []*Response{{Kind: KindFetch, Fetch: &FetchEvent{Kind: FetchStart, SeqNum: seq}}}
	for i := 0; i+1 < len(items); i += 2 {
		name := strings.ToUpper(items[i].atom())
		val := items[i+1]
		if val.isCode && i+2 < len(items) {
			// The wire layer splits "BODY[1.TEXT]" into the atom "BODY"
			// and a bracketed group; fold the section back into the name.
			sect := make([]string, 0, len(val.children))
			for _, c := range val.children {
				if c.isList {
					sub := make([]string, 0, len(c.children))
					for _, g := range c.children {
						sub = append(sub, g.atom())
					}
					sect = append(sect, "("+strings.Join(sub, " ")+")")
					continue
				}
				sect = append(sect, c.atom())
			}
			name += "[" + strings.Join(sect, " ") + "]"
			i++
			val = items[i+1]
		}
		if name == "UID" {
			n, _ := strconv.ParseUint(val.atom(), 10, 32)
			out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{Kind: FetchStartUID, UID: Num(n)}})
			continue
		}
		if strings.HasPrefix(name, "BODY[") || name == "RFC822" || name == "RFC822.TEXT" {
			if val.isLiteral {
				out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{
					Kind: FetchStreamingBegin, StreamKind: name, StreamBytes: int64(len(val.lit)),
				}})
				out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{
					Kind: FetchStreamingBytes, Buf: val.lit,
				}})
				out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{Kind: FetchStreamingEnd}})
				continue
			}
		}
		out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{
			Kind: FetchSimpleAttribute, AttrName: name, AttrVal: fieldToValue(val),
		}})
	}
	out = append(out, &Response{Kind: KindFetch, Fetch: &FetchEvent{Kind: FetchFinish}})
	return out, nil
}

func fieldToValue(f field) interface{} {
	if f.isList {
		out := make([]interface{}, len(f.children))
		for i, c := range f.children {
			out[i] = fieldToValue(c)
		}
		return out
	}
	if f.isLiteral {
		return string(f.lit)
	}
	return f.text
}
