package imap

import "time"

// ResponseState is the status word of a tagged response or a conditional
// untagged response (§3).
type ResponseState int

const (
	StateOK ResponseState = iota
	StateNO
	StateBAD
)

func (s ResponseState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateNO:
		return "NO"
	case StateBAD:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// ResponseCode is the optional bracketed code carried by a status response
// ("[ALERT]", "[UIDVALIDITY 1]", "[CAPABILITY ...]", ...).
type ResponseCode struct {
	Name string // e.g. "ALERT", "UIDVALIDITY", "CAPABILITY", "APPENDUID", "CLIENTBUG"
	Args []string
}

// Response is the inbound sum type described in spec §3. Exactly one of the
// payload fields is populated per the Kind tag; this mirrors a tagged union
// in a language with real sum types without resorting to an interface per
// variant, which would scatter the type switch the pipeline needs across
// many small files.
type Kind int

const (
	KindTagged Kind = iota
	KindUntagged
	KindFetch
	KindIdleStarted
	KindAuthChallenge
	KindFatal
)

// UntaggedPayloadKind discriminates the Untagged variant's payload.
type UntaggedPayloadKind int

const (
	UntaggedMailboxData UntaggedPayloadKind = iota
	UntaggedMessageData
	UntaggedConditionalState
	UntaggedCapabilityData
	UntaggedEnableData
	UntaggedID
	UntaggedQuota
	UntaggedNamespace
	UntaggedMetadata
)

// MailboxDataKind discriminates MailboxData.
type MailboxDataKind int

const (
	MailboxExists MailboxDataKind = iota
	MailboxRecent
	MailboxFlags
	MailboxStatus
	MailboxList
	MailboxLSub
	MailboxSearch
	MailboxNamespaceData
)

// MailboxData carries "* n EXISTS", "* FLAGS (...)", "* LIST (...)", etc.
type MailboxData struct {
	Kind MailboxDataKind

	Num        uint32   // EXISTS / RECENT count
	Flags      []string // FLAGS
	Mailbox    string   // STATUS / LIST / LSUB mailbox name
	Attrs      []string // LIST/LSUB attributes
	Delimiter  string   // LIST/LSUB hierarchy delimiter
	StatusVals map[string]uint64
	SearchIDs  []Num
	SearchNS   Namespace
}

// MessageDataKind discriminates MessageData.
type MessageDataKind int

const (
	MessageExpunge MessageDataKind = iota
	MessageVanished
	MessageVanishedEarlier
)

// MessageData carries EXPUNGE and VANISHED[ EARLIER] pushes.
type MessageData struct {
	Kind    MessageDataKind
	SeqNum  uint32 // EXPUNGE
	UIDSet  *IDSet // VANISHED[ EARLIER]
}

// ConditionalStateKind discriminates ConditionalState.
type ConditionalStateKind int

const (
	CondOK ConditionalStateKind = iota
	CondBye
	CondNo
	CondBad
)

// ConditionalState carries "* OK ...", "* BYE ...", "* NO ...", "* BAD ...".
type ConditionalState struct {
	Kind ConditionalStateKind
	Text string
	Code *ResponseCode
}

// Untagged wraps a single untagged payload, tagged by UntaggedPayloadKind.
type Untagged struct {
	PayloadKind UntaggedPayloadKind

	Mailbox     *MailboxData
	Message     *MessageData
	Conditional *ConditionalState
	Capability  []string
	Enable      []string
	IDParams    map[string]string
	Quota       *QuotaData
	NamespaceD  *NamespaceData
	Metadata    *MetadataData
}

// QuotaData carries an untagged QUOTA response.
type QuotaData struct {
	Root      string
	Resources map[string][2]uint64 // name -> [usage, limit]
}

// NamespaceData carries an untagged NAMESPACE response.
type NamespaceData struct {
	Personal, Other, Shared []NamespaceDescriptor
}

type NamespaceDescriptor struct {
	Prefix    string
	Delimiter string
}

// MetadataData carries an untagged METADATA response.
type MetadataData struct {
	Mailbox string
	Entries map[string]string
}

// FetchEventKind discriminates FetchEvent per the strictly ordered stream
// invariant in §3: Start|StartUID -> SimpleAttribute* ->
// (StreamingBegin -> StreamingBytes* -> StreamingEnd)* -> Finish.
type FetchEventKind int

const (
	FetchStart FetchEventKind = iota
	FetchStartUID
	FetchSimpleAttribute
	FetchStreamingBegin
	FetchStreamingBytes
	FetchStreamingEnd
	FetchFinish
)

// FetchEvent is one element of a Fetch response stream for a single
// message.
type FetchEvent struct {
	Kind FetchEventKind

	SeqNum uint32 // Start
	UID    Num    // StartUID

	AttrName string // SimpleAttribute name, e.g. "FLAGS", "ENVELOPE", "INTERNALDATE", "RFC822.SIZE"
	AttrVal  interface{}

	StreamKind  string // StreamingBegin: "BODY[...]" section spec
	StreamBytes int64  // StreamingBegin: declared literal length

	Buf []byte // StreamingBytes: one chunk of the literal
}

// Response is the wire-level inbound message.
type Response struct {
	Kind Kind

	// KindTagged
	Tag   string
	State ResponseState
	Text  string
	Code  *ResponseCode

	// KindUntagged
	UntaggedPayload *Untagged

	// KindFetch
	Fetch *FetchEvent

	// KindAuthChallenge
	Challenge []byte

	// KindFatal
	FatalText string
}

// IsBye reports whether this response is an untagged "* BYE ...".
func (r *Response) IsBye() bool {
	return r.Kind == KindUntagged &&
		r.UntaggedPayload != nil &&
		r.UntaggedPayload.PayloadKind == UntaggedConditionalState &&
		r.UntaggedPayload.Conditional != nil &&
		r.UntaggedPayload.Conditional.Kind == CondBye
}

// IsFatal reports whether this response is a Fatal frame.
func (r *Response) IsFatal() bool { return r.Kind == KindFatal }

// TerminationText returns the human-readable text to retain in the buffer's
// termination-reasons list, if this response represents a BYE or Fatal.
func (r *Response) TerminationText() (string, bool) {
	if r.IsFatal() {
		return r.FatalText, true
	}
	if r.IsBye() {
		return r.UntaggedPayload.Conditional.Text, true
	}
	return "", false
}

// IsTagged reports whether this is a tagged terminator frame.
func (r *Response) IsTagged() bool { return r.Kind == KindTagged }

// ServerEventKind discriminates the domain-level events the IDLE/NOOP
// layer exposes to consumers (§4.5).
type ServerEventKind int

const (
	EventExists ServerEventKind = iota
	EventRecent
	EventFlags
	EventExpunge
	EventVanished
	EventFetch
	EventFetchUID
	EventAlert
	EventCapability
	EventBye
)

// ServerEvent is the domain-level event yielded through an IDLE stream or
// returned from NOOP/checkpoint drains (§6).
type ServerEvent struct {
	Kind ServerEventKind
	At   time.Time

	Num          uint32   // Exists / Recent / Expunge (seq) / Fetch (seq)
	UID          Num      // FetchUID
	Flags        []string // Flags / Fetch attrs
	VanishedIDs  *IDSet
	VanishedOlds bool // always false: VANISHED (EARLIER) produces no event
	Text         string // Alert / Bye
	Capabilities []string
	Attrs        map[string]interface{} // not filled: Fetch events carry only FLAGS, in Flags
}
