package imap

// Selection is SELECT/EXAMINE's accumulated result (§4.3): the mailbox
// state a client needs before issuing FETCH/STORE/SEARCH against it.
type Selection struct {
	Mailbox        string
	ReadOnly       bool
	Exists         uint32
	Recent         uint32
	Flags          []string
	PermanentFlags []string
	Unseen         uint32
	UIDValidity    uint32
	UIDNext        uint32
}

// MessageInfo is one message's accumulated FETCH data (§4.3 "Fetch
// handlers ... info").
type MessageInfo struct {
	SeqNum        uint32
	UID           Num
	Flags         []string
	InternalDate  string
	Size          uint64
	Envelope      interface{}
	BodyStructure interface{}
	Attrs         map[string]interface{}
}

// FetchPart is the result of a single-part streaming FETCH (§4.3 "Fetch
// handlers ... part").
type FetchPart struct {
	SeqNum uint32
	UID    Num
	Spec   string // the requested BODY[...] section spec
	Data   []byte
}

// AppendResult carries the optional APPENDUID response code (§4.3
// "Append handler").
type AppendResult struct {
	UIDValidity uint32
	UID         Num // zero if the server did not return UIDPLUS data
}

// Identification is the free-form key/value bag exchanged by the ID
// command (RFC 2971).
type Identification map[string]string

// MailboxListing is one entry from LIST/LSUB.
type MailboxListing struct {
	Name      string
	Delimiter string
	Attrs     []string
}

// StatusResult carries STATUS's requested items.
type StatusResult struct {
	Mailbox string
	Values  map[string]uint64
}

// QuotaResult mirrors QuotaData for the caller-facing API.
type QuotaResult struct {
	Root      string
	Resources map[string][2]uint64
}
