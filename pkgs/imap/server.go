package imap

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// namedConnPoolCap and namedConnPoolBurst implement §4.5's "cap of 3,
// bursting to 4" named-connection recommendation: up to 3 named
// connections are kept warm indefinitely; a 4th is allowed on demand and
// evicted (LRU) as soon as the pool needs room again.
const (
	namedConnPoolCap   = 3
	namedConnPoolBurst = 4
)

// Credentials is the collaborator-supplied authentication policy a Server
// (and any Session it starts) replays after every (re)connect.
type Credentials struct {
	// Exactly one of Login or XOAUTH2 should be set.
	Login *struct{ Username, Password string }
	XOAUTH2 *struct{ Email, AccessToken string }
}

func (cr Credentials) apply(ctx context.Context, conn *Connection, token interface{}) error {
	switch {
	case cr.XOAUTH2 != nil:
		_, err := conn.AuthenticateXOAUTH2(ctx, token, cr.XOAUTH2.Email, cr.XOAUTH2.AccessToken)
		return err
	case cr.Login != nil:
		_, err := conn.Login(ctx, token, cr.Login.Username, cr.Login.Password)
		return err
	default:
		return &InvalidArgumentError{Reason: "no credentials configured"}
	}
}

// ServerConfig bundles a Server's dial target and authentication policy.
type ServerConfig struct {
	Conn        ConnConfig
	Credentials Credentials
}

// Server is the top-level collaborator-facing object (§6 "Server object").
// It owns the primary connection plus a small pool of named side
// connections, and is the entry point for both one-shot mailbox commands
// and resilient IDLE sessions.
type Server struct {
	cfg ServerConfig

	mu      sync.Mutex
	primary *Connection

	pool     map[string]*list.Element // name -> LRU node
	lru      *list.List               // front = most-recently-used
	sessions []*Session
}

type namedConn struct {
	name string
	conn *Connection
}

// NewServer builds a Server bound to cfg. No network I/O happens until
// Connect is called.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg, pool: map[string]*list.Element{}, lru: list.New()}
}

// Connect dials and authenticates the primary connection (§6 "connect()",
// "login(user,pass)"/"authenticateXOAUTH2(...)").
func (s *Server) Connect(ctx context.Context) error {
	conn, err := Connect(ctx, s.cfg.Conn)
	if err != nil {
		return err
	}
	if err := s.cfg.Credentials.apply(ctx, conn, s); err != nil {
		conn.Close()
		return err
	}
	s.mu.Lock()
	s.primary = conn
	s.mu.Unlock()
	return nil
}

// Login re-authenticates the primary connection via plain LOGIN, updating
// the Server's credential policy for future reconnects.
func (s *Server) Login(ctx context.Context, username, password string) (CapabilitySet, error) {
	s.cfg.Credentials = Credentials{Login: &struct{ Username, Password string }{username, password}}
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.Login(ctx, s, username, password)
}

// AuthenticateXOAUTH2 re-authenticates the primary connection via
// AUTHENTICATE XOAUTH2, updating the Server's credential policy for future
// reconnects.
func (s *Server) AuthenticateXOAUTH2(ctx context.Context, email, accessToken string) (CapabilitySet, error) {
	s.cfg.Credentials = Credentials{XOAUTH2: &struct{ Email, AccessToken string }{email, accessToken}}
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.AuthenticateXOAUTH2(ctx, s, email, accessToken)
}

// FetchCapabilities issues CAPABILITY on the primary connection (§6
// "fetchCapabilities() -> list<Capability>").
func (s *Server) FetchCapabilities(ctx context.Context) ([]string, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	caps, err := conn.Capability(ctx, s)
	if err != nil {
		return nil, err
	}
	return caps.List(), nil
}

// ID issues the ID command on the primary connection (§6 "id(Identification)
// -> Identification").
func (s *Server) ID(ctx context.Context, params Identification) (Identification, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.ID(ctx, s, params)
}

// Logout issues LOGOUT on the primary connection (§6 "logout()").
func (s *Server) Logout(ctx context.Context) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.Logout(ctx, s)
}

// Disconnect tears down the primary connection, every named connection,
// and any still-running resilient Sessions (§6 "disconnect()").
func (s *Server) Disconnect() {
	s.mu.Lock()
	primary := s.primary
	s.primary = nil
	var conns []*Connection
	for _, el := range s.pool {
		conns = append(conns, el.Value.(*namedConn).conn)
	}
	s.pool = map[string]*list.Element{}
	s.lru.Init()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Done()
	}
	for _, c := range conns {
		c.Close()
	}
	if primary != nil {
		primary.Close()
	}
}

func (s *Server) primaryConn() (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil {
		return nil, &ConnectionFailedError{Reason: "not connected"}
	}
	return s.primary, nil
}

// NamedConnection returns the connection for name, dialing and
// authenticating a fresh one if it is not already pooled (§4.5 "Named
// connections", SPEC_FULL "Named connection pool"). The pool keeps up to
// namedConnPoolCap connections warm; a namedConnPoolBurst-th is allowed
// on demand and the least-recently-used entry is evicted to make room for
// the next newcomer.
func (s *Server) NamedConnection(ctx context.Context, name string) (*Connection, error) {
	s.mu.Lock()
	if el, ok := s.pool[name]; ok {
		s.lru.MoveToFront(el)
		conn := el.Value.(*namedConn).conn
		s.mu.Unlock()
		return conn, nil
	}
	size := s.lru.Len()
	s.mu.Unlock()

	if size >= namedConnPoolBurst {
		s.evictOldest()
	}

	conn, err := Connect(ctx, s.cfg.Conn)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Credentials.apply(ctx, conn, conn); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	if size := s.lru.Len(); size >= namedConnPoolBurst {
		s.mu.Unlock()
		s.evictOldest()
		s.mu.Lock()
	}
	el := s.lru.PushFront(&namedConn{name: name, conn: conn})
	s.pool[name] = el
	s.mu.Unlock()
	return conn, nil
}

func (s *Server) evictOldest() {
	s.mu.Lock()
	el := s.lru.Back()
	if el == nil {
		s.mu.Unlock()
		return
	}
	nc := el.Value.(*namedConn)
	s.lru.Remove(el)
	delete(s.pool, nc.name)
	s.mu.Unlock()
	nc.conn.Close()
}

// Idle starts a bare IDLE on the primary connection and returns its raw
// event stream (§6 "idle() -> stream<ServerEvent>").
func (s *Server) Idle(ctx context.Context) (*IdleStream, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.StartIdle(ctx, s)
}

// IdleOn starts the resilient, self-healing IDLE loop on mailbox using a
// dedicated connection, per §6 "idle(on: mailbox, config) -> Session". The
// returned Session survives transport drops and BYEs by reconnecting,
// re-authenticating and re-selecting mailbox according to cfg.
func (s *Server) IdleOn(ctx context.Context, mailbox string, cfg IdleConfig) (*Session, error) {
	conn, err := Connect(ctx, s.cfg.Conn)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Credentials.apply(ctx, conn, conn); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Select(ctx, conn, mailbox, false); err != nil {
		conn.Close()
		return nil, err
	}

	deps := SessionDeps{
		Dial: func(dialCtx context.Context) (*Connection, error) {
			return Connect(dialCtx, s.cfg.Conn)
		},
		Authenticate: func(authCtx context.Context, newConn *Connection, mb string) error {
			if err := s.cfg.Credentials.apply(authCtx, newConn, newConn); err != nil {
				return err
			}
			_, err := newConn.Select(authCtx, newConn, mb, false)
			return err
		},
		Logger: s.cfg.Conn.Logger,
	}

	sess := StartResilientIdle(ctx, conn, mailbox, cfg, deps)
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return sess, nil
}

// Noop issues NOOP on the primary connection (§6 "noop() -> list<ServerEvent>").
func (s *Server) Noop(ctx context.Context) ([]ServerEvent, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.Noop(ctx, s)
}

// Done tears down the primary connection. It is the non-resilient
// counterpart to Session.Done (§6 "done()").
func (s *Server) Done() {
	conn, err := s.primaryConn()
	if err != nil {
		return
	}
	conn.Close()
}

// --- Mailbox-scoped commands (§6), delegated straight to the primary
// connection, mirroring the teacher's imap.go's thin per-command wrapper
// shape over an underlying client.

func (s *Server) Select(ctx context.Context, mailbox string, readOnly bool) (Selection, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return Selection{}, err
	}
	return conn.Select(ctx, s, mailbox, readOnly)
}

func (s *Server) CloseMailbox(ctx context.Context) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.CloseMailbox(ctx, s)
}

func (s *Server) Unselect(ctx context.Context) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.Unselect(ctx, s)
}

func (s *Server) List(ctx context.Context, reference, pattern string) ([]MailboxListing, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.List(ctx, s, reference, pattern)
}

func (s *Server) Status(ctx context.Context, mailbox string, items []string) (StatusResult, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return StatusResult{}, err
	}
	return conn.Status(ctx, s, mailbox, items)
}

func (s *Server) FetchInfo(ctx context.Context, set *IDSet, uid bool, items []string) ([]MessageInfo, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.FetchInfo(ctx, s, set, uid, items)
}

func (s *Server) FetchPart(ctx context.Context, id Num, uid bool, section string) (FetchPart, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return FetchPart{}, err
	}
	return conn.FetchPart(ctx, s, id, uid, section)
}

func (s *Server) Search(ctx context.Context, uid bool, criteria string) (*IDSet, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.Search(ctx, s, uid, criteria)
}

func (s *Server) Copy(ctx context.Context, set *IDSet, uid bool, mailbox string) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.Copy(ctx, s, set, uid, mailbox)
}

func (s *Server) Store(ctx context.Context, set *IDSet, uid bool, op string, flags []string) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.Store(ctx, s, set, uid, op, flags)
}

func (s *Server) Expunge(ctx context.Context) ([]uint32, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return nil, err
	}
	return conn.Expunge(ctx, s)
}

func (s *Server) Move(ctx context.Context, set *IDSet, uid bool, mailbox string) error {
	conn, err := s.primaryConn()
	if err != nil {
		return err
	}
	return conn.Move(ctx, s, set, uid, mailbox)
}

func (s *Server) Append(ctx context.Context, mailbox string, flags []string, when time.Time, body []byte) (AppendResult, error) {
	conn, err := s.primaryConn()
	if err != nil {
		return AppendResult{}, err
	}
	return conn.Append(ctx, s, mailbox, flags, when, body)
}

// CreateDraft appends body to mailbox flagged \Draft (§6 "createDraft").
func (s *Server) CreateDraft(ctx context.Context, mailbox string, body []byte) (AppendResult, error) {
	return s.Append(ctx, mailbox, []string{`\Draft`}, time.Now(), body)
}
