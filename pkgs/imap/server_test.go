package imap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// ---------------------------------------------------------------------------
// In-process IMAP server helper, grounded on the teacher's imap_test.go.
// ---------------------------------------------------------------------------

const (
	testUser = "testuser"
	testPass = "testpass"
)

func newTestServer(t *testing.T) (host string, port int, mem *imapmemserver.Server) {
	t.Helper()

	mem = imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	user.Create("INBOX", nil)
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: goimap.CapSet{
			goimap.CapIMAP4rev1: {},
			goimap.CapIdle:      {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		t.Fatal(err)
	}
	return h, port, mem
}

// appendMail appends a raw RFC 5322 message directly through emersion's
// client, bypassing the engine under test, matching the teacher's
// appendTestMail helper.
func appendMail(t *testing.T, host string, port int, mailbox, raw string) {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	defer c.Close()
	if err := c.Login(testUser, testPass).Wait(); err != nil {
		t.Fatal(err)
	}
	cmd := c.Append(mailbox, int64(len(raw)), nil)
	if _, err := cmd.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
}

func newTestServerConfig(host string, port int) ServerConfig {
	return ServerConfig{
		Conn: ConnConfig{
			Host:            host,
			Port:            port,
			DialTimeout:     5 * time.Second,
			GreetingTimeout: 5 * time.Second,
		},
		Credentials: Credentials{
			Login: &struct{ Username, Password string }{testUser, testPass},
		},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestServerConnectLogin(t *testing.T) {
	host, port, _ := newTestServer(t)
	srv := NewServer(newTestServerConfig(host, port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer srv.Disconnect()

	caps, err := srv.FetchCapabilities(ctx)
	if err != nil {
		t.Fatalf("FetchCapabilities: %v", err)
	}
	found := false
	for _, c := range caps {
		if c == CapIMAP4rev1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected IMAP4REV1 capability, got %v", caps)
	}
}

func TestServerConnectBadCredentials(t *testing.T) {
	host, port, _ := newTestServer(t)
	cfg := newTestServerConfig(host, port)
	cfg.Credentials = Credentials{Login: &struct{ Username, Password string }{testUser, "wrong-password"}}
	srv := NewServer(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Connect(ctx); err == nil {
		t.Fatal("expected Connect with bad credentials to fail")
	}
}

func TestServerSelectAndFetch(t *testing.T) {
	host, port, _ := newTestServer(t)
	appendMail(t, host, port, "INBOX", "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n")

	srv := NewServer(newTestServerConfig(host, port))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer srv.Disconnect()

	sel, err := srv.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Exists != 1 {
		t.Fatalf("expected 1 message in INBOX, got %d", sel.Exists)
	}

	infos, err := srv.FetchInfo(ctx, NewIDSet(1), false, []string{"FLAGS"})
	if err != nil {
		t.Fatalf("FetchInfo: %v", err)
	}
	if len(infos) != 1 || infos[0].SeqNum != 1 {
		t.Fatalf("unexpected fetch result: %+v", infos)
	}
}

func TestServerAppendAndExpunge(t *testing.T) {
	host, port, _ := newTestServer(t)
	srv := NewServer(newTestServerConfig(host, port))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer srv.Disconnect()

	raw := []byte("From: b@example.com\r\nSubject: test\r\n\r\nhello\r\n")
	if _, err := srv.Append(ctx, "INBOX", []string{"\\Seen"}, time.Time{}, raw); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := srv.Select(ctx, "INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := srv.Store(ctx, NewIDSet(1), false, "+FLAGS", []string{"\\Deleted"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	seqs, err := srv.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(seqs) != 1 {
		t.Fatalf("expected 1 expunged sequence number, got %v", seqs)
	}
}

// TestServerIdleObservesAppend drives a second, direct emersion client to
// append a message while the engine holds the mailbox open via IdleOn, and
// asserts the resulting EXISTS event surfaces on the Session's event stream
// (§8 S3 "a message arriving during IDLE is observed without a restart").
func TestServerIdleObservesAppend(t *testing.T) {
	host, port, _ := newTestServer(t)
	srv := NewServer(newTestServerConfig(host, port))

	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Connect(connectCtx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer srv.Disconnect()

	idleCfg := DefaultIdleConfig()
	idleCfg.RenewalInterval = time.Minute
	idleCfg.NoopInterval = time.Minute

	sessCtx, sessCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sessCancel()

	sess, err := srv.IdleOn(sessCtx, "INBOX", idleCfg)
	if err != nil {
		t.Fatalf("IdleOn: %v", err)
	}
	defer sess.Done()

	appendMail(t, host, port, "INBOX", "From: c@example.com\r\nSubject: push\r\n\r\nnew mail\r\n")

	for {
		ev, ok, err := sess.Next(sessCtx)
		if err != nil {
			t.Fatalf("Session.Next: %v", err)
		}
		if !ok {
			continue
		}
		if ev.Kind == EventExists {
			return
		}
	}
}
