// Command imapidle drives a resilient imap.Session against a configured
// account and reports mailbox-change events as JSON lines on stdout,
// mirroring the teacher CLI's watch command but built on the new
// resilient IDLE core instead of imapclient.Client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/emx-mail/cli/pkgs/config"
	"github.com/emx-mail/cli/pkgs/imap"

	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// status mirrors the teacher's WatchStatus JSON-line shape (type/level/
// message, plus the fields an IDLE event can carry).
type status struct {
	Type    string   `json:"type"` // "connection", "idle", "event", "error"
	Level   string   `json:"level,omitempty"`
	Message string   `json:"message"`
	Num     uint32   `json:"num,omitempty"`
	Flags   []string `json:"flags,omitempty"`
}

func statusWrite(s status) {
	data, _ := json.Marshal(s)
	fmt.Println(string(data))
}

type watchFlags struct {
	account string
	folder  string
	handler string
	once    bool
	verbose bool
}

func parseFlags(args []string) watchFlags {
	fs := flag.NewFlagSet("imapidle", flag.ExitOnError)
	var f watchFlags
	fs.StringVar(&f.account, "account", "", "Account name or email to use")
	fs.StringVar(&f.folder, "folder", "", "Folder to watch (default: INBOX, or account's watch.folder)")
	fs.StringVar(&f.handler, "handler", "", "Handler command invoked per event, fed the event JSON on stdin")
	fs.BoolVar(&f.once, "once", false, "Exit after the first EXISTS event is reported")
	fs.BoolVar(&f.verbose, "v", false, "Verbose status output")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		fatal("%v", err)
	}
	if *showVersion {
		fmt.Printf("imapidle v%s\n", version)
		os.Exit(0)
	}
	return f
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	f := parseFlags(os.Args[1:])

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal("failed to load config: %v (run 'emx-config' or set %s)", err, config.EnvConfigJSONPath)
	}
	acc, err := cfg.GetAccount(f.account)
	if err != nil {
		fatal("%v", err)
	}
	if acc.IMAP.Host == "" {
		fatal("account %s has no IMAP settings configured", acc.Email)
	}

	folder := f.folder
	idleCfg := imap.DefaultIdleConfig()
	if acc.Watch != nil {
		if folder == "" {
			folder = acc.Watch.Folder
		}
		idleCfg = acc.Watch.ToIdleConfig()
	}
	if folder == "" {
		folder = "INBOX"
	}

	serverCfg := imap.ServerConfig{
		Conn: imap.ConnConfig{
			Host: acc.IMAP.Host,
			Port: acc.IMAP.Port,
			TLS:  acc.IMAP.SSL,
		},
		Credentials: imap.Credentials{
			Login: &struct{ Username, Password string }{acc.IMAP.Username, acc.IMAP.Password},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := imap.NewServer(serverCfg)
	statusWrite(status{Type: "connection", Level: "info", Message: fmt.Sprintf("connecting to %s:%d", acc.IMAP.Host, acc.IMAP.Port)})

	sess, err := server.IdleOn(ctx, folder, idleCfg)
	if err != nil {
		statusWrite(status{Type: "connection", Level: "error", Message: err.Error()})
		os.Exit(1)
	}
	defer sess.Done()

	statusWrite(status{Type: "idle", Level: "info", Message: fmt.Sprintf("watching %s", folder)})

	for {
		ev, ok, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				statusWrite(status{Type: "connection", Level: "info", Message: "shutting down"})
				return
			}
			statusWrite(status{Type: "error", Level: "error", Message: err.Error()})
			continue
		}
		if !ok {
			if f.once {
				return
			}
			continue
		}
		reportEvent(ev, f)
		if f.once && ev.Kind == imap.EventExists {
			return
		}
	}
}

func reportEvent(ev imap.ServerEvent, f watchFlags) {
	s := status{Type: "event", Level: "info", Num: ev.Num, Flags: ev.Flags}
	switch ev.Kind {
	case imap.EventExists:
		s.Message = fmt.Sprintf("EXISTS %d", ev.Num)
	case imap.EventRecent:
		s.Message = fmt.Sprintf("RECENT %d", ev.Num)
	case imap.EventExpunge:
		s.Message = fmt.Sprintf("EXPUNGE %d", ev.Num)
	case imap.EventVanished:
		s.Message = "VANISHED"
	case imap.EventFlags:
		s.Message = "FLAGS"
	case imap.EventAlert:
		s.Message = "ALERT: " + ev.Text
	case imap.EventBye:
		s.Level = "warn"
		s.Message = "BYE: " + ev.Text
	case imap.EventCapability:
		s.Message = "CAPABILITY"
	case imap.EventFetch:
		s.Message = fmt.Sprintf("FETCH %d", ev.Num)
	case imap.EventFetchUID:
		s.Message = fmt.Sprintf("FETCH UID %d", ev.UID)
	default:
		s.Message = "event"
	}
	statusWrite(s)

	if f.handler == "" {
		return
	}
	payload, _ := json.Marshal(s)
	cmd := exec.Command("/bin/sh", "-c", f.handler)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		statusWrite(status{Type: "error", Level: "warn", Message: fmt.Sprintf("handler failed: %v", err)})
	}
}
