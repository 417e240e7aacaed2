package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"

	"github.com/user/termlink/internal/api"
	"github.com/user/termlink/internal/client"
	"github.com/user/termlink/internal/registry"
	"github.com/user/termlink/internal/session"
)

const usage = `usage: termlink [-dir DIR] [-v] <command> [args]

commands:
  add [-port N] [-label L] [-secure] HOST   register a host
  list                                      list registered hosts
  remove ID                                 forget a host
  pair ID CODE                              exchange a pairing code for a token
  sessions ID                               list sessions on a host
  new [-cwd DIR] [-shell CMD] ID            start a session
  kill ID SESSION                           kill a session
  capture ID SESSION                        dump a session's scrollback on the host
  attach [-no-predict] ID SESSION           attach to a session (detach with Ctrl-])
`

type cli struct {
	mgr *client.Manager
}

func main() {
	fs := flag.NewFlagSet("termlink", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	dir := fs.String("dir", registry.DefaultDir(), "connection registry directory")
	verbose := fs.Bool("v", false, "log to stderr")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dir, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "termlink:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir, cmd string, args []string) error {
	reg, err := registry.NewRegistry(dir)
	if err != nil {
		return err
	}

	switch cmd {
	case "add":
		return cmdAdd(reg, args)
	case "list":
		return cmdList(reg)
	case "remove":
		if len(args) != 1 {
			return errors.New("usage: remove ID")
		}
		return reg.Delete(args[0])
	}

	attachFlags := flag.NewFlagSet("attach", flag.ContinueOnError)
	noPredict := attachFlags.Bool("no-predict", false, "disable local echo")
	if cmd == "attach" {
		if err := attachFlags.Parse(args); err != nil {
			return err
		}
		args = attachFlags.Args()
	}

	c := &cli{mgr: client.NewManager(reg, client.Options{DisablePrediction: *noPredict})}
	defer c.mgr.Close()
	c.mgr.Restore()

	switch cmd {
	case "pair":
		if len(args) != 2 {
			return errors.New("usage: pair ID CODE")
		}
		if err := c.mgr.Pair(ctx, args[0], args[1], hostname()); err != nil {
			return err
		}
		fmt.Println("paired")
		return nil
	case "sessions":
		if len(args) != 1 {
			return errors.New("usage: sessions ID")
		}
		return c.sessions(ctx, args[0])
	case "new":
		return c.newSession(ctx, args)
	case "kill":
		if len(args) != 2 {
			return errors.New("usage: kill ID SESSION")
		}
		_, err := c.mgr.ExecuteAction(ctx, args[0], api.ActionRequest{Action: api.ActionKillSession, SessionID: args[1]})
		return err
	case "capture":
		if len(args) != 2 {
			return errors.New("usage: capture ID SESSION")
		}
		body, err := c.mgr.ExecuteAction(ctx, args[0], api.ActionRequest{Action: api.ActionCaptureBuffer, SessionID: args[1]})
		if err != nil {
			return err
		}
		res := gjson.ParseBytes(body)
		if !res.Get("available").Bool() {
			fmt.Println("scrollback capture not available for this session")
			return nil
		}
		path := res.Get("path")
		if !path.Exists() {
			return fmt.Errorf("unexpected capture response: %s", body)
		}
		fmt.Println(path.String())
		return nil
	case "attach":
		if len(args) != 2 {
			return errors.New("usage: attach [-no-predict] ID SESSION")
		}
		return attach(ctx, c.mgr, args[0], args[1])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdAdd(reg *registry.Registry, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	port := fs.Int("port", registry.DefaultPort, "host port")
	label := fs.String("label", "", "display name")
	secure := fs.Bool("secure", false, "use TLS")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: add [-port N] [-label L] [-secure] HOST")
	}
	p := &registry.Profile{Host: fs.Arg(0), Port: *port, Label: *label, Secure: *secure}
	if p.Label == "" {
		p.Label = p.Host
	}
	if err := reg.Save(p); err != nil {
		return err
	}
	fmt.Println(p.ID)
	return nil
}

func cmdList(reg *registry.Registry) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tADDRESS\tTOKEN")
	for _, p := range reg.List() {
		token := "none"
		switch {
		case p.Token == "":
		case !p.TokenExpiresAt.IsZero() && time.Now().After(p.TokenExpiresAt):
			token = "expired " + humanize.Time(p.TokenExpiresAt)
		case !p.TokenExpiresAt.IsZero():
			token = "expires " + humanize.Time(p.TokenExpiresAt)
		default:
			token = "static"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\n", p.ID, p.Label, p.Host, p.Port, token)
	}
	return tw.Flush()
}

func (c *cli) sessions(ctx context.Context, id string) error {
	body, err := c.mgr.ExecuteAction(ctx, id, api.ActionRequest{Action: api.ActionListSessions})
	if err != nil {
		return err
	}
	var out struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tBACKEND\tSIZE\tCWD")
	for _, s := range out.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\n", s.ID, s.Backend, s.Cols, s.Rows, s.Cwd)
	}
	return tw.Flush()
}

func (c *cli) newSession(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	cwd := fs.String("cwd", "", "working directory on the host")
	shell := fs.String("shell", "", "shell command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: new [-cwd DIR] [-shell CMD] ID")
	}
	body, err := c.mgr.ExecuteAction(ctx, fs.Arg(0), api.ActionRequest{Action: api.ActionCreateSession, Cwd: *cwd, Shell: *shell})
	if err != nil {
		return err
	}
	id := gjson.GetBytes(body, "id")
	if !id.Exists() {
		return fmt.Errorf("unexpected create response: %s", body)
	}
	fmt.Println(id.String())
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "termlink"
	}
	return name
}
