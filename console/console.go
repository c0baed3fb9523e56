// Package console is an SSH developer console for a running game. Sessions run on
// their own goroutines and hand every command touching the game or script engine
// to the main loop.
package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/game"
	"github.com/zond/protogame/js"
	"golang.org/x/term"

	gossh "golang.org/x/crypto/ssh"
)

const prompt = "> "

// Evaluator runs script source and returns its result as a string.
type Evaluator interface {
	Eval(source, origin string) (string, error)
}

type Option func(*Console)

func WithEvaluator(eval Evaluator) Option {
	return func(c *Console) {
		c.eval = eval
	}
}

// WithScriptStats enables the "scripts" and "errors" commands.
func WithScriptStats(stats *js.Stats) Option {
	return func(c *Console) {
		c.stats = stats
	}
}

// WithFanout lets sessions subscribe to script console output with "log on".
func WithFanout(fanout *Fanout) Option {
	return func(c *Console) {
		c.fanout = fanout
	}
}

func WithHostKey(signer gossh.Signer) Option {
	return func(c *Console) {
		c.signer = signer
	}
}

// WithAuthorizedKeys restricts logins to keys. Without it any key is accepted.
func WithAuthorizedKeys(keys []gossh.PublicKey) Option {
	return func(c *Console) {
		c.authorized = keys
	}
}

// WithShutdown enables the "shutdown" command, which calls f.
func WithShutdown(f func()) Option {
	return func(c *Console) {
		c.shutdown = f
	}
}

type Console struct {
	iface      *game.ScriptInterface
	eval       Evaluator
	shutdown   func()
	fanout     *Fanout
	stats      *js.Stats
	commands   commands
	signer     gossh.Signer
	authorized []gossh.PublicKey

	mu       sync.Mutex
	server   *ssh.Server
	listener net.Listener
	done     chan struct{}
}

func New(iface *game.ScriptInterface, opts ...Option) *Console {
	c := &Console{
		iface: iface,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.buildCommands()
	return c
}

// Execute runs a single command line, writing its output to out. It blocks until
// the main loop has run the command or ctx is done.
func (c *Console) Execute(ctx context.Context, out io.Writer, line string) (quit bool, err error) {
	s := &session{console: c, ctx: ctx, out: out}
	err = s.execute(line)
	return s.quit, err
}

// Interact reads commands from t until the client quits or disconnects.
func (c *Console) Interact(ctx context.Context, t *term.Terminal) error {
	s := &session{console: c, ctx: ctx, out: t}
	defer func() {
		if s.logging {
			c.fanout.Drop(t)
		}
	}()
	fmt.Fprintln(t, "protogame console, type \"help\" for commands")
	for !s.quit {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return protogame.WithStack(err)
		}
		if err := s.execute(line); err != nil {
			if ctx.Err() != nil {
				return protogame.WithStack(ctx.Err())
			}
			fmt.Fprintf(t, "Error: %v\n", err)
		}
	}
	return nil
}

// HandleSession serves one SSH session. Exec requests run their command and exit.
func (c *Console) HandleSession(sess ssh.Session) {
	log.Printf("Console: Session from %v as %q", sess.RemoteAddr(), sess.User())
	if cmd := sess.RawCommand(); cmd != "" {
		if _, err := c.Execute(sess.Context(), sess, cmd); err != nil {
			fmt.Fprintf(sess.Stderr(), "Error: %v\n", err)
			sess.Exit(1)
			return
		}
		sess.Exit(0)
		return
	}
	t := term.NewTerminal(sess, prompt)
	if pty, winCh, ok := sess.Pty(); ok {
		t.SetSize(pty.Window.Width, pty.Window.Height)
		go func() {
			for win := range winCh {
				t.SetSize(win.Width, win.Height)
			}
		}()
	}
	if err := c.Interact(sess.Context(), t); err != nil {
		log.Printf("Console: Session from %v failed: %v", sess.RemoteAddr(), err)
	}
}

func (c *Console) authorize(ctx ssh.Context, key ssh.PublicKey) bool {
	if len(c.authorized) == 0 {
		return true
	}
	for _, allowed := range c.authorized {
		if ssh.KeysEqual(allowed, key) {
			return true
		}
	}
	log.Printf("Console: Rejected key %s from %v", gossh.FingerprintSHA256(key), ctx.RemoteAddr())
	return false
}

// Start listens on addr and serves sessions until Close.
func (c *Console) Start(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return errors.New("console already started")
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return protogame.WithStack(err)
	}
	srv := &ssh.Server{
		Handler:          c.HandleSession,
		PublicKeyHandler: c.authorize,
	}
	if c.signer != nil {
		srv.AddHostKey(c.signer)
		log.Printf("Console: Listening on %q with public key %q", l.Addr(), gossh.FingerprintSHA256(c.signer.PublicKey()))
	} else {
		log.Printf("Console: Listening on %q", l.Addr())
	}
	c.server = srv
	c.listener = l
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			log.Printf("Console: Serve failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (c *Console) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Console) Close() error {
	c.mu.Lock()
	srv, done := c.server, c.done
	c.server, c.listener, c.done = nil, nil, nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Close()
	<-done
	if err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		return protogame.WithStack(err)
	}
	return nil
}
