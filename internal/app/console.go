package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/aptrium/internal/session"
	"github.com/MrWong99/aptrium/internal/transcript"
)

// ErrQuit is returned by [Console.Run] when the user asks to exit.
var ErrQuit = errors.New("app: quit requested")

// HistoryFunc loads the finalised turns of a session. An empty sessionID
// means the current or most recent one.
type HistoryFunc func(ctx context.Context, sessionID string) ([]transcript.Turn, error)

// Display names of the two speakers in printed transcripts.
const (
	userLabel  = "You"
	agentLabel = "Aptrium"
)

// Console is the terminal presentation layer. It prints the status line, the
// in-progress transcript and completed turns, and turns input lines into
// commands:
//
//	<Enter>          start or stop the conversation
//	h, history       print all completed turns of the current session
//	h <session-id>   print the stored turns of an earlier session
//	q, quit          end the session and exit
//
// Observer methods are safe to call from any goroutine.
type Console struct {
	in  io.Reader
	out io.Writer

	mu         sync.Mutex
	lastErr    error
	lastStatus string
	interim    bool // an interim line is on screen without a trailing newline
}

// NewConsole creates a [Console] reading commands from in and printing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// Status prints the status line for s. The error text stays selected while
// idle after a failure, until the next session starts connecting.
func (c *Console) Status(s session.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case session.StatusError:
		c.lastErr = err
	case session.StatusConnecting:
		c.lastErr = nil
	}
	text := s.Text(c.lastErr)
	if text == c.lastStatus {
		return
	}
	c.lastStatus = text
	c.endInterim()
	fmt.Fprintf(c.out, "» %s\n", text)
}

// Interim redraws the in-progress transcript line.
func (c *Console) Interim(in transcript.Interim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in.User == "" && in.Agent == "" {
		if c.interim {
			fmt.Fprint(c.out, "\r\x1b[2K")
			c.interim = false
		}
		return
	}
	var b strings.Builder
	b.WriteString("\r\x1b[2K… ")
	if in.User != "" {
		fmt.Fprintf(&b, "%s: %s", userLabel, in.User)
	}
	if in.Agent != "" {
		if in.User != "" {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "%s: %s", agentLabel, in.Agent)
	}
	fmt.Fprint(c.out, b.String())
	c.interim = true
}

// SessionStarted prints the ID under which the session's turns are stored.
func (c *Console) SessionStarted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endInterim()
	fmt.Fprintf(c.out, "» Session %s\n", id)
}

// Turn prints a completed turn.
func (c *Console) Turn(t transcript.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endInterim()
	c.printTurn(t)
}

// endInterim terminates an open interim line. Callers hold c.mu.
func (c *Console) endInterim() {
	if c.interim {
		fmt.Fprint(c.out, "\r\x1b[2K")
		c.interim = false
	}
}

// printTurn writes both lines of t. Empty sides are skipped. Callers hold c.mu.
func (c *Console) printTurn(t transcript.Turn) {
	if t.User != "" {
		fmt.Fprintf(c.out, "%s: %s\n", userLabel, t.User)
	}
	if t.Agent != "" {
		fmt.Fprintf(c.out, "%s: %s\n", agentLabel, t.Agent)
	}
}

// Run reads commands until ctx is cancelled, input ends, or the user quits.
// toggle is invoked on <Enter>; its errors are logged and do not end the
// loop. history supplies the turns printed by the history command; an empty
// session ID selects the current or most recent session.
//
// End of input returns nil so a headless process keeps serving until it is
// signalled.
func (c *Console) Run(ctx context.Context, toggle func(context.Context) error, history HistoryFunc) error {
	lines := make(chan string)
	// The reader goroutine cannot be interrupted; it ends with the input.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("console: read input", "err", err)
		}
	}()

	c.mu.Lock()
	fmt.Fprintln(c.out, "Press Enter to start or stop the conversation, q to quit.")
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
			switch strings.ToLower(cmd) {
			case "":
				if err := toggle(ctx); err != nil {
					slog.Warn("console: toggle session", "err", err)
				}
			case "h", "history":
				turns, err := history(ctx, strings.TrimSpace(arg))
				if err != nil {
					c.mu.Lock()
					fmt.Fprintf(c.out, "history unavailable: %v\n", err)
					c.mu.Unlock()
					continue
				}
				c.printHistory(turns)
			case "q", "quit", "exit":
				return ErrQuit
			default:
				c.mu.Lock()
				fmt.Fprintf(c.out, "unknown command %q\n", line)
				c.mu.Unlock()
			}
		}
	}
}

func (c *Console) printHistory(turns []transcript.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endInterim()
	if len(turns) == 0 {
		fmt.Fprintln(c.out, "(no conversation yet)")
		return
	}
	for _, t := range turns {
		c.printTurn(t)
	}
}
