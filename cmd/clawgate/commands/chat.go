package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/client"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent through a running gateway",
		Long: `Open a realtime session on the running gateway and chat with the
agent. With a message argument, sends it, prints the reply and exits.

Examples:
  clawgate chat
  clawgate chat "What's on my calendar?"
  clawgate chat --session web_browser_3f2a...`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().StringP("session", "s", "", "resume an existing session id")
	cmd.Flags().StringP("model", "m", "", "model for a new session")
	cmd.Flags().String("url", "", "gateway websocket URL (default from config)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = gatewayURL(cfg)
	}
	sessionID, _ := cmd.Flags().GetString("session")
	model, _ := cmd.Flags().GetString("model")

	ctx := cmd.Context()
	c, err := client.Dial(ctx, url, cfg.Gateway.AuthToken, client.Options{})
	if err != nil {
		return fmt.Errorf("%w (is 'clawgate serve' running?)", err)
	}
	defer c.Close()

	ch := &chat{client: c, out: os.Stdout, turnDone: make(chan struct{}, 1)}
	if err := ch.open(ctx, sessionID, model); err != nil {
		return err
	}

	if len(args) == 1 {
		go ch.pump()
		return ch.prompt(ctx, args[0])
	}

	lines, err := newLineReader(cfg)
	if err != nil {
		return err
	}
	defer lines.Close()
	ch.out = lines.Stdout()

	go ch.pump()
	fmt.Fprintln(ch.out, dim.Sprintf("connected to %s, session %s", url, ch.session()))
	fmt.Fprintln(ch.out, dim.Sprint("Type a message and press Enter. /help for commands. Ctrl+D to quit."))
	return ch.loop(ctx, lines)
}

// gatewayURL turns the configured listen address into a websocket URL.
func gatewayURL(cfg *config.Config) string {
	addr := cfg.Gateway.Address
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "ws://" + addr + "/"
}

// chat is one terminal conversation over a gateway connection.
type chat struct {
	client *client.Client
	out    io.Writer

	mu        sync.Mutex
	sessionID string

	turnDone chan struct{}
}

func (c *chat) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *chat) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// open resumes sessionID, or creates a new session when it is empty.
func (c *chat) open(ctx context.Context, sessionID, model string) error {
	if sessionID != "" {
		res, err := c.client.Call(ctx, sessionID, &protocol.GetState{})
		if err != nil {
			return fmt.Errorf("resuming %s: %w", sessionID, err)
		}
		var st agent.State
		if err := res.Decode(&st); err != nil {
			return err
		}
		c.setSession(sessionID)
		return nil
	}

	res, err := c.client.Call(ctx, "", &protocol.NewSession{Model: model})
	if err != nil {
		return err
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := res.Decode(&created); err != nil {
		return err
	}
	c.setSession(created.SessionID)
	return nil
}

// pump renders events of the current session until the connection ends.
func (c *chat) pump() {
	r := &renderer{w: c.out}
	for frame := range c.client.Events() {
		if frame.Kind != protocol.KindEvent || frame.Event == nil {
			continue
		}
		if frame.SessionID != "" && frame.SessionID != c.session() {
			continue
		}
		if r.render(frame.Event) {
			select {
			case c.turnDone <- struct{}{}:
			default:
			}
		}
	}
	select {
	case c.turnDone <- struct{}{}:
	default:
	}
}

// prompt sends text and waits for the turn to end. Ctrl+C while waiting
// aborts the turn.
func (c *chat) prompt(ctx context.Context, text string) error {
	select {
	case <-c.turnDone:
	default:
	}
	if _, err := c.client.Call(ctx, c.session(), &protocol.Prompt{Message: text}); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-c.turnDone:
			return nil
		case <-c.client.Done():
			return c.client.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupt:
			if _, err := c.client.Call(ctx, c.session(), &protocol.Abort{}); err != nil {
				return err
			}
		}
	}
}

func (c *chat) loop(ctx context.Context, lines lineReader) error {
	for {
		line, err := lines.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if name, arg, ok := parseSlash(line); ok {
			quit, err := c.command(ctx, name, arg)
			if err != nil {
				fmt.Fprintln(c.out, failure.Sprint("error: ")+err.Error())
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.prompt(ctx, line); err != nil {
			if errors.Is(err, client.ErrClosed) {
				return fmt.Errorf("gateway closed the connection")
			}
			fmt.Fprintln(c.out, failure.Sprint("error: ")+err.Error())
		}
	}
}

// command runs a slash command and reports whether the REPL should exit.
func (c *chat) command(ctx context.Context, name, arg string) (bool, error) {
	id := c.session()
	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help":
		c.help()
	case "abort":
		_, err := c.client.Call(ctx, id, &protocol.Abort{})
		return false, err
	case "model":
		if arg == "" {
			res, err := c.client.Call(ctx, id, &protocol.GetState{})
			if err != nil {
				return false, err
			}
			var st agent.State
			if err := res.Decode(&st); err != nil {
				return false, err
			}
			fmt.Fprintln(c.out, "model: "+st.Model)
			return false, nil
		}
		_, err := c.client.Call(ctx, id, &protocol.SetModel{Model: arg})
		return false, err
	case "compact":
		_, err := c.client.Call(ctx, id, &protocol.Compact{})
		return false, err
	case "bash", "!":
		if arg == "" {
			return false, errors.New("usage: /bash <command>")
		}
		_, err := c.client.Call(ctx, id, &protocol.Bash{Command: arg})
		return false, err
	case "reset":
		if _, err := c.client.Call(ctx, id, &protocol.ResetSession{}); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, dim.Sprint("session reloaded from disk"))
	case "new":
		if err := c.open(ctx, "", arg); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, dim.Sprint("new session "+c.session()))
	case "fork":
		res, err := c.client.Call(ctx, id, &protocol.Fork{})
		if err != nil {
			return false, err
		}
		var forked struct {
			SessionID string `json:"sessionId"`
		}
		if err := res.Decode(&forked); err != nil {
			return false, err
		}
		c.setSession(forked.SessionID)
		fmt.Fprintln(c.out, dim.Sprint("forked into "+forked.SessionID))
	case "switch":
		if arg == "" {
			return false, errors.New("usage: /switch <session id>")
		}
		if err := c.open(ctx, arg, ""); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, dim.Sprint("switched to "+arg))
	case "sessions":
		items, err := listSessions(ctx, c.client)
		if err != nil {
			return false, err
		}
		printSessions(c.out, items, id)
	case "history":
		return false, c.history(ctx)
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

func (c *chat) history(ctx context.Context) error {
	res, err := c.client.Call(ctx, c.session(), &protocol.GetMessages{})
	if err != nil {
		return err
	}
	var body struct {
		Messages []agent.Message `json:"messages"`
	}
	if err := res.Decode(&body); err != nil {
		return err
	}
	for _, m := range body.Messages {
		fmt.Fprintf(c.out, "%s %s\n", accent.Sprintf("%-9s", m.Role), m.Content)
	}
	return nil
}

func (c *chat) help() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  /abort             Stop the running turn")
	fmt.Fprintln(c.out, "  /model [name]      Show or change the session model")
	fmt.Fprintln(c.out, "  /compact           Summarise older history")
	fmt.Fprintln(c.out, "  /bash <command>    Run a shell command in the session")
	fmt.Fprintln(c.out, "  /history           Print the conversation so far")
	fmt.Fprintln(c.out, "  /new [model]       Start a new session")
	fmt.Fprintln(c.out, "  /fork              Continue in a copy of this session")
	fmt.Fprintln(c.out, "  /switch <id>       Move to another session")
	fmt.Fprintln(c.out, "  /sessions          List sessions")
	fmt.Fprintln(c.out, "  /reset             Reload this session from disk")
	fmt.Fprintln(c.out, "  /quit              Exit")
}

// lineReader is the REPL input: readline on a terminal, plain lines when
// stdin is piped.
type lineReader interface {
	Readline() (string, error)
	Stdout() io.Writer
	Close() error
}

func newLineReader(cfg *config.Config) (lineReader, error) {
	if !credentials.IsInteractive() {
		return &pipeReader{scanner: bufio.NewScanner(os.Stdin)}, nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          accent.Sprint("› "),
		HistoryFile:     filepath.Join(cfg.DataDir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("initialising terminal: %w", err)
	}
	return rl, nil
}

type pipeReader struct {
	scanner *bufio.Scanner
}

func (p *pipeReader) Readline() (string, error) {
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}
	if err := p.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (p *pipeReader) Stdout() io.Writer { return os.Stdout }
func (p *pipeReader) Close() error      { return nil }
