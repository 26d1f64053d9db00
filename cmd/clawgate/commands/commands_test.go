package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

func init() {
	color.NoColor = true
}

func TestRenderer_StreamsAssistantText(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{w: &buf}

	events := []agent.Event{
		&agent.AgentStart{},
		&agent.MessageStart{Role: agent.RoleUser},
		&agent.MessageEnd{Role: agent.RoleUser, Content: "hi"},
		&agent.MessageStart{Role: agent.RoleAssistant},
		&agent.MessageUpdate{Role: agent.RoleAssistant, Delta: "hel"},
		&agent.MessageUpdate{Role: agent.RoleAssistant, Delta: "lo"},
		&agent.MessageEnd{Role: agent.RoleAssistant, Content: "hello"},
	}
	for _, ev := range events {
		if r.render(ev) {
			t.Fatalf("%s ended the turn early", ev.EventType())
		}
	}
	if !r.render(&agent.AgentEnd{TurnID: "t1"}) {
		t.Fatal("agent_end should end the turn")
	}
	if got := buf.String(); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}
}

func TestRenderer_ErrorEndsTurn(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{w: &buf}

	r.render(&agent.MessageStart{Role: agent.RoleAssistant})
	r.render(&agent.MessageUpdate{Role: agent.RoleAssistant, Delta: "part"})
	if !r.render(&agent.ErrorEvent{Message: "boom"}) {
		t.Fatal("error should end the turn")
	}
	if got, want := buf.String(), "part\nerror: boom\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRenderer_AbortedAndBash(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{w: &buf}

	r.render(&agent.BashStart{Command: "false"})
	r.render(&agent.BashEnd{BashResult: agent.BashResult{Command: "false", ExitCode: 1}})
	r.render(&agent.Notification{Source: "heartbeat", Text: "check in"})
	r.render(&agent.AgentEnd{Aborted: true})

	out := buf.String()
	for _, want := range []string{"$ false\n", "exit 1\n", "» check in\n", "(aborted)\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestParseSlash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		name    string
		arg     string
		isSlash bool
	}{
		{"/quit", "quit", "", true},
		{"/model  gpt-4o ", "model", "gpt-4o", true},
		{"/Bash ls -la", "bash", "ls -la", true},
		{"hello", "", "", false},
		{"//not a command", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		name, arg, ok := parseSlash(tt.line)
		if ok != tt.isSlash || name != tt.name || arg != tt.arg {
			t.Errorf("parseSlash(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, name, arg, ok, tt.name, tt.arg, tt.isSlash)
		}
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, []session.ListItem{
		{SessionID: "telegram_42_default", Title: "plan the trip", MessageCount: 6, LastActivity: time.Now(), Loaded: true},
		{SessionID: "web_browser_abc", Title: strings.Repeat("x", 80)},
	}, "web_browser_abc")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "telegram_42_default") || !strings.Contains(lines[1], "just now") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "* web_browser_abc") {
		t.Errorf("current session not marked: %q", lines[2])
	}
	if !strings.Contains(lines[2], "…") {
		t.Errorf("long title not truncated: %q", lines[2])
	}
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, "")
	if buf.String() != "No sessions yet.\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestGatewayURL(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Gateway.Address = ":9000"
	if got := gatewayURL(cfg); got != "ws://127.0.0.1:9000/" {
		t.Errorf("gatewayURL = %q", got)
	}
	cfg.Gateway.Address = "10.0.0.2:8788"
	if got := gatewayURL(cfg); got != "ws://10.0.0.2:8788/" {
		t.Errorf("gatewayURL = %q", got)
	}
}

func TestSecretPrompt(t *testing.T) {
	t.Parallel()

	if !secretPrompt("Paste your OpenAI API key") {
		t.Error("API key prompt should hide input")
	}
	if secretPrompt("Paste the authorization code") {
		t.Error("authorization code prompt should echo")
	}
}
