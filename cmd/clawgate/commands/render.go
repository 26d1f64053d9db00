package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
)

var (
	dim     = color.New(color.FgHiBlack)
	accent  = color.New(color.FgCyan)
	warn    = color.New(color.FgYellow)
	failure = color.New(color.FgRed, color.Bold)
)

// renderer prints session events to a terminal. Assistant text is streamed
// as it arrives; everything else is one line per event.
type renderer struct {
	w io.Writer

	// streaming is set while assistant deltas are being printed, so the
	// closing newline is written exactly once.
	streaming bool
}

// render prints ev and reports whether it ends the current turn.
func (r *renderer) render(ev agent.Event) bool {
	switch e := ev.(type) {
	case *agent.MessageStart:
		if e.Role == agent.RoleAssistant {
			r.streaming = true
		}
	case *agent.MessageUpdate:
		fmt.Fprint(r.w, e.Delta)
	case *agent.MessageEnd:
		if e.Role != agent.RoleAssistant {
			return false
		}
		if !r.streaming {
			fmt.Fprint(r.w, e.Content)
		}
		r.streaming = false
		fmt.Fprintln(r.w)
	case *agent.BashStart:
		fmt.Fprintln(r.w, accent.Sprint("$ "+e.Command))
	case *agent.BashEnd:
		out := strings.TrimRight(e.Output, "\n")
		if out != "" {
			fmt.Fprintln(r.w, out)
		}
		if e.ExitCode != 0 {
			fmt.Fprintln(r.w, warn.Sprintf("exit %d", e.ExitCode))
		}
	case *agent.Notification:
		fmt.Fprintln(r.w, warn.Sprint("» "+e.Text))
	case *agent.ErrorEvent:
		r.endLine()
		fmt.Fprintln(r.w, failure.Sprint("error: ")+e.Message)
		return true
	case *agent.AgentEnd:
		r.endLine()
		if e.Aborted {
			fmt.Fprintln(r.w, dim.Sprint("(aborted)"))
		}
		return true
	case *agent.SessionStart, *agent.ModelChanged, *agent.Compaction:
		fmt.Fprintln(r.w, dim.Sprint(agent.Describe(ev)))
	}
	return false
}

func (r *renderer) endLine() {
	if r.streaming {
		fmt.Fprintln(r.w)
		r.streaming = false
	}
}

// parseSlash splits a "/name arg" line. ok is false for ordinary text.
func parseSlash(line string) (name, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg), name != ""
}
