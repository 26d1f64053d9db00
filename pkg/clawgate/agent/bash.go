package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxBashOutput = 64 * 1024

// cappedBuffer keeps the first limit bytes and remembers whether more arrived.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// runBash executes command with sh -c inside dir. A non-zero exit is reported
// in the result, not as an error; only failures to run are errors.
func runBash(ctx context.Context, dir, command string, timeout time.Duration) (BashResult, error) {
	res := BashResult{Command: command}
	if strings.TrimSpace(command) == "" {
		return res, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &cappedBuffer{limit: maxBashOutput}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res.Output = out.buf.String()
	res.Truncated = out.truncated

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("command timed out after %s", timeout)
		}
	default:
		return res, fmt.Errorf("running command: %w", err)
	}
	return res, nil
}
