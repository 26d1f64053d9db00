package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/client"
	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

const titleWidth = 48

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the running gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = gatewayURL(cfg)
			}
			c, err := client.Dial(cmd.Context(), url, cfg.Gateway.AuthToken, client.Options{})
			if err != nil {
				return fmt.Errorf("%w (is 'clawgate serve' running?)", err)
			}
			defer c.Close()

			items, err := listSessions(cmd.Context(), c)
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), items, "")
			return nil
		},
	}
	cmd.Flags().String("url", "", "gateway websocket URL (default from config)")
	return cmd
}

func listSessions(ctx context.Context, c *client.Client) ([]session.ListItem, error) {
	res, err := c.Call(ctx, "", &protocol.ListSessions{})
	if err != nil {
		return nil, err
	}
	var body struct {
		Sessions []session.ListItem `json:"sessions"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// printSessions writes items as a table, marking current with an asterisk.
func printSessions(w io.Writer, items []session.ListItem, current string) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No sessions yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  SESSION\tMESSAGES\tLAST ACTIVE\tTITLE")
	for _, it := range items {
		mark := " "
		if it.SessionID == current {
			mark = "*"
		}
		count := fmt.Sprint(it.MessageCount)
		if !it.Loaded {
			count = "-"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\n", mark, it.SessionID, count, ago(it.LastActivity), truncate(it.Title, titleWidth))
	}
	tw.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
