// ABOUTME: Admin CLI for handoff-gateway conversations and alerts
// ABOUTME: Talks to the HTTP API with a bearer token from HANDOFF_TOKEN or the token file

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/handoff-gateway/internal/gateway"
)

const banner = `
 _                     _        __  __              _           _
| |__   __ _ _ __   __| | ___  / _|/ _|   __ _  __| |_ __ ___ (_)_ __
| '_ \ / _' | '_ \ / _' |/ _ \| |_| |_   / _' |/ _' | '_ ' _ \| | '_ \
| | | | (_| | | | | (_| | (_) |  _|  _| | (_| | (_| | | | | | | | | | |
|_| |_|\__,_|_| |_|\__,_|\___/|_| |_|    \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("HANDOFF_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := newClient(baseURL, getToken())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "conversations", "convs":
		err = cmdConversations(ctx, c, args)
	case "alerts":
		err = cmdAlerts(ctx, c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: handoff-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  conversations [list]             List conversations (--org, --state, --limit)")
	fmt.Println("  conversations show <id>          Show a conversation with its messages and open alerts")
	fmt.Println("  conversations transcript <id>    Print the HTML transcript")
	fmt.Println("  conversations send <id> <text>   Reply as a human agent")
	fmt.Println("  conversations lock <id>          Take human control")
	fmt.Println("  conversations unlock <id>        Release control (--override for admins)")
	fmt.Println("  conversations resolve <id>       Mark resolved")
	fmt.Println("  conversations archive <id>       Archive a resolved conversation")
	fmt.Println("  conversations read <id>          Mark all messages read")
	fmt.Println("  alerts [list]                    List alerts (--org, --status, --type, --limit)")
	fmt.Println("  alerts ack <id>                  Acknowledge a pending alert")
	fmt.Println("  alerts resolve <id> [notes]      Resolve an alert")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HANDOFF_URL      Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  HANDOFF_TOKEN    Bearer token (falls back to ~/.config/handoff/token)")
	fmt.Println()
}

// getToken reads HANDOFF_TOKEN, then $XDG_CONFIG_HOME/handoff/token.
func getToken() string {
	if token := os.Getenv("HANDOFF_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "handoff", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func cmdConversations(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	if subcmd == "list" {
		return listConversations(ctx, c, args)
	}

	if len(args) < 1 {
		return fmt.Errorf("usage: handoff-admin conversations %s <id>", subcmd)
	}
	id := args[0]

	switch subcmd {
	case "show":
		return showConversation(ctx, c, id)
	case "transcript":
		html, err := c.transcript(ctx, id)
		if err != nil {
			return err
		}
		fmt.Print(html)
		return nil
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("usage: handoff-admin conversations send <id> <text>")
		}
		return sendReply(ctx, c, id, strings.Join(args[1:], " "))
	case "lock", "resolve", "archive", "read":
		conv, err := c.conversationAction(ctx, id, subcmd, nil)
		if err != nil {
			return err
		}
		printConversationState(conv)
		return nil
	case "unlock":
		fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
		override := fs.Bool("override", false, "release another agent's lock (admin only)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		conv, err := c.conversationAction(ctx, id, "unlock", gateway.UnlockRequest{Override: *override})
		if err != nil {
			return err
		}
		printConversationState(conv)
		return nil
	default:
		return fmt.Errorf("unknown conversations subcommand: %s", subcmd)
	}
}

func listConversations(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("conversations list", flag.ContinueOnError)
	org := fs.String("org", "", "organization id (required for admins)")
	state := fs.String("state", "", "ai_active, human_handoff, human_active, resolved or archived")
	limit := fs.Int("limit", 0, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	convs, err := c.listConversations(ctx, *org, *state, *limit)
	if err != nil {
		return err
	}

	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCHANNEL\tSTATE\tLOCKED BY\tUNREAD\tUPDATED")
	fmt.Fprintln(w, "  --\t-------\t-----\t---------\t------\t-------")
	for _, conv := range convs {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(conv.ID, 12), conv.Channel, stateLabel(conv.State),
			orDash(conv.LockedBy), conv.UnreadCount, shortTime(conv.UpdatedAt))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func showConversation(ctx context.Context, c *client, id string) error {
	detail, err := c.getConversation(ctx, id)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	conv := detail.Conversation

	fmt.Println()
	cyan.Println("  Conversation")
	cyan.Println("  ------------")
	fmt.Printf("  ID:           %s\n", conv.ID)
	fmt.Printf("  Organization: %s\n", conv.OrganizationID)
	fmt.Printf("  Channel:      %s (%s)\n", conv.Channel, conv.ExternalID)
	fmt.Printf("  State:        %s\n", stateLabel(conv.State))
	if conv.LockedBy != "" {
		fmt.Printf("  Locked by:    %s since %s\n", conv.LockedBy, shortTime(conv.LockedAt))
	}
	if conv.Intent != "" || conv.Sentiment != "" {
		fmt.Printf("  Intent:       %s / %s\n", orDash(conv.Intent), orDash(conv.Sentiment))
	}
	if len(conv.Tags) > 0 {
		fmt.Printf("  Tags:         %s\n", strings.Join(conv.Tags, ", "))
	}
	fmt.Println()

	for _, m := range detail.Messages {
		gray.Printf("  #%d %s ", m.Seq, shortTime(m.CreatedAt))
		senderColor(m.Sender).Printf("%-8s", m.Sender)
		fmt.Printf(" %s", m.Content)
		if m.ConfidenceScore != nil {
			gray.Printf(" (%.2f)", *m.ConfidenceScore)
		}
		fmt.Println()
	}

	if len(detail.OpenAlerts) > 0 {
		fmt.Println()
		printAlerts(detail.OpenAlerts)
	}
	fmt.Println()
	return nil
}

func sendReply(ctx context.Context, c *client, id, text string) error {
	resp, duplicate, err := c.send(ctx, id, gateway.SubmitMessageRequest{
		Sender:  "human",
		Content: text,
	})
	if err != nil {
		return err
	}
	if duplicate {
		color.Yellow("  Duplicate message ignored")
		return nil
	}
	color.Green("  ✓ Sent #%d", resp.Message.Seq)
	printConversationState(&resp.Conversation)
	return nil
}

func cmdAlerts(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list":
		fs := flag.NewFlagSet("alerts list", flag.ContinueOnError)
		org := fs.String("org", "", "organization id (required for admins)")
		status := fs.String("status", "", "comma separated statuses (default pending,acknowledged)")
		alertType := fs.String("type", "", "alert type")
		limit := fs.Int("limit", 0, "maximum rows")
		if err := fs.Parse(args); err != nil {
			return err
		}
		alerts, err := c.listAlerts(ctx, *org, *status, *alertType, *limit)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Println("No alerts.")
			return nil
		}
		fmt.Println()
		printAlerts(alerts)
		fmt.Println()
		return nil
	case "ack", "acknowledge":
		if len(args) < 1 {
			return fmt.Errorf("usage: handoff-admin alerts ack <id>")
		}
		alert, err := c.alertAction(ctx, args[0], "acknowledge", nil)
		if err != nil {
			return err
		}
		color.Green("  ✓ Alert %s acknowledged by %s", truncate(alert.ID, 12), alert.AcknowledgedBy)
		return nil
	case "resolve":
		if len(args) < 1 {
			return fmt.Errorf("usage: handoff-admin alerts resolve <id> [notes]")
		}
		alert, err := c.alertAction(ctx, args[0], "resolve", gateway.ResolveAlertRequest{Notes: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		color.Green("  ✓ Alert %s resolved by %s", truncate(alert.ID, 12), alert.ResolvedBy)
		return nil
	default:
		return fmt.Errorf("unknown alerts subcommand: %s", subcmd)
	}
}

func printAlerts(alerts []gateway.AlertResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCONVERSATION\tTYPE\tPRIORITY\tSTATUS\tREASON\tCREATED")
	fmt.Fprintln(w, "  --\t------------\t----\t--------\t------\t------\t-------")
	for _, a := range alerts {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.ID, 12), truncate(a.ConversationID, 12), a.Type,
			priorityLabel(a.Priority), a.Status, truncate(a.Reason, 32), shortTime(a.CreatedAt))
	}
	w.Flush()
}

func printConversationState(conv *gateway.ConversationResponse) {
	fmt.Printf("  %s  %s", truncate(conv.ID, 12), stateLabel(conv.State))
	if conv.LockedBy != "" {
		color.New(color.FgHiBlack).Printf("  locked by %s", conv.LockedBy)
	}
	fmt.Println()
}

func stateLabel(state string) string {
	switch state {
	case "ai_active":
		return color.CyanString(state)
	case "human_handoff":
		return color.YellowString(state)
	case "human_active":
		return color.GreenString(state)
	default:
		return color.HiBlackString(state)
	}
}

func priorityLabel(priority string) string {
	switch priority {
	case "urgent":
		return color.New(color.FgRed, color.Bold).Sprint(priority)
	case "high":
		return color.RedString(priority)
	case "medium":
		return color.YellowString(priority)
	default:
		return priority
	}
}

func senderColor(sender string) *color.Color {
	switch sender {
	case "customer":
		return color.New(color.FgWhite, color.Bold)
	case "ai":
		return color.New(color.FgCyan)
	case "human":
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

func shortTime(raw string) string {
	if raw == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("Jan 02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
