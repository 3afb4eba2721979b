package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/wprelay/internal/api"
	"github.com/matheus3301/wprelay/internal/client"
	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/store"
)

func main() {
	serverFlag := flag.String("server", defaultServer(), "server base URL")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := client.NewHTTP(*serverFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "contacts":
		cmdContacts(ctx, c, *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wprelayctl send <waId> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wprelayctl read <waId>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1], *jsonFlag)
	case "watch":
		cmdWatch(ctx, c, *jsonFlag)
	case "chat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wprelayctl chat <waId>")
			os.Exit(1)
		}
		cmdChat(ctx, c, args[1])
	case "ingest":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wprelayctl ingest <dir>")
			os.Exit(1)
		}
		cmdIngest(ctx, c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func defaultServer() string {
	if s := os.Getenv("WPRELAY_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wprelayctl [--server <url>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show server health")
	fmt.Fprintln(os.Stderr, "  contacts                    List conversations with unread counts")
	fmt.Fprintln(os.Stderr, "  messages <waId> [flags]     Show history (--limit, --before)")
	fmt.Fprintln(os.Stderr, "  send <waId> <text>          Send a text message")
	fmt.Fprintln(os.Stderr, "  read <waId>                 Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  watch                       Print push events as they arrive")
	fmt.Fprintln(os.Stderr, "  chat <waId>                 Line-mode chat on one conversation")
	fmt.Fprintln(os.Stderr, "  ingest <dir>                Replay webhook payload files")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.HTTP, jsonOut bool) {
	h, err := c.Health(ctx)
	if h == nil || (err != nil && h.Status == "") {
		fatal(err)
	}
	if jsonOut {
		outputJSON(h)
	} else {
		fmt.Printf("Server:  %s\n", c.Base())
		fmt.Printf("Status:  %s\n", h.Status)
		fmt.Printf("Since:   %s\n", h.Since.Local().Format(time.DateTime))
		fmt.Printf("Clients: %d\n", h.Clients)
		if h.Error != "" {
			fmt.Printf("Error:   %s\n", h.Error)
		}
	}
	if !h.OK {
		os.Exit(1)
	}
}

func cmdContacts(ctx context.Context, c *client.HTTP, jsonOut bool) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		unread := ""
		if cv.Unread > 0 {
			unread = fmt.Sprintf("(%d)", cv.Unread)
		}
		fmt.Printf("%-16s %-20s %-5s %s  %s\n",
			cv.WaID, client.TerminalText(cv.Name), unread, formatTime(cv.LastMessageAt), client.TerminalText(cv.LastMessagePreview))
	}
}

func cmdMessages(ctx context.Context, c *client.HTTP, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("limit", 0, "page size (server default 50, max 500)")
	beforeFlag := fs.String("before", "", "only messages before this time (RFC3339 or epoch)")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: wprelayctl messages <waId> [--limit N] [--before T]")
		os.Exit(1)
	}
	waID := args[0]
	_ = fs.Parse(args[1:])

	before, err := api.ParseBefore(*beforeFlag)
	if err != nil {
		fatal(fmt.Errorf("invalid --before: %w", err))
	}
	msgs, err := c.Messages(ctx, waID, before, *limit)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func cmdSend(ctx context.Context, c *client.HTTP, waID, text string, jsonOut bool) {
	m, err := c.Send(ctx, waID, text)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("Sent %s to %s\n", m.ID, m.WaID)
}

func cmdRead(ctx context.Context, c *client.HTTP, waID string, jsonOut bool) {
	msgs, err := c.Messages(ctx, waID, time.Time{}, store.MaxMessageLimit)
	if err != nil {
		fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		if m.Direction == store.Inbound && m.Status != store.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	var n int64
	if len(ids) > 0 {
		if n, err = c.MarkRead(ctx, waID, ids); err != nil {
			fatal(err)
		}
	}
	if jsonOut {
		outputJSON(map[string]any{"ok": true, "modified": n})
		return
	}
	fmt.Printf("Marked %d message(s) read\n", n)
}

func cmdWatch(ctx context.Context, c *client.HTTP, jsonOut bool) {
	p, err := client.Dial(ctx, c.Base())
	if err != nil {
		fatal(err)
	}
	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()
	for {
		evt, err := p.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatal(err)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		fmt.Printf("%s %-22s %s\n", time.Now().Format(time.TimeOnly), evt.Name, evt.Data)
	}
}

func cmdIngest(ctx context.Context, c *client.HTTP, dir string, jsonOut bool) {
	failed := 0
	results, err := ingest.Dir(ctx, c, dir, func(r ingest.FileResult) {
		if !r.OK() {
			failed++
		}
		if jsonOut {
			return
		}
		switch {
		case r.OK():
			fmt.Printf("sent     %s\n", r.File)
		case r.Skipped:
			fmt.Printf("invalid  %s: %v\n", r.File, r.Err)
		default:
			fmt.Printf("failed   %s: %v\n", r.File, r.Err)
		}
	})
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(results)
	} else {
		fmt.Printf("%d file(s), %d failed\n", len(results), failed)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printMessage(m store.Message) {
	arrow := "<"
	if m.Direction == store.Outbound {
		arrow = ">"
	}
	fmt.Printf("%s %s [%s] %s\n", formatTime(m.Timestamp), arrow, m.Status, client.TerminalText(m.Text))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
