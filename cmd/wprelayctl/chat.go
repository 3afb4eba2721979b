package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/wprelay/internal/client"
	"github.com/matheus3301/wprelay/internal/store"
)

// cmdChat opens one conversation and keeps it live: history and push events
// are printed as they land, each stdin line is sent, "/resend" retries the
// last failed send and "/quit" exits.
func cmdChat(ctx context.Context, c *client.HTTP, waID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := client.NewState(c)
	if err := st.LoadContacts(ctx); err != nil {
		fatal(err)
	}
	if err := st.Open(ctx, waID); err != nil {
		fatal(err)
	}

	printed := make(map[string]store.Status)
	render := func() {
		for _, m := range st.Messages() {
			if status, seen := printed[m.ID]; seen && status == m.Status {
				continue
			}
			printed[m.ID] = m.Status
			printMessage(m)
		}
		if f := st.Flash.Get(); f != "" {
			fmt.Fprintf(os.Stderr, "! %s\n", f)
		}
	}
	render()

	runErr := make(chan error, 1)
	go func() {
		runErr <- st.Run(ctx, func(ctx context.Context) (client.EventSource, error) {
			return client.Dial(ctx, c.Base())
		})
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				fatal(err)
			}
			return
		case <-st.RefreshCh():
			render()
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return
			case "/resend":
				resendLast(ctx, st)
			default:
				_ = st.Send(ctx, line)
			}
			render()
		}
	}
}

func resendLast(ctx context.Context, st *client.State) {
	msgs := st.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == client.StatusFailed {
			_ = st.Resend(ctx, msgs[i].ID)
			return
		}
	}
	fmt.Fprintln(os.Stderr, "! nothing to resend")
}
