package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CognicAI/Become-AI/pkg/chat"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session with the configured site",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return withApp(ctx, func(a *app) error {
				site, err := requireSite(a.cfg)
				if err != nil {
					return err
				}
				return runREPL(ctx, cmd, a, site)
			})
		},
	}
	return cmd
}

func runREPL(ctx context.Context, cmd *cobra.Command, a *app, site string) error {
	out := cmd.OutOrStdout()

	printer := newStreamPrinter(out)
	detach := printer.attach(a.bus)
	defer detach()

	// Replay the persisted conversation before the prompt.
	for _, msg := range a.mgr.Messages() {
		fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.Role, msg.Content)
	}
	fmt.Fprintf(out, "Chatting about %s. /clear resets, /quit exits, Ctrl+C cancels an answer.\n", site)

	// A first interrupt cancels the in-flight answer; a second one, arriving
	// while idle, ends the session.
	go func() {
		<-ctx.Done()
		a.mgr.Cancel()
	}()

	opts := chat.LLMOptions{Source: a.cfg.LLMSource, ModelName: a.cfg.LLMModelName}
	scanner := bufio.NewScanner(cmd.InOrStdin())

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			a.mgr.Clear()
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "Unknown command %s\n", line)
			continue
		}

		sess, err := a.mgr.SendMessage(ctx, line, site, opts)
		if err != nil {
			if chaterr.IsValidation(err) || chaterr.IsBusy(err) {
				fmt.Fprintln(out, err.Error())
				continue
			}
			return err
		}

		res, err := sess.Wait(context.Background())
		if err != nil {
			return err
		}
		if res.Status == chat.SessionCancelled && ctx.Err() != nil {
			return nil
		}
	}
}
