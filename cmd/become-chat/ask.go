package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/CognicAI/Become-AI/pkg/chat"
)

func newAskCommand() *cobra.Command {
	var (
		llmSource string
		llmModel  string
		sources   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return withApp(ctx, func(a *app) error {
				site, err := requireSite(a.cfg)
				if err != nil {
					return err
				}

				printer := newStreamPrinter(cmd.OutOrStdout())
				detach := printer.attach(a.bus)
				defer detach()

				opts := chat.LLMOptions{Source: a.cfg.LLMSource, ModelName: a.cfg.LLMModelName}
				if llmSource != "" {
					opts.Source = llmSource
				}
				if llmModel != "" {
					opts.ModelName = llmModel
				}

				question := strings.Join(args, " ")
				sess, err := a.mgr.SendMessage(ctx, question, site, opts)
				if err != nil {
					return err
				}

				go func() {
					<-ctx.Done()
					a.mgr.Cancel()
				}()

				res, err := sess.Wait(context.Background())
				if err != nil {
					return err
				}
				switch res.Status {
				case chat.SessionCompleted, chat.SessionInterrupted:
					if sources {
						printSources(cmd.ErrOrStderr(), a.mgr, res.AssistantMessageID)
					}
					return nil
				case chat.SessionCancelled:
					return res.Err
				default:
					return errors.Wrap(res.Err, "query failed")
				}
			})
		},
	}

	cmd.Flags().StringVar(&llmSource, "llm-source", "", "model source, local or cloud (overrides config)")
	cmd.Flags().StringVar(&llmModel, "llm-model", "", "cloud model name (overrides config)")
	cmd.Flags().BoolVar(&sources, "sources", false, "print retrieval sources after the answer")
	return cmd
}
