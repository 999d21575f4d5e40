package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/CognicAI/Become-AI/pkg/chat"
)

func newExportCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the conversation transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				doc, err := a.mgr.Export(chat.ExportFormat(format))
				if err != nil {
					return err
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(doc)
					return err
				}
				if err := os.WriteFile(output, doc, 0o644); err != nil {
					return errors.Wrapf(err, "could not write %s", output)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d bytes to %s\n", len(doc), output)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format, json or text")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newImportCommand() *cobra.Command {
	var merge bool

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a previously exported JSON transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				doc, err := os.ReadFile(args[0])
				if err != nil {
					return errors.Wrapf(err, "could not read %s", args[0])
				}
				if err := a.mgr.Import(doc, merge); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation now has %d messages\n", len(a.mgr.Messages()))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the existing conversation instead of replacing it")
	return cmd
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				a.mgr.Clear()
				fmt.Fprintln(cmd.OutOrStdout(), "Conversation cleared.")
				return nil
			})
		},
	}
}
