package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				health, err := a.client.Health(cmd.Context())
				if err != nil && health.Status == "" {
					return errors.Wrap(err, "backend unreachable")
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "status: %s\n", health.Status)
				if health.Database != "" {
					fmt.Fprintf(out, "database: %s\n", health.Database)
				}
				if !health.Healthy() {
					return errors.New("backend is unhealthy")
				}
				return nil
			})
		},
	}
}
