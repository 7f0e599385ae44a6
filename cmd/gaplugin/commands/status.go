package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/host"
)

type statusReport struct {
	Connection string `json:"connection"`
	ContextID  string `json:"contextId,omitempty"`
	Installed  bool   `json:"installed"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host connection and installation status",
		Long: `Connect to the host, derive the current context id and check whether the
Google Analytics settings template is installed.`,
		Example: `  gaplugin status
  gaplugin status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conn, err := a.conn.Acquire(ctx)
				if err != nil {
					return err
				}
				report := statusReport{Connection: a.conn.State().String()}
				if id, ok := host.ResolveContextID(ctx, conn); ok {
					report.ContextID = id
				}

				status, err := a.workflow.CheckInstalled(ctx)
				if err != nil {
					return err
				}
				report.Installed = status.IsInstalled

				return render(cmd.OutOrStdout(), report, func(w io.Writer) error {
					fmt.Fprintf(w, "Connection: %s\n", report.Connection)
					fmt.Fprintf(w, "Context ID: %s\n", report.ContextID)
					fmt.Fprintf(w, "Installed:  %t\n", report.Installed)
					return nil
				})
			})
		},
	}
}
