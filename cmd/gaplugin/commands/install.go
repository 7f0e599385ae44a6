package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/provisioning"
)

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the Google Analytics settings template",
		Long: `Create the template folder and the Google Analytics settings template in the
CMS. Nothing is created when the template already exists.

A template folder left behind by a failed template step is recorded in the
journal; list those with 'gaplugin history --orphans'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ok, err := a.workflow.Install(ctx)
				if err != nil {
					return fmt.Errorf("install failed: %w", err)
				}
				log.Info().Bool("installed", ok).Msg("Installation complete")

				return render(cmd.OutOrStdout(), provisioning.InstallationStatus{IsInstalled: ok}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, "Settings template installed.")
					return err
				})
			})
		},
	}
}
