package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/sites"
)

func newSitesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List sites and their GA4 property ids",
		Long: `List every site in the CMS with the state of its Google Analytics settings:
  -1          no settings item exists
  (empty)     the settings item exists but holds no property id
  <id>        the configured property id`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.workflow.ListSites(ctx)
				if err != nil {
					return fmt.Errorf("failed to list sites: %w", err)
				}
				return render(cmd.OutOrStdout(), list, func(w io.Writer) error {
					rows := make([][]string, 0, len(list))
					for _, s := range list {
						rows = append(rows, []string{s.ID, s.Name, s.Path, s.PropertyID.State.String(), s.PropertyID.Value})
					}
					return table(w, []string{"ID", "NAME", "PATH", "STATE", "PROPERTY"}, rows)
				})
			})
		},
	}
}

func newConfigureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure <site-id>",
		Short: "Create the Google Analytics settings item for a site",
		Example: `  gaplugin configure 6f1c0b52-2c1f-4bd5-9c31-7f0b8c6f2a10`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				site, err := a.findSite(ctx, args[0])
				if err != nil {
					return err
				}
				if site.PropertyID.IsConfigured() {
					log.Warn().Str("site", site.ID).Msg("Site already has a settings item")
				}
				if _, err := a.workflow.ConfigureSite(ctx, site); err != nil {
					return fmt.Errorf("failed to configure site %s: %w", site.ID, err)
				}

				configured := site.WithPropertyID(sites.EmptyID())
				return render(cmd.OutOrStdout(), configured, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Configured %s (%s)\n", configured.Name, configured.Path)
					return err
				})
			})
		},
	}
}

func newSetPropertyCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set-property <site-id> <property-id>",
		Short:   "Set the GA4 property id of a configured site",
		Example: `  gaplugin set-property 6f1c0b52-2c1f-4bd5-9c31-7f0b8c6f2a10 412345678`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				site, err := a.findSite(ctx, args[0])
				if err != nil {
					return err
				}
				if !site.PropertyID.IsConfigured() {
					return fmt.Errorf("site %s has no settings item; run 'gaplugin configure %s' first", site.ID, site.ID)
				}

				updated := site.WithPropertyID(sites.ResolvedID(args[1]))
				ok, err := a.workflow.UpdateSitePropertyID(ctx, updated)
				if err != nil {
					return fmt.Errorf("failed to update site %s: %w", site.ID, err)
				}
				if !ok {
					return fmt.Errorf("failed to update site %s", site.ID)
				}

				return render(cmd.OutOrStdout(), updated, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Set property %s on %s\n", updated.PropertyID.Value, updated.Name)
					return err
				})
			})
		},
	}
}
