package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/stores"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

func newHistoryCommand() *cobra.Command {
	var (
		orphans bool
		step    string
		siteID  string
		failed  bool
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the provisioning journal",
		Long: `List journaled provisioning events, newest first.

--orphans lists template folders left without a settings template by a
failed install. They are never deleted automatically.`,
		Example: `  gaplugin history --failed --since 24h
  gaplugin history --orphans --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.store == nil {
					return errors.New("journal disabled: set store.path in the config file")
				}

				var (
					events []*stores.Event
					err    error
				)
				if orphans {
					events, err = a.store.ListOrphanedFolders(ctx)
				} else {
					filter := stores.EventFilter{Limit: limit}
					if step != "" {
						filter.Step = &step
					}
					if siteID != "" {
						filter.SiteID = &siteID
					}
					if failed {
						outcome := telemetry.OutcomeFailure
						filter.Outcome = &outcome
					}
					if since > 0 {
						t := time.Now().Add(-since)
						filter.Since = &t
					}
					events, err = a.store.ListEvents(ctx, filter)
				}
				if err != nil {
					return fmt.Errorf("failed to read journal: %w", err)
				}

				return render(cmd.OutOrStdout(), events, func(w io.Writer) error {
					rows := make([][]string, 0, len(events))
					for _, e := range events {
						rows = append(rows, []string{
							e.CreatedAt.Local().Format(time.DateTime),
							e.Type,
							e.Step,
							e.SiteID,
							e.ResourceID,
							e.Message,
						})
					}
					return table(w, []string{"TIME", "TYPE", "STEP", "SITE", "RESOURCE", "MESSAGE"}, rows)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&orphans, "orphans", false, "list orphaned template folders")
	cmd.Flags().StringVar(&step, "step", "", "filter by workflow step")
	cmd.Flags().StringVar(&siteID, "site", "", "filter by site id")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed steps")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", stores.DefaultListLimit, "maximum events to list")

	return cmd
}
