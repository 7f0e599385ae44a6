package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/sites"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the page open in the host and print its analytics settings",
		Long: `Subscribe to page-context pushes and print the resolved site record each time
the author navigates. A record with id -1 means the page's site has no
usable Google Analytics settings. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conn, err := a.conn.Acquire(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				var mu sync.Mutex
				show := func(info sites.GaSiteInfo) {
					mu.Lock()
					defer mu.Unlock()
					if err := printSiteInfo(out, info); err != nil {
						a.logger.Warn().Err(err).Msg("Failed to print site record")
					}
				}

				show(a.pages.Bind(ctx, conn, show))
				<-ctx.Done()
				return nil
			})
		},
	}
}

func printSiteInfo(w io.Writer, info sites.GaSiteInfo) error {
	if jsonOutput {
		// One record per line so the stream can be piped.
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	if !info.IsValid() {
		_, err := fmt.Fprintln(w, "Site not configured")
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %s  property=%q  path=%s\n", info.ID, info.Name, info.PropertyID, info.Path)
	return err
}
