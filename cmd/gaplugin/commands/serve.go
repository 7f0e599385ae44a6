package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/gaplugin/pkg/api"
	"github.com/openfroyo/gaplugin/pkg/config"
	"github.com/openfroyo/gaplugin/pkg/reporting"
)

func newServeCommand() *cobra.Command {
	var (
		listen     string
		noReload   bool
		watchPages bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analytics API",
		Long: `Serve GA4 page view and active user series to the plugin UI:
  GET /api/analytics/pageviews?url=<path>&property=<id>[&days=1..90]
  GET /api/analytics/activeusers?url=<path>&property=<id>[&days=1..90]
  GET /healthz
  GET /metrics

Service account credentials come from GA_CLIENT_EMAIL and GA_PRIVATE_KEY.
The config file is watched and log level changes apply without a restart.`,
		Example: `  gaplugin serve --listen :8080
  GAPLUGIN_HOST_ADDRESS=127.0.0.1:7400 gaplugin serve --watch-pages`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if listen != "" {
					a.cfg.Server.Listen = listen
				}

				var reporter api.Reporter
				if a.cfg.Analytics.Enabled() {
					runner, err := reporting.NewServiceRunner(ctx, reporting.Credentials{
						ClientEmail: a.cfg.Analytics.ClientEmail,
						PrivateKey:  a.cfg.Analytics.PrivateKey,
					})
					if err != nil {
						return err
					}
					client, err := reporting.NewClient(reporting.Options{
						Runner:            runner,
						RequestsPerSecond: a.cfg.Analytics.RequestsPerSecond,
						Burst:             a.cfg.Analytics.Burst,
						BreakerTimeout:    a.cfg.Analytics.BreakerTimeout,
						Logger:            a.logger,
						Metrics:           a.telemetry.Metrics,
					})
					if err != nil {
						return err
					}
					reporter = client
				} else {
					a.logger.Warn().Msg("Analytics credentials not configured; report endpoints will fail")
				}

				checks := map[string]api.HealthCheck{
					"host": func(context.Context) error {
						return a.conn.Err()
					},
				}
				if a.store != nil {
					checks["journal"] = a.store.HealthCheck
				}

				router := api.NewRouter(api.Options{
					Reporter:          reporter,
					AllowedOrigins:    a.cfg.Server.AllowedOrigins,
					RequestsPerSecond: a.cfg.Server.RequestsPerSecond,
					Burst:             a.cfg.Server.Burst,
					HealthChecks:      checks,
					ServiceName:       a.cfg.Telemetry.ServiceName,
					Logger:            a.logger,
					Metrics:           a.telemetry.Metrics,
				})

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return api.Serve(gctx, a.cfg.Server.Listen, router, a.logger)
				})

				if !noReload {
					watcher, err := config.NewWatcher(loadOptions(), a.cfg, a.logger)
					if err != nil {
						return err
					}
					g.Go(func() error {
						return watcher.Watch(gctx, nil)
					})
				}

				if watchPages {
					g.Go(func() error {
						conn, err := a.conn.Acquire(gctx)
						if err != nil {
							return fmt.Errorf("page context: %w", err)
						}
						a.pages.Bind(gctx, conn, nil)
						<-gctx.Done()
						return nil
					})
				}

				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "do not watch the config file")
	cmd.Flags().BoolVar(&watchPages, "watch-pages", false, "follow page-context pushes from the host")

	return cmd
}
