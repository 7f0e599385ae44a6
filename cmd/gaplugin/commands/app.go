package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/bridge/client"
	"github.com/openfroyo/gaplugin/pkg/cms"
	"github.com/openfroyo/gaplugin/pkg/config"
	"github.com/openfroyo/gaplugin/pkg/host"
	"github.com/openfroyo/gaplugin/pkg/provisioning"
	"github.com/openfroyo/gaplugin/pkg/siteinfo"
	"github.com/openfroyo/gaplugin/pkg/sites"
	"github.com/openfroyo/gaplugin/pkg/stores"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// app holds the components a command needs, built from one Config.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	conn      *host.Connection
	executor  *cms.Executor
	workflow  *provisioning.Workflow
	pages     *siteinfo.Aggregator
}

func loadOptions() config.LoadOptions {
	return config.LoadOptions{Path: configPath, EnvFiles: []string{".env"}}
}

func newApp(ctx context.Context, clientVersion string) (*app, error) {
	cfg, err := config.Load(loadOptions())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetry.ApplyLogLevel(cfg.Telemetry.Logging.Level)
	logger := tel.Logger.Zerolog()

	a := &app{cfg: cfg, telemetry: tel, logger: logger}

	if cfg.Store.Path != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, errors.Join(err, a.close())
		}
		if err := store.Init(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open journal: %w", err), a.close())
		}
		a.store = store
		tel.Events.Subscribe(stores.Journal(store, logger), nil)
	}

	var dialer client.Dialer = client.NewStdioDialer()
	if cfg.Host.Address != "" {
		dialer = &client.NetDialer{Network: "tcp", Address: cfg.Host.Address, Timeout: cfg.Host.HandshakeTimeout}
	}
	a.conn = host.NewConnection(host.Options{
		Dialer:           dialer,
		Modules:          cfg.Host.Modules,
		ClientVersion:    clientVersion,
		HandshakeTimeout: cfg.Host.HandshakeTimeout,
		RetryAttempts:    cfg.Host.RetryAttempts,
		RetryDelay:       cfg.Host.RetryDelay,
		Logger:           logger,
		Metrics:          tel.Metrics,
		Events:           tel.Events,
	})

	a.executor = cms.NewExecutor(logger, tel.Metrics)
	a.workflow = provisioning.New(provisioning.Options{
		Host:        a.conn,
		Executor:    a.executor,
		Concurrency: cfg.Provisioning.Concurrency,
		Logger:      logger,
		Metrics:     tel.Metrics,
		Events:      tel.Events,
	})
	a.pages = siteinfo.New(siteinfo.Options{
		Host:     a.conn,
		Executor: a.executor,
		Logger:   logger,
		Metrics:  tel.Metrics,
		Events:   tel.Events,
	})

	return a, nil
}

// close tears the connection down, flushes telemetry so journaled events
// land, then closes the store.
func (a *app) close() error {
	var errs []error
	if a.conn != nil {
		errs = append(errs, a.conn.Teardown())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.telemetry.Shutdown(ctx))
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp runs fn with a fully built app and releases it afterwards. The
// context passed to fn carries the app's logger.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, "gaplugin")
	if err != nil {
		return err
	}
	commandOutput(cmd, a.cfg)
	err = fn(a.telemetry.WithContext(ctx), a)
	if cerr := a.close(); cerr != nil {
		a.logger.Warn().Err(cerr).Msg("Shutdown did not complete cleanly")
	}
	return err
}

// commandOutput moves cmd's output to stderr when the host bridge runs over
// stdio, since stdout then carries protocol frames.
func commandOutput(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Host.Address == "" {
		cmd.SetOut(cmd.ErrOrStderr())
	}
}

// findSite lists sites and returns the one with id.
func (a *app) findSite(ctx context.Context, id string) (sites.SiteInfo, error) {
	list, err := a.workflow.ListSites(ctx)
	if err != nil {
		return sites.SiteInfo{}, err
	}
	for _, s := range list {
		if s.ID == id {
			return s, nil
		}
	}
	return sites.SiteInfo{}, fmt.Errorf("site %q not found", id)
}
