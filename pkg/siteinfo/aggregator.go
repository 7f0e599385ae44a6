// Package siteinfo turns host page-context pushes into the GaSiteInfo
// record shown for the current page.
package siteinfo

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/cms"
	"github.com/openfroyo/gaplugin/pkg/host"
	"github.com/openfroyo/gaplugin/pkg/sites"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// DefaultLanguage is used when a page context carries no language.
const DefaultLanguage = "en"

// Options configures an Aggregator.
type Options struct {
	Host     host.Acquirer
	Executor *cms.Executor
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Events   *telemetry.EventPublisher
}

// Aggregator resolves page contexts into GaSiteInfo records. When pushes
// overlap, only the most recently started resolution is applied.
type Aggregator struct {
	host     host.Acquirer
	executor *cms.Executor
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	current    sites.GaSiteInfo

	notifyMu sync.Mutex
	notified uint64
}

// New creates an aggregator whose current record is the sentinel.
func New(opts Options) *Aggregator {
	if opts.Executor == nil {
		opts.Executor = cms.NewExecutor(opts.Logger, opts.Metrics)
	}
	return &Aggregator{
		host:     opts.Host,
		executor: opts.Executor,
		logger:   opts.Logger.With().Str("component", "siteinfo").Logger(),
		metrics:  opts.Metrics,
		events:   opts.Events,
		current:  sites.InvalidGaSiteInfo(),
	}
}

// Current returns the last applied record.
func (a *Aggregator) Current() sites.GaSiteInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Resolve produces the record for pc. It returns the sentinel when no
// context id is available, the settings template does not exist, or any
// call fails.
func (a *Aggregator) Resolve(ctx context.Context, pc host.PageContext) (info sites.GaSiteInfo) {
	ctx, span := telemetry.StartSpan(ctx, "siteinfo.resolve",
		telemetry.AttrSiteID.String(pc.SiteInfo.ID),
		telemetry.AttrSitePath.String(pc.PageInfo.Route),
	)
	var err error
	defer func() {
		switch {
		case err == nil:
		case ctx.Err() != nil:
			a.logger.Debug().Err(err).Str("site_id", pc.SiteInfo.ID).Msg("Site info resolution superseded")
		default:
			a.logger.Error().Err(err).Str("site_id", pc.SiteInfo.ID).Msg("Failed to resolve site info")
		}
		telemetry.EndSpan(span, err)
	}()

	info, err = a.resolve(ctx, pc)
	if err != nil {
		return sites.InvalidGaSiteInfo()
	}
	return info
}

func (a *Aggregator) resolve(ctx context.Context, pc host.PageContext) (sites.GaSiteInfo, error) {
	conn, err := a.host.Acquire(ctx)
	if err != nil {
		return sites.GaSiteInfo{}, cms.NewError(cms.KindTransport, "siteinfo", "host connection unavailable", err)
	}
	contextID, ok := host.ResolveContextID(host.WithLogger(ctx, a.logger), conn)
	if !ok {
		return sites.GaSiteInfo{}, cms.ErrContextUnavailable
	}

	app, err := host.FetchApplicationContext(ctx, conn)
	if err != nil {
		return sites.GaSiteInfo{}, cms.NewError(cms.KindTransport, "siteinfo", "application context unavailable", err)
	}
	previewID, ok := app.PreviewContextID()
	if !ok {
		return sites.GaSiteInfo{}, cms.NewError(cms.KindContextUnavailable, "siteinfo", "no preview context id", nil)
	}

	var tmpl struct {
		Item *struct {
			ItemID string `json:"itemId"`
		} `json:"item"`
	}
	if _, err := a.executor.Execute(ctx, conn, cms.Request{
		Endpoint:  cms.Authoring,
		ContextID: contextID,
		Document:  cms.ItemByPath,
		Variables: map[string]interface{}{"path": cms.SettingsTemplatePath},
	}, &tmpl); err != nil {
		return sites.GaSiteInfo{}, err
	}
	if tmpl.Item == nil || tmpl.Item.ItemID == "" {
		return sites.GaSiteInfo{}, cms.NewError(cms.KindMissingIdentifier, "siteinfo", "settings template is not installed", nil)
	}

	language := pc.PageInfo.Language
	if language == "" {
		language = DefaultLanguage
	}
	var settings struct {
		Item *struct {
			Children *struct {
				Results []struct {
					Field *struct {
						Value *string `json:"value"`
					} `json:"field"`
				} `json:"results"`
			} `json:"children"`
		} `json:"item"`
	}
	if _, err := a.executor.Execute(ctx, conn, cms.Request{
		Endpoint:  cms.Preview,
		ContextID: previewID,
		Document:  cms.SiteSettingsChildren,
		Variables: map[string]interface{}{
			"path":       fmt.Sprintf("/sitecore/content/%s/%s/%s", pc.SiteInfo.CollectionID, pc.SiteInfo.Name, cms.SettingsFolder),
			"language":   language,
			"templateId": tmpl.Item.ItemID,
		},
	}, &settings); err != nil {
		return sites.GaSiteInfo{}, err
	}

	info := sites.GaSiteInfo{
		ID:   pc.SiteInfo.ID,
		Name: pc.SiteInfo.Name,
		Path: pc.PageInfo.Route,
	}
	if settings.Item != nil && settings.Item.Children != nil && len(settings.Item.Children.Results) > 0 {
		if f := settings.Item.Children.Results[0].Field; f != nil && f.Value != nil {
			info.PropertyID = *f.Value
		}
	}
	return info, nil
}

// begin starts a new generation and cancels the resolution it supersedes.
func (a *Aggregator) begin(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.generation++
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	return a.generation, rctx, cancel
}

// apply stores info unless a newer generation has started.
func (a *Aggregator) apply(gen uint64, info sites.GaSiteInfo) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		a.metrics.RecordStaleDiscard()
		a.logger.Debug().
			Uint64("generation", gen).
			Uint64("latest", a.generation).
			Msg("Discarding stale site info")
		return false
	}
	a.cancel = nil
	a.current = info
	return true
}

func (a *Aggregator) run(ctx context.Context, gen uint64, cancel context.CancelFunc, pc host.PageContext) (sites.GaSiteInfo, bool) {
	defer cancel()
	a.metrics.RecordPagePush()

	info := a.Resolve(ctx, pc)
	if !a.apply(gen, info) {
		return info, false
	}
	if err := a.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeSiteInfoResolved,
		Source:  "siteinfo",
		SiteID:  info.ID,
		Message: fmt.Sprintf("Site info resolved for %q", info.Name),
		Level:   telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"generation":  gen,
			"property_id": info.PropertyID,
			"path":        info.Path,
		},
	}); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish site info event")
	}
	return info, true
}

// Handle resolves pc and applies the result if no newer Handle started in
// the meantime. Starting a newer Handle cancels this one's resolution.
func (a *Aggregator) Handle(ctx context.Context, pc host.PageContext) (sites.GaSiteInfo, bool) {
	gen, rctx, cancel := a.begin(ctx)
	return a.run(rctx, gen, cancel, pc)
}

// Bind subscribes to page-context pushes on conn and resolves each on its
// own goroutine. onUpdate receives applied records only, never an older
// record after a newer one. Bind returns the sentinel; real records arrive
// through onUpdate.
func (a *Aggregator) Bind(ctx context.Context, conn host.Conn, onUpdate func(sites.GaSiteInfo)) sites.GaSiteInfo {
	return host.SubscribePageContext(host.WithLogger(ctx, a.logger), conn, func(pc host.PageContext) {
		gen, rctx, cancel := a.begin(ctx)
		go func() {
			info, ok := a.run(rctx, gen, cancel, pc)
			if ok && onUpdate != nil {
				a.notify(gen, info, onUpdate)
			}
		}()
	})
}

func (a *Aggregator) notify(gen uint64, info sites.GaSiteInfo, onUpdate func(sites.GaSiteInfo)) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	if gen <= a.notified {
		return
	}
	a.notified = gen
	onUpdate(info)
}
