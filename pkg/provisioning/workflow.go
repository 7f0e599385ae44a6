// Package provisioning drives the GraphQL steps that install the Google
// Analytics settings template in the CMS and manage per-site settings items.
//
// Every step acquires the host connection and derives a fresh context id.
// Steps never retry; they log, record metrics and events, and return a
// failure value together with a classified *cms.Error.
package provisioning

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/gaplugin/pkg/cms"
	"github.com/openfroyo/gaplugin/pkg/host"
	"github.com/openfroyo/gaplugin/pkg/sites"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// DefaultConcurrency bounds property id lookups during ListSites.
const DefaultConcurrency = 4

// Workflow step names used in logs, metrics and events.
const (
	StepCheckInstalled    = "check_installed"
	StepCreateFolder      = "install.create_folder"
	StepCreateTemplate    = "install.create_template"
	StepListSites         = "list_sites"
	StepResolvePropertyID = "resolve_property_id"
	StepConfigureSite     = "configure_site"
	StepUpdatePropertyID  = "update_property_id"
)

// InstallationStatus reports whether the settings template exists.
type InstallationStatus struct {
	IsInstalled bool `json:"isInstalled"`
}

// Options configures a Workflow.
type Options struct {
	Host     host.Acquirer
	Executor *cms.Executor

	// Concurrency caps concurrent property id lookups. Defaults to
	// DefaultConcurrency.
	Concurrency int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Workflow runs provisioning steps against the CMS.
type Workflow struct {
	host        host.Acquirer
	executor    *cms.Executor
	concurrency int
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	events      *telemetry.EventPublisher
	validate    *validator.Validate
}

// New creates a workflow.
func New(opts Options) *Workflow {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Executor == nil {
		opts.Executor = cms.NewExecutor(opts.Logger, opts.Metrics)
	}
	return &Workflow{
		host:        opts.Host,
		executor:    opts.Executor,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With().Str("component", "provisioning").Logger(),
		metrics:     opts.Metrics,
		events:      opts.Events,
		validate:    validator.New(),
	}
}

type itemRef struct {
	ItemID string `json:"itemId"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

// session is a connection paired with the context id derived for one step.
type session struct {
	conn      host.Conn
	contextID string
}

func (w *Workflow) session(ctx context.Context, step string) (*session, error) {
	conn, err := w.host.Acquire(ctx)
	if err != nil {
		return nil, cms.NewError(cms.KindTransport, step, "host connection unavailable", err)
	}
	contextID, ok := host.ResolveContextID(host.WithLogger(ctx, w.logger), conn)
	if !ok {
		return nil, cms.NewError(cms.KindContextUnavailable, step, cms.ErrContextUnavailable.Message, nil)
	}
	return &session{conn: conn, contextID: contextID}, nil
}

func (w *Workflow) authoring(ctx context.Context, s *session, doc *cms.Document, vars map[string]interface{}, out interface{}) (*cms.Result, error) {
	return w.executor.Execute(ctx, s.conn, cms.Request{
		Endpoint:  cms.Authoring,
		ContextID: s.contextID,
		Document:  doc,
		Variables: vars,
	}, out)
}

// finish records the outcome of a step.
func (w *Workflow) finish(step, siteID, resourceID string, err error) {
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeFailure
		w.logger.Error().Err(err).
			Str("step", step).
			Str("site_id", siteID).
			Msg("Provisioning step failed")
	} else {
		w.logger.Debug().
			Str("step", step).
			Str("site_id", siteID).
			Str("resource_id", resourceID).
			Msg("Provisioning step completed")
	}
	w.metrics.RecordWorkflowStep(step, outcome)
	if pubErr := w.events.PublishStep(step, siteID, resourceID, err); pubErr != nil {
		w.logger.Warn().Err(pubErr).Str("step", step).Msg("Failed to publish step event")
	}
}

// CheckInstalled reports whether the settings template item exists. It is
// recomputed on every call.
func (w *Workflow) CheckInstalled(ctx context.Context) (status InstallationStatus, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepCheckInstalled, telemetry.AttrStep.String(StepCheckInstalled))
	defer func() {
		w.finish(StepCheckInstalled, "", "", err)
		telemetry.EndSpan(span, err)
	}()

	s, err := w.session(ctx, StepCheckInstalled)
	if err != nil {
		return InstallationStatus{}, err
	}
	var out struct {
		Item *itemRef `json:"item"`
	}
	if _, err := w.authoring(ctx, s, cms.ItemByPath, map[string]interface{}{"path": cms.SettingsTemplatePath}, &out); err != nil {
		return InstallationStatus{}, err
	}
	return InstallationStatus{IsInstalled: out.Item != nil && out.Item.Path != ""}, nil
}

// Install creates the template folder and the settings template inside it.
// When the template already exists no mutation is sent and Install reports
// success. A folder created without its template is left in place and
// journaled as orphaned.
func (w *Workflow) Install(ctx context.Context) (bool, error) {
	status, err := w.CheckInstalled(ctx)
	if err != nil {
		return false, err
	}
	if status.IsInstalled {
		w.logger.Info().Msg("Settings template already installed")
		return true, nil
	}

	s, err := w.session(ctx, StepCreateFolder)
	if err != nil {
		w.finish(StepCreateFolder, "", "", err)
		return false, err
	}

	folderID, err := w.createTemplateFolder(ctx, s)
	w.finish(StepCreateFolder, "", folderID, err)
	if err != nil {
		return false, err
	}

	templateID, err := w.createSettingsTemplate(ctx, s, folderID)
	w.finish(StepCreateTemplate, "", templateID, err)
	if err != nil {
		w.logger.Error().Err(err).
			Str("folder_id", folderID).
			Msg("Template folder left without settings template")
		if pubErr := w.events.PublishOrphanedFolder(folderID, err.Error()); pubErr != nil {
			w.logger.Warn().Err(pubErr).Msg("Failed to publish orphaned folder event")
		}
		return false, err
	}

	w.logger.Info().
		Str("folder_id", folderID).
		Str("template_id", templateID).
		Msg("Settings template installed")
	return true, nil
}

func (w *Workflow) createTemplateFolder(ctx context.Context, s *session) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepCreateFolder, telemetry.AttrStep.String(StepCreateFolder))
	defer func() { telemetry.EndSpan(span, err) }()

	var out struct {
		Created *struct {
			Item *itemRef `json:"item"`
		} `json:"createItemTemplateFolder"`
	}
	vars := map[string]interface{}{"name": cms.TemplateFolderName, "parent": cms.TemplateFolderParent}
	if _, err := w.authoring(ctx, s, cms.CreateTemplateFolder, vars, &out); err != nil {
		return "", err
	}
	if out.Created == nil || out.Created.Item == nil || out.Created.Item.ItemID == "" {
		return "", cms.NewError(cms.KindMissingIdentifier, StepCreateFolder, "template folder id missing from response", nil)
	}
	return out.Created.Item.ItemID, nil
}

func (w *Workflow) createSettingsTemplate(ctx context.Context, s *session, folderID string) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepCreateTemplate, telemetry.AttrStep.String(StepCreateTemplate))
	defer func() { telemetry.EndSpan(span, err) }()

	var out struct {
		Created *struct {
			Template *struct {
				TemplateID string `json:"templateId"`
			} `json:"itemTemplate"`
		} `json:"createItemTemplate"`
	}
	if _, err := w.authoring(ctx, s, cms.CreateSettingsTemplate, map[string]interface{}{"parent": folderID}, &out); err != nil {
		return "", err
	}
	if out.Created == nil || out.Created.Template == nil || out.Created.Template.TemplateID == "" {
		return "", cms.NewError(cms.KindMissingIdentifier, StepCreateTemplate, "template id missing from response", nil)
	}
	return out.Created.Template.TemplateID, nil
}

// ListSites lists the tenant's sites with their resolved property ids, in
// listing order. Lookups run concurrently up to the configured cap. Any
// failure yields a nil slice.
func (w *Workflow) ListSites(ctx context.Context) (result []sites.SiteInfo, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepListSites, telemetry.AttrStep.String(StepListSites))
	defer func() {
		w.finish(StepListSites, "", "", err)
		telemetry.EndSpan(span, err)
	}()

	s, err := w.session(ctx, StepListSites)
	if err != nil {
		return nil, err
	}
	listed, err := w.executor.ListSites(ctx, s.conn, s.contextID)
	if err != nil {
		return nil, err
	}

	for i, site := range listed {
		if site.ID == nil || site.RootPath() == "" {
			return nil, cms.NewError(cms.KindUnexpectedShape, StepListSites, fmt.Sprintf("site %d has no id or root path", i), nil)
		}
	}

	out := make([]sites.SiteInfo, len(listed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, site := range listed {
		g.Go(func() error {
			pid, err := w.resolvePropertyID(gctx, s, site.RootPath())
			if err != nil {
				return err
			}
			info := sites.SiteInfo{ID: *site.ID, Path: site.RootPath(), PropertyID: pid}
			if site.Name != nil {
				info.Name = *site.Name
			}
			out[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolvePropertyID reads the PropertyID field of the settings item under
// sitePath. A missing item means the site is not configured; a missing,
// null or empty field means it is configured but empty.
func (w *Workflow) ResolvePropertyID(ctx context.Context, sitePath string) (pid sites.PropertyID, err error) {
	defer func() { w.finish(StepResolvePropertyID, "", "", err) }()

	s, err := w.session(ctx, StepResolvePropertyID)
	if err != nil {
		return sites.EmptyID(), err
	}
	return w.resolvePropertyID(ctx, s, sitePath)
}

func (w *Workflow) resolvePropertyID(ctx context.Context, s *session, sitePath string) (pid sites.PropertyID, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepResolvePropertyID,
		telemetry.AttrStep.String(StepResolvePropertyID),
		telemetry.AttrSitePath.String(sitePath),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	var out struct {
		Item *struct {
			Field *struct {
				Value *string `json:"value"`
			} `json:"field"`
		} `json:"item"`
	}
	vars := map[string]interface{}{"path": settingsItemPath(sitePath)}
	if _, err := w.authoring(ctx, s, cms.SitePropertyID, vars, &out); err != nil {
		return sites.EmptyID(), err
	}

	switch {
	case out.Item == nil:
		return sites.NotConfiguredID(), nil
	case out.Item.Field == nil, out.Item.Field.Value == nil, *out.Item.Field.Value == "":
		return sites.EmptyID(), nil
	default:
		return sites.ResolvedID(*out.Item.Field.Value), nil
	}
}

// ConfigureSite creates the site's settings item: it looks up the site's
// Settings folder, then the settings template, then creates the item. Any
// missing identifier aborts the sequence without cleanup.
func (w *Workflow) ConfigureSite(ctx context.Context, site sites.SiteInfo) (ok bool, err error) {
	var itemID string
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepConfigureSite,
		telemetry.AttrStep.String(StepConfigureSite),
		telemetry.AttrSiteID.String(site.ID),
	)
	defer func() {
		w.finish(StepConfigureSite, site.ID, itemID, err)
		telemetry.EndSpan(span, err)
	}()

	s, err := w.session(ctx, StepConfigureSite)
	if err != nil {
		return false, err
	}

	folderID, err := w.itemID(ctx, s, site.Path+"/"+cms.SettingsFolder)
	if err != nil {
		return false, err
	}
	templateID, err := w.itemID(ctx, s, cms.SettingsTemplatePath)
	if err != nil {
		return false, err
	}

	var out struct {
		Created *struct {
			Item *itemRef `json:"item"`
		} `json:"createItem"`
	}
	vars := map[string]interface{}{"templateId": templateID, "parent": folderID}
	if _, err := w.authoring(ctx, s, cms.CreateSettingsItem, vars, &out); err != nil {
		return false, err
	}
	if out.Created == nil || out.Created.Item == nil || out.Created.Item.ItemID == "" {
		return false, cms.NewError(cms.KindMissingIdentifier, StepConfigureSite, "settings item id missing from response", nil)
	}
	itemID = out.Created.Item.ItemID
	return true, nil
}

func (w *Workflow) itemID(ctx context.Context, s *session, path string) (string, error) {
	var out struct {
		Item *itemRef `json:"item"`
	}
	if _, err := w.authoring(ctx, s, cms.ItemByPath, map[string]interface{}{"path": path}, &out); err != nil {
		return "", err
	}
	if out.Item == nil || out.Item.ItemID == "" {
		return "", cms.NewError(cms.KindMissingIdentifier, StepConfigureSite, fmt.Sprintf("no item at %s", path), nil)
	}
	return out.Item.ItemID, nil
}

type propertyInput struct {
	Value string `validate:"required,numeric"`
}

// UpdateSitePropertyID writes site.PropertyID into the site's settings
// item. It reports success unless the call itself failed; GraphQL errors
// returned by the endpoint are logged only. The written value is not read
// back.
func (w *Workflow) UpdateSitePropertyID(ctx context.Context, site sites.SiteInfo) (ok bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "provisioning."+StepUpdatePropertyID,
		telemetry.AttrStep.String(StepUpdatePropertyID),
		telemetry.AttrSiteID.String(site.ID),
		telemetry.AttrProperty.String(site.PropertyID.String()),
	)
	defer func() {
		w.finish(StepUpdatePropertyID, site.ID, "", err)
		telemetry.EndSpan(span, err)
	}()

	if site.PropertyID.State != sites.Resolved {
		return false, cms.NewError(cms.KindValidation, StepUpdatePropertyID,
			fmt.Sprintf("property id is %s", site.PropertyID.State), nil)
	}
	if err := w.validate.Struct(propertyInput{Value: site.PropertyID.Value}); err != nil {
		return false, cms.NewError(cms.KindValidation, StepUpdatePropertyID, "property id must be numeric", err)
	}

	s, err := w.session(ctx, StepUpdatePropertyID)
	if err != nil {
		return false, err
	}

	vars := map[string]interface{}{
		"path":  settingsItemPath(site.Path),
		"value": site.PropertyID.Value,
	}
	res, err := w.authoring(ctx, s, cms.UpdatePropertyID, vars, nil)
	if err != nil && cms.IsKind(err, cms.KindTransport) {
		return false, err
	}
	if err != nil || res.HasErrors() {
		w.logger.Warn().Err(err).
			Str("site_id", site.ID).
			Msg("Property id update reported errors")
	}
	return true, nil
}

func settingsItemPath(sitePath string) string {
	return sitePath + "/" + cms.SettingsSubPath
}
