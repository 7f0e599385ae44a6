package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Host operations.
const (
	OperationApplicationContext = "application.context"
	OperationPageContext        = "pages.context"
)

// ApplicationContext describes the plugin installation as seen by the host.
type ApplicationContext struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Resources []Resource `json:"resources"`
}

// Resource is a CMS tenant the installation is granted access to.
type Resource struct {
	ResourceID string          `json:"resourceId"`
	TenantID   string          `json:"tenantId"`
	TenantName string          `json:"tenantName"`
	Context    ResourceContext `json:"context"`
}

// ResourceContext carries the context ids used to address the tenant's
// GraphQL endpoints.
type ResourceContext struct {
	Live    string `json:"live"`
	Preview string `json:"preview"`
}

// PreviewContextID returns the first resource's preview context id.
func (a *ApplicationContext) PreviewContextID() (string, bool) {
	if a == nil || len(a.Resources) == 0 {
		return "", false
	}
	id := a.Resources[0].Context.Preview
	return id, id != ""
}

// FetchApplicationContext queries the host for the application context.
func FetchApplicationContext(ctx context.Context, conn Conn) (*ApplicationContext, error) {
	if conn == nil {
		return nil, fmt.Errorf("no host connection")
	}
	data, err := conn.Query(ctx, OperationApplicationContext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", OperationApplicationContext, err)
	}
	var app ApplicationContext
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", OperationApplicationContext, err)
	}
	return &app, nil
}

// WithLogger attaches logger to ctx unless ctx already carries one. The
// context helpers in this package log through the context's logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if zerolog.Ctx(ctx).GetLevel() != zerolog.Disabled {
		return ctx
	}
	return logger.WithContext(ctx)
}

// ctxLogger returns the logger attached to ctx, or the global logger.
func ctxLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// ResolveContextID derives the context id every CMS call must carry. It is
// re-derived on each call since the host may rotate it. Failures are logged
// and reported as ok == false; callers must not proceed without an id.
func ResolveContextID(ctx context.Context, conn Conn) (string, bool) {
	logger := ctxLogger(ctx)

	app, err := FetchApplicationContext(ctx, conn)
	if err != nil {
		level := zerolog.ErrorLevel
		if ctx.Err() != nil {
			level = zerolog.DebugLevel
		}
		logger.WithLevel(level).Err(err).Msg("Failed to get sitecore context ID")
		return "", false
	}
	id, ok := app.PreviewContextID()
	if !ok {
		logger.Error().Int("resources", len(app.Resources)).Msg("Application context has no preview context ID")
		return "", false
	}
	return id, true
}
