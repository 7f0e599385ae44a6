package reporting

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"
)

// Credentials identify a Google service account.
type Credentials struct {
	ClientEmail string
	PrivateKey  string
}

// ServiceRunner runs reports against the live Data API.
type ServiceRunner struct {
	svc *analyticsdata.Service
}

// NewServiceRunner authenticates as the service account with read-only
// analytics scope.
func NewServiceRunner(ctx context.Context, creds Credentials) (*ServiceRunner, error) {
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("service account email and private key are required")
	}

	cfg := &jwt.Config{
		Email:      creds.ClientEmail,
		PrivateKey: []byte(creds.PrivateKey),
		Scopes:     []string{analyticsdata.AnalyticsReadonlyScope},
		TokenURL:   google.JWTTokenURL,
	}
	svc, err := analyticsdata.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics data service: %w", err)
	}
	return &ServiceRunner{svc: svc}, nil
}

// RunReport implements Runner.
func (r *ServiceRunner) RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	return r.svc.Properties.RunReport(property, req).Context(ctx).Do()
}
