// Package reporting fetches page-level time series from the Google
// Analytics 4 Data API.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"

	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// Metric is a GA4 metric name.
type Metric string

const (
	MetricPageViews   Metric = "screenPageViews"
	MetricActiveUsers Metric = "activeUsers"
)

// Report window bounds in days.
const (
	MinDays     = 1
	MaxDays     = 90
	DefaultDays = 30
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("analytics reporting temporarily unavailable")

// DataPoint is one day of a report.
type DataPoint struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"pageViews"`
}

// Query describes a report over pages whose path starts with PathPrefix.
type Query struct {
	PathPrefix string
	Days       int
	Property   string
	Metric     Metric
}

// Validate checks the query before it is sent.
func (q Query) Validate() error {
	if q.PathPrefix == "" {
		return fmt.Errorf("path prefix is required")
	}
	if q.Property == "" || q.Property == "-1" {
		return fmt.Errorf("a configured property is required")
	}
	if q.Days < MinDays || q.Days > MaxDays {
		return fmt.Errorf("days must be between %d and %d, got %d", MinDays, MaxDays, q.Days)
	}
	if q.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	return nil
}

// Runner runs a GA4 report for a property resource name
// ("properties/{id}").
type Runner interface {
	RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error)
}

// Options configures a Client.
type Options struct {
	Runner Runner

	// RequestsPerSecond and Burst bound calls to the Data API.
	RequestsPerSecond float64
	Burst             int

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Client fetches reports through a rate limiter and a circuit breaker.
type Client struct {
	runner  Runner
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewClient creates a reporting client.
func NewClient(opts Options) (*Client, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("report runner is required")
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	logger := opts.Logger.With().Str("component", "reporting").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GA4DataAPI",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		runner:  opts.Runner,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: breaker,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// PageViews returns daily page views for pages under pathPrefix.
func (c *Client) PageViews(ctx context.Context, pathPrefix string, days int, property string) ([]DataPoint, error) {
	return c.Fetch(ctx, Query{PathPrefix: pathPrefix, Days: days, Property: property, Metric: MetricPageViews})
}

// ActiveUsers returns daily active users for pages under pathPrefix.
func (c *Client) ActiveUsers(ctx context.Context, pathPrefix string, days int, property string) ([]DataPoint, error) {
	return c.Fetch(ctx, Query{PathPrefix: pathPrefix, Days: days, Property: property, Metric: MetricActiveUsers})
}

// Fetch runs q and returns its rows in ascending date order.
func (c *Client) Fetch(ctx context.Context, q Query) (points []DataPoint, err error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "reporting.run_report",
		telemetry.AttrMetric.String(string(q.Metric)),
		telemetry.AttrProperty.String(q.Property),
		attribute.Int("report.days", q.Days),
	)
	timer := telemetry.NewTimer()
	defer func() {
		outcome := telemetry.OutcomeSuccess
		if err != nil {
			outcome = telemetry.OutcomeFailure
		}
		c.metrics.RecordReportRequest(string(q.Metric), outcome, timer.Duration())
		telemetry.EndSpan(span, err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.runner.RunReport(ctx, "properties/"+q.Property, BuildRequest(q))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logger.Error().Err(err).
			Str("metric", string(q.Metric)).
			Str("property", q.Property).
			Msg("Report request failed")
		return nil, fmt.Errorf("failed to run report: %w", err)
	}

	points, err = parseRows(result.(*analyticsdata.RunReportResponse))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("report.rows", len(points)))
	return points, nil
}

// BuildRequest builds the Data API request for q: one row per date,
// restricted to paths beginning with q.PathPrefix, empty days included.
func BuildRequest(q Query) *analyticsdata.RunReportRequest {
	return &analyticsdata.RunReportRequest{
		KeepEmptyRows: true,
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: fmt.Sprintf("%ddaysAgo", q.Days),
			EndDate:   "today",
		}},
		Dimensions: []*analyticsdata.Dimension{{Name: "date"}},
		Metrics:    []*analyticsdata.Metric{{Name: string(q.Metric)}},
		DimensionFilter: &analyticsdata.FilterExpression{
			Filter: &analyticsdata.Filter{
				FieldName: "pagePath",
				StringFilter: &analyticsdata.StringFilter{
					MatchType: "BEGINS_WITH",
					Value:     q.PathPrefix,
				},
			},
		},
	}
}

// ParseReportDate parses a GA4 date dimension value (YYYYMMDD).
func ParseReportDate(s string) (time.Time, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid report date %q: %w", s, err)
	}
	return t, nil
}

func parseRows(resp *analyticsdata.RunReportResponse) ([]DataPoint, error) {
	points := []DataPoint{}
	if resp == nil {
		return points, nil
	}
	for _, row := range resp.Rows {
		if row == nil || len(row.DimensionValues) == 0 || row.DimensionValues[0] == nil {
			continue
		}
		date, err := ParseReportDate(row.DimensionValues[0].Value)
		if err != nil {
			return nil, err
		}
		var count int64
		if len(row.MetricValues) > 0 && row.MetricValues[0] != nil && row.MetricValues[0].Value != "" {
			count, err = strconv.ParseInt(row.MetricValues[0].Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid metric value %q: %w", row.MetricValues[0].Value, err)
			}
		}
		points = append(points, DataPoint{Date: date, Count: count})
	}
	slices.SortFunc(points, func(a, b DataPoint) int { return a.Date.Compare(b.Date) })
	return points, nil
}
