// Package api serves analytics time series to the embedded plugin UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/openfroyo/gaplugin/pkg/reporting"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// Reporter fetches analytics series.
type Reporter interface {
	PageViews(ctx context.Context, pathPrefix string, days int, property string) ([]reporting.DataPoint, error)
	ActiveUsers(ctx context.Context, pathPrefix string, days int, property string) ([]reporting.DataPoint, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	Reporter Reporter

	// AllowedOrigins restricts CORS; empty allows every origin.
	AllowedOrigins []string

	// RequestsPerSecond and Burst bound the whole API. Zero disables the
	// limit.
	RequestsPerSecond float64
	Burst             int

	HealthChecks map[string]HealthCheck

	ServiceName string
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Validation messages returned with 400 responses.
const (
	msgURLRequired      = "URL parameter is required"
	msgPropertyRequired = "Valid property parameter is required"
	msgDaysRange        = "Days parameter must be a number between 1 and 90"
	msgFetchFailed      = "Failed to fetch analytics data"
)

type handler struct {
	reporter Reporter
	checks   map[string]HealthCheck
	logger   zerolog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(opts Options) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "gaplugin"
	}
	logger := opts.Logger.With().Str("component", "api").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(RequestID())
	r.Use(AccessLog(logger))
	r.Use(Metrics(opts.Metrics))
	r.Use(CORS(opts.AllowedOrigins))

	h := &handler{reporter: opts.Reporter, checks: opts.HealthChecks, logger: logger}

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	analytics := r.Group("/api/analytics")
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		analytics.Use(RateLimit(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)))
	}
	analytics.GET("/pageviews", h.series(reporting.MetricPageViews))
	analytics.GET("/PageViews", h.series(reporting.MetricPageViews))
	analytics.GET("/activeusers", h.series(reporting.MetricActiveUsers))

	return r
}

var validate = validator.New()

type seriesQuery struct {
	URL      string `validate:"required"`
	Property string `validate:"required,ne=-1"`
	Days     int    `validate:"min=1,max=90"`
}

// queryMessages maps the first failing field to its 400 message.
var queryMessages = map[string]string{
	"URL":      msgURLRequired,
	"Property": msgPropertyRequired,
	"Days":     msgDaysRange,
}

// parseSeriesQuery reads the query string. An absent days takes the
// default; a present one must parse as an integer, so days= is rejected.
func parseSeriesQuery(c *gin.Context) seriesQuery {
	q := seriesQuery{
		URL:      c.Query("url"),
		Property: c.Query("property"),
		Days:     reporting.DefaultDays,
	}
	if raw, ok := c.GetQuery("days"); ok {
		days, err := strconv.Atoi(raw)
		if err != nil {
			days = 0
		}
		q.Days = days
	}
	return q
}

// validate returns the message for the first invalid field, or "".
func (q seriesQuery) validate() string {
	err := validate.Struct(q)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if msg, ok := queryMessages[verrs[0].Field()]; ok {
			return msg
		}
	}
	return err.Error()
}

func (h *handler) fetch(ctx context.Context, metric reporting.Metric, url string, days int, property string) ([]reporting.DataPoint, error) {
	if h.reporter == nil {
		return nil, errors.New("analytics reporting is not configured")
	}
	if metric == reporting.MetricActiveUsers {
		return h.reporter.ActiveUsers(ctx, url, days, property)
	}
	return h.reporter.PageViews(ctx, url, days, property)
}

func (h *handler) series(metric reporting.Metric) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := parseSeriesQuery(c)
		if msg := q.validate(); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}

		data, err := h.fetch(c.Request.Context(), metric, q.URL, q.Days, q.Property)
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Error().Err(err).
				Str("metric", string(metric)).
				Str("url", q.URL).
				Msg("Failed to fetch analytics data")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   msgFetchFailed,
				"details": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    data,
			"meta": gin.H{
				"url":         q.URL,
				"days":        q.Days,
				"property":    q.Property,
				"recordCount": len(data),
			},
		})
	}
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}

// Serve runs handler on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
