package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNilRecordersAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordHandshakeAttempt("success")
	m.SetConnectionState("ready")
	m.RecordGraphQLCall("authoring", "item", time.Millisecond)
	m.RecordGraphQLError("authoring", "item", "remote")
	m.RecordWorkflowStep("install", "success")
	m.RecordPagePush()
	m.RecordStaleDiscard()
	m.RecordReportRequest("activeUsers", "success", time.Millisecond)
	m.RecordHTTPRequest("/healthz", 200)

	var ep *EventPublisher
	if err := ep.PublishStep("install", "", "", nil); err != nil {
		t.Errorf("nil publisher returned %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("nil publisher Shutdown() = %v", err)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordWorkflowStep("install", OutcomeSuccess)
	m.SetConnectionState("ready")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`gaplugin_provisioning_steps_total{outcome="success",step="install"} 1`,
		`gaplugin_host_connection_state{state="ready"} 1`,
		`gaplugin_host_connection_state{state="failed"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEventPublisherSyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var all, orphans []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { orphans = append(orphans, e) }, FilterByType(EventTypeOrphanedFolder))

	_ = ep.PublishStep("install.folder", "", "{F1}", nil)
	_ = ep.PublishOrphanedFolder("{F1}", "template creation failed")
	_ = ep.PublishStep("install.template", "", "", errors.New("boom"))

	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Outcome != OutcomeSuccess || all[2].Outcome != OutcomeFailure {
		t.Errorf("outcomes = %s, %s", all[0].Outcome, all[2].Outcome)
	}
	if all[2].Type != EventTypeStepFailed || all[2].Level != EventLevelError {
		t.Errorf("failed step event = %+v", all[2])
	}
	if len(orphans) != 1 || orphans[0].ResourceID != "{F1}" {
		t.Errorf("orphan events = %+v", orphans)
	}
	for _, e := range all {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", e)
		}
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	got := make(chan Event, 16)
	ep.Subscribe(func(e Event) { got <- e }, FilterByLevel(EventLevelError))

	_ = ep.PublishStep("configure", "s1", "", nil)
	_ = ep.PublishStep("configure", "s2", "", errors.New("no settings folder"))

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	close(got)

	var events []Event
	for e := range got {
		events = append(events, e)
	}
	if len(events) != 1 || events[0].SiteID != "s2" {
		t.Errorf("delivered = %+v, want only the s2 failure", events)
	}

	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Error("Publish() after Shutdown should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{"warn", "warn"},
		{"", "info"},
		{"nonsense", "info"},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
