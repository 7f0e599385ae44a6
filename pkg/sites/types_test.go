package sites

import (
	"encoding/json"
	"testing"
)

func TestParsePropertyID(t *testing.T) {
	tests := []struct {
		name      string
		wire      string
		wantState PropertyState
		wantValue string
	}{
		{name: "not configured sentinel", wire: "-1", wantState: NotConfigured},
		{name: "configured but empty", wire: "", wantState: ConfiguredEmpty},
		{name: "resolved value", wire: "98765", wantState: Resolved, wantValue: "98765"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePropertyID(tt.wire)
			if got.State != tt.wantState {
				t.Errorf("State = %v, want %v", got.State, tt.wantState)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", got.Value, tt.wantValue)
			}
			if got.String() != tt.wire {
				t.Errorf("String() = %q, want %q", got.String(), tt.wire)
			}
		})
	}
}

func TestZeroPropertyIDIsNotConfigured(t *testing.T) {
	var p PropertyID
	if p.IsConfigured() {
		t.Error("zero PropertyID should be NotConfigured")
	}
	if p.String() != "-1" {
		t.Errorf("String() = %q, want -1", p.String())
	}
}

func TestSiteInfoJSON(t *testing.T) {
	site := SiteInfo{ID: "s1", Name: "Site", Path: "/sitecore/content/c/site", PropertyID: EmptyID()}
	b, err := json.Marshal(site)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"id":"s1","name":"Site","path":"/sitecore/content/c/site","propertyId":""}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}

	var back SiteInfo
	if err := json.Unmarshal([]byte(`{"id":"s2","propertyId":"-1"}`), &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.PropertyID.State != NotConfigured {
		t.Errorf("PropertyID.State = %v, want NotConfigured", back.PropertyID.State)
	}
}

func TestWithPropertyIDCopies(t *testing.T) {
	orig := SiteInfo{ID: "s1", Path: "/p", PropertyID: NotConfiguredID()}
	updated := orig.WithPropertyID(ResolvedID("42"))

	if orig.PropertyID.State != NotConfigured {
		t.Error("WithPropertyID modified the original record")
	}
	if updated.ID != orig.ID || updated.Path != orig.Path {
		t.Error("WithPropertyID changed identity fields")
	}
	if updated.PropertyID.String() != "42" {
		t.Errorf("PropertyID = %q, want 42", updated.PropertyID.String())
	}
}

func TestInvalidGaSiteInfo(t *testing.T) {
	got := InvalidGaSiteInfo()
	want := GaSiteInfo{ID: "-1", Name: "", PropertyID: "", Path: ""}
	if got != want {
		t.Errorf("InvalidGaSiteInfo() = %+v, want %+v", got, want)
	}
	if got.IsValid() {
		t.Error("sentinel should not be valid")
	}
	if !(GaSiteInfo{ID: "s1"}).IsValid() {
		t.Error("resolved record should be valid")
	}
}
