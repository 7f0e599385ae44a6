// Package sites holds the site records shared by the provisioning workflow,
// the page-context aggregator and the HTTP surface.
package sites

import (
	"encoding/json"
	"fmt"
)

// PropertyState distinguishes the three meaningful states of a site's
// analytics property id.
type PropertyState int

const (
	// NotConfigured means the site has no Google Analytics settings item.
	NotConfigured PropertyState = iota
	// ConfiguredEmpty means the settings item exists but holds no value.
	ConfiguredEmpty
	// Resolved means the settings item holds a property id.
	Resolved
)

// String returns the string representation of the state.
func (s PropertyState) String() string {
	switch s {
	case NotConfigured:
		return "not_configured"
	case ConfiguredEmpty:
		return "configured_empty"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("PropertyState(%d)", int(s))
	}
}

// Wire values understood by the presentation layer.
const (
	NotConfiguredValue   = "-1"
	ConfiguredEmptyValue = ""
)

// PropertyID is a tagged property identifier. The zero value is
// NotConfigured.
type PropertyID struct {
	State PropertyState
	Value string
}

// NotConfiguredID returns the NotConfigured property id.
func NotConfiguredID() PropertyID {
	return PropertyID{State: NotConfigured}
}

// EmptyID returns the ConfiguredEmpty property id.
func EmptyID() PropertyID {
	return PropertyID{State: ConfiguredEmpty}
}

// ResolvedID returns a Resolved property id holding v.
func ResolvedID(v string) PropertyID {
	return PropertyID{State: Resolved, Value: v}
}

// ParsePropertyID maps a wire value back to its tagged form.
func ParsePropertyID(s string) PropertyID {
	switch s {
	case NotConfiguredValue:
		return NotConfiguredID()
	case ConfiguredEmptyValue:
		return EmptyID()
	default:
		return ResolvedID(s)
	}
}

// String returns the wire value.
func (p PropertyID) String() string {
	switch p.State {
	case NotConfigured:
		return NotConfiguredValue
	case ConfiguredEmpty:
		return ConfiguredEmptyValue
	default:
		return p.Value
	}
}

// IsConfigured reports whether a settings item exists for the site.
func (p PropertyID) IsConfigured() bool {
	return p.State != NotConfigured
}

// MarshalJSON encodes the wire value.
func (p PropertyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the wire value.
func (p *PropertyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("property id must be a string: %w", err)
	}
	*p = ParsePropertyID(s)
	return nil
}

// SiteInfo is a site from the CMS site directory. ID and Path never change
// once listed; use WithPropertyID to derive a record with a new property id.
type SiteInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	PropertyID PropertyID `json:"propertyId"`
}

// WithPropertyID returns a copy of s carrying id.
func (s SiteInfo) WithPropertyID(id PropertyID) SiteInfo {
	s.PropertyID = id
	return s
}

// GaSiteInfo is the view record for the page currently open in the host.
type GaSiteInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PropertyID string `json:"propertyId"`
	Path       string `json:"path"`
}

// InvalidGaSiteInfo returns the "not configured" record shown when the
// site's settings cannot be resolved.
func InvalidGaSiteInfo() GaSiteInfo {
	return GaSiteInfo{ID: NotConfiguredValue}
}

// IsValid reports whether g is not the "not configured" record.
func (g GaSiteInfo) IsValid() bool {
	return g != InvalidGaSiteInfo()
}
