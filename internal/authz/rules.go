package authz

import (
	"strings"
	"time"
)

// RuleType discriminates dynamic rule variants.
type RuleType string

const (
	RuleTypeTime     RuleType = "time"
	RuleTypeLocation RuleType = "location"
	RuleTypeDevice   RuleType = "device"
)

// CombineMode controls how multiple dynamic rules referenced by one
// permission are combined.
type CombineMode string

const (
	// CombineAll requires every referenced rule to pass (default).
	CombineAll CombineMode = "ALL"
	// CombineAny requires at least one referenced rule to pass.
	CombineAny CombineMode = "ANY"
)

// TimeRule restricts access to a daily window on selected weekdays.
// Start and End are "HH:MM"; the hour range is inclusive. An empty
// weekday list means every day.
type TimeRule struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// LocationRule restricts access by geo attributes and IP lists. Deny
// lists win over allow lists; empty lists do not constrain.
type LocationRule struct {
	AllowedCountries []string `json:"allowedCountries,omitempty"`
	AllowedRegions   []string `json:"allowedRegions,omitempty"`
	AllowedCities    []string `json:"allowedCities,omitempty"`
	AllowedIPs       []string `json:"allowedIps,omitempty"`
	DeniedIPs        []string `json:"deniedIps,omitempty"`
}

// DeviceRule restricts access by device fingerprint. Deny wins; an
// empty allow list admits any fingerprint not denied.
type DeviceRule struct {
	AllowedFingerprints []string `json:"allowedFingerprints,omitempty"`
	DeniedFingerprints  []string `json:"deniedFingerprints,omitempty"`
}

// Rule is a dynamic access rule referenced from permission conditions
// by ID. Exactly one of the typed payloads is set, matching Type.
type Rule struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     RuleType      `json:"type"`
	IsActive bool          `json:"isActive"`
	Time     *TimeRule     `json:"time,omitempty"`
	Location *LocationRule `json:"location,omitempty"`
	Device   *DeviceRule   `json:"device,omitempty"`
}

// Evaluate applies the rule's type-specific predicate against the
// request context at the given instant. Inactive or malformed rules
// never pass.
func (r Rule) Evaluate(reqCtx Context, now time.Time) bool {
	if !r.IsActive {
		return false
	}
	switch r.Type {
	case RuleTypeTime:
		if r.Time == nil {
			return false
		}
		return r.Time.evaluate(now)
	case RuleTypeLocation:
		if r.Location == nil {
			return false
		}
		return r.Location.evaluate(reqCtx)
	case RuleTypeDevice:
		if r.Device == nil {
			return false
		}
		return r.Device.evaluate(reqCtx)
	default:
		return false
	}
}

func (r TimeRule) evaluate(now time.Time) bool {
	if len(r.Weekdays) > 0 {
		ok := false
		for _, wd := range r.Weekdays {
			if now.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	startHour, ok := parseHour(r.Start)
	if !ok {
		return false
	}
	endHour, ok := parseHour(r.End)
	if !ok {
		return false
	}
	hour := now.Hour()
	return hour >= startHour && hour <= endHour
}

func (r LocationRule) evaluate(reqCtx Context) bool {
	ip := reqCtx.String(CtxClientIP)
	if containsFold(r.DeniedIPs, ip) {
		return false
	}
	if len(r.AllowedIPs) > 0 && !containsFold(r.AllowedIPs, ip) {
		return false
	}
	if len(r.AllowedCountries) > 0 && !containsFold(r.AllowedCountries, reqCtx.String(CtxCountry)) {
		return false
	}
	if len(r.AllowedRegions) > 0 && !containsFold(r.AllowedRegions, reqCtx.String(CtxRegion)) {
		return false
	}
	if len(r.AllowedCities) > 0 && !containsFold(r.AllowedCities, reqCtx.String(CtxCity)) {
		return false
	}
	return true
}

func (r DeviceRule) evaluate(reqCtx Context) bool {
	fp := reqCtx.String(CtxDeviceFingerprint)
	if containsFold(r.DeniedFingerprints, fp) {
		return false
	}
	if len(r.AllowedFingerprints) > 0 {
		return containsFold(r.AllowedFingerprints, fp)
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// parseHour extracts the hour from an "HH:MM" value.
func parseHour(v string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return t.Hour(), true
}
