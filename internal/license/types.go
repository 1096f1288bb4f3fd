// Package license implements the sealed license payload codec and the
// human-facing DLNK key format.
package license

import (
	"sort"
	"time"
)

// Type is the license tier.
type Type string

const (
	TypeTrial      Type = "trial"
	TypePro        Type = "pro"
	TypeEnterprise Type = "enterprise"
)

// Status is the lifecycle state of a license.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// KeyPrefix is the fixed prefix of every display key.
const KeyPrefix = "DLNK"

// defaultFeatures maps each tier to its base feature set. Explicit
// per-license features are additive on top, never subtractive.
var defaultFeatures = map[Type][]string{
	TypeTrial: {"ai_chat", "basic_code_assist"},
	TypePro:   {"ai_chat", "code_complete", "history", "dark_mode", "priority_support"},
	TypeEnterprise: {
		"ai_chat", "code_complete", "history", "dark_mode", "priority_support",
		"unlimited", "api_access", "custom_branding", "admin_panel",
	},
}

// ValidType reports whether t is a known license tier.
func ValidType(t Type) bool {
	_, ok := defaultFeatures[t]
	return ok
}

// DefaultFeatures returns a copy of the base feature set for a tier.
func DefaultFeatures(t Type) []string {
	base := defaultFeatures[t]
	out := make([]string, len(base))
	copy(out, base)
	return out
}

// PermittedFeatures returns everything a tier may carry: its own base set
// plus anything the enterprise tier grants. Lower tiers can be granted
// individual enterprise features as explicit overrides.
func PermittedFeatures(t Type) map[string]bool {
	permitted := make(map[string]bool)
	for _, f := range defaultFeatures[t] {
		permitted[f] = true
	}
	for _, f := range defaultFeatures[TypeEnterprise] {
		permitted[f] = true
	}
	return permitted
}

// ExpandFeatures returns the sorted union of the tier's base set and the
// explicit extras.
func ExpandFeatures(t Type, extra []string) []string {
	set := make(map[string]bool)
	for _, f := range defaultFeatures[t] {
		set[f] = true
	}
	for _, f := range extra {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Payload is the plaintext license structure sealed into the blob.
// Field order is fixed so the canonical serialization is reproducible.
type Payload struct {
	LicenseID string    `json:"license_id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Features  []string  `json:"features"`
	Owner     string    `json:"owner"`
	Email     string    `json:"email"`
}

// DaysUntil returns days from now until deadline, rounded up so a
// license issued for 30 days reports 30 until a full day has elapsed.
// Never negative.
func DaysUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// DaysRemaining returns days until expiry, rounded up, never negative.
func (p Payload) DaysRemaining(now time.Time) int {
	return DaysUntil(p.ExpiresAt, now)
}

// Expired reports whether the payload is past its expiry at now.
func (p Payload) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
