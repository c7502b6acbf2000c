package accounts

import "time"

// NeutralUtilization stands in for a window we have no data for.
const NeutralUtilization = 0.5

// Account is one credential/quota bucket.
type Account struct {
	ID         string `toml:"id" json:"id"`
	Name       string `toml:"name" json:"name"`
	ConfigDir  string `toml:"config_dir" json:"config_dir"`
	AutoRotate bool   `toml:"auto_rotate" json:"auto_rotate"`
	// Threshold is the short-window utilization percentage (0-100) at which
	// the account stops being preferred. Zero means no threshold.
	Threshold int `toml:"threshold" json:"threshold"`
	// Weight scales remaining capacity; baseline plans are 1, higher tiers
	// more.
	Weight float64 `toml:"weight" json:"weight"`

	LastUsedAt time.Time `toml:"last_used_at,omitempty" json:"last_used_at,omitempty"`
}

// EffectiveWeight guards against unconfigured weights.
func (a Account) EffectiveWeight() float64 {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}

// Window is one rate-limit window of the usage API.
type Window struct {
	Utilization float64   `json:"utilization"` // 0..1
	ResetsAt    time.Time `json:"resets_at"`
}

// UsageSnapshot is the cached usage state of one account.
type UsageSnapshot struct {
	Short     Window    `json:"short"`
	Long      Window    `json:"long"`
	FetchedAt time.Time `json:"fetched_at"`
	FetchErr  string    `json:"fetch_err,omitempty"`
}

// Valid reports whether the snapshot carries real data.
func (s UsageSnapshot) Valid() bool {
	return !s.FetchedAt.IsZero() && s.FetchErr == ""
}

// ShortUtilization returns the short-window utilization, neutral when the
// snapshot is missing or failed.
func (s UsageSnapshot) ShortUtilization() float64 {
	if !s.Valid() {
		return NeutralUtilization
	}
	return s.Short.Utilization
}

// LongUtilization returns the long-window utilization, neutral when the
// snapshot is missing or failed.
func (s UsageSnapshot) LongUtilization() float64 {
	if !s.Valid() {
		return NeutralUtilization
	}
	return s.Long.Utilization
}
