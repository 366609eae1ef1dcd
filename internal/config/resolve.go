package config

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Hard defaults, the last step of every fallback chain.
const (
	DefaultAgentInterval       = 5
	DefaultOfflineAfterMinutes = 2
	DefaultAnchorDay           = 1
	DefaultExpiryWarnDays      = 7
)

// Keys of the settings table consulted by the Resolver.
const (
	SettingOfflineAfterMinutes = "offline_after_minutes"
	SettingBillingAnchorDay    = "billing_anchor_day"
	SettingExpiryWarnDays      = "expiry_warn_days"
	SettingNotifyOffline       = "notify_offline"
	SettingNotifyOnline        = "notify_online"
	SettingNotifyExpiry        = "notify_expiry"
)

// SettingKeys lists every key accepted by the settings API.
var SettingKeys = []string{
	SettingOfflineAfterMinutes,
	SettingBillingAnchorDay,
	SettingExpiryWarnDays,
	SettingNotifyOffline,
	SettingNotifyOnline,
	SettingNotifyExpiry,
}

// SettingsSource returns the operator-stored settings as raw strings.
type SettingsSource interface {
	Settings(ctx context.Context) (map[string]string, error)
}

// Resolver resolves defaulted knobs in one place:
//
//	explicit value → stored setting → config file / env → hard default
//
// Each step is range checked; an out-of-range value falls through to the next.
type Resolver struct {
	cfg    *Config
	stored map[string]string
}

// NewResolver builds a Resolver over a settings snapshot. Either argument may be nil.
func NewResolver(cfg *Config, stored map[string]string) Resolver {
	if cfg == nil {
		cfg = &Config{}
	}
	return Resolver{cfg: cfg, stored: stored}
}

// LoadResolver reads the stored settings and returns a Resolver over them.
// A failing source degrades to config values rather than an error.
func LoadResolver(ctx context.Context, cfg *Config, src SettingsSource) (Resolver, error) {
	if src == nil {
		return NewResolver(cfg, nil), nil
	}
	stored, err := src.Settings(ctx)
	if err != nil {
		return NewResolver(cfg, nil), err
	}
	return NewResolver(cfg, stored), nil
}

// OfflineAfterMinutes resolves the silence threshold after which a machine is offline.
func (r Resolver) OfflineAfterMinutes(explicit int) int {
	return r.intChain(explicit, SettingOfflineAfterMinutes, r.cfg.OfflineAfterMinutes, DefaultOfflineAfterMinutes, 1, 1440)
}

// OfflineAfter is OfflineAfterMinutes as a duration.
func (r Resolver) OfflineAfter(explicit int) time.Duration {
	return time.Duration(r.OfflineAfterMinutes(explicit)) * time.Minute
}

// AnchorDay resolves a billing anchor day in [1,31].
func (r Resolver) AnchorDay(explicit int) int {
	return r.intChain(explicit, SettingBillingAnchorDay, r.cfg.BillingAnchorDay, DefaultAnchorDay, 1, 31)
}

// ExpiryWarnDays resolves how many days ahead of expiry a warning is sent.
func (r Resolver) ExpiryWarnDays() int {
	return r.intChain(0, SettingExpiryWarnDays, r.cfg.ExpiryWarnDays, DefaultExpiryWarnDays, 0, 365)
}

// NotifyOffline reports whether offline alerts are enabled.
func (r Resolver) NotifyOffline() bool {
	return r.boolChain(SettingNotifyOffline, r.cfg.NotifyOffline)
}

// NotifyOnline reports whether back-online alerts are enabled.
func (r Resolver) NotifyOnline() bool {
	return r.boolChain(SettingNotifyOnline, r.cfg.NotifyOnline)
}

// NotifyExpiry reports whether expiry alerts are enabled.
func (r Resolver) NotifyExpiry() bool {
	return r.boolChain(SettingNotifyExpiry, r.cfg.NotifyExpiry)
}

func (r Resolver) intChain(explicit int, key string, configured, hard, lo, hi int) int {
	in := func(v int) bool { return v >= lo && v <= hi }
	if explicit != 0 && in(explicit) {
		return explicit
	}
	if raw, ok := r.stored[key]; ok {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && in(v) {
			return v
		}
	}
	if configured != 0 && in(configured) {
		return configured
	}
	return hard
}

func (r Resolver) boolChain(key string, configured bool) bool {
	if raw, ok := r.stored[key]; ok {
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return v
		}
	}
	return configured
}

// ValidSetting reports whether value is acceptable for key.
func ValidSetting(key, value string) bool {
	value = strings.TrimSpace(value)
	switch key {
	case SettingOfflineAfterMinutes:
		v, err := strconv.Atoi(value)
		return err == nil && v >= 1 && v <= 1440
	case SettingBillingAnchorDay:
		v, err := strconv.Atoi(value)
		return err == nil && v >= 1 && v <= 31
	case SettingExpiryWarnDays:
		v, err := strconv.Atoi(value)
		return err == nil && v >= 0 && v <= 365
	case SettingNotifyOffline, SettingNotifyOnline, SettingNotifyExpiry:
		_, err := strconv.ParseBool(value)
		return err == nil
	}
	return false
}
