// internal/config/normalize.go
package config

import "strings"

// Defaults applied by Normalize.
const (
	DefaultWorkers       = 4
	DefaultTimeoutMs     = 2000
	DefaultMaxRetries    = 3
	DefaultBaseBackoffMs = 500
	DefaultMaxBackoffMs  = 30000
	DefaultIntervalMs    = 1000
	DefaultStatusMs      = 1000
	DefaultDiscoveryMs   = 10000
	DefaultCommunity     = "public"
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	e := &cfg.Engine
	if e.Workers == 0 {
		e.Workers = DefaultWorkers
	}
	if e.TimeoutMs == 0 {
		e.TimeoutMs = DefaultTimeoutMs
	}
	if e.Retry.MaxRetries == nil {
		n := DefaultMaxRetries
		e.Retry.MaxRetries = &n
	}
	if e.Retry.BaseBackoffMs == 0 {
		e.Retry.BaseBackoffMs = DefaultBaseBackoffMs
	}
	if e.Retry.MaxBackoffMs == 0 {
		e.Retry.MaxBackoffMs = max(DefaultMaxBackoffMs, e.Retry.BaseBackoffMs)
	}
	if e.Status.IntervalMs == 0 {
		e.Status.IntervalMs = DefaultStatusMs
	}
	if e.DiscoveryTimeoutMs == 0 {
		e.DiscoveryTimeoutMs = DefaultDiscoveryMs
	}

	for di := range cfg.Devices {
		d := &cfg.Devices[di]
		d.Protocol = strings.ToLower(strings.TrimSpace(d.Protocol))

		switch d.Protocol {
		case "modbus":
			d.Modbus.Mode = strings.ToLower(d.Modbus.Mode)
			if d.Modbus.Mode == "" {
				d.Modbus.Mode = "tcp"
			}
			d.Modbus.Parity = strings.ToUpper(d.Modbus.Parity)
		case "snmp":
			d.SNMP.Version = strings.ToLower(d.SNMP.Version)
			if d.SNMP.Version == "" {
				d.SNMP.Version = "v2c"
			}
			if d.SNMP.Version != "v3" && d.SNMP.Community == "" {
				d.SNMP.Community = DefaultCommunity
			}
		}

		// Normalize device_name:
		// - ASCII already validated
		// - Default to the device id
		// - Truncate to max 16 characters
		if d.DeviceName == "" {
			d.DeviceName = d.ID
		}
		if len(d.DeviceName) > 16 {
			d.DeviceName = d.DeviceName[:16]
		}

		for pi := range d.Points {
			if d.Points[pi].IntervalMs == 0 {
				d.Points[pi].IntervalMs = DefaultIntervalMs
			}
		}
	}
}
