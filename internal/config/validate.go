// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/status"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
//
// Point addresses are not checked here: a bad address is fatal to that
// point only and is reported when the engine builds its jobs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	// ------------------------------------------------------------
	// ENGINE
	// ------------------------------------------------------------

	e := cfg.Engine
	if e.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0")
	}
	if e.TimeoutMs < 0 {
		return fmt.Errorf("engine.timeout_ms must be >= 0")
	}
	if e.DiscoveryTimeoutMs < 0 {
		return fmt.Errorf("engine.discovery_timeout_ms must be >= 0")
	}
	if e.Retry.MaxRetries != nil && *e.Retry.MaxRetries < 0 {
		return fmt.Errorf("engine.retry.max_retries must be >= 0")
	}
	if e.Retry.BaseBackoffMs < 0 || e.Retry.MaxBackoffMs < 0 {
		return fmt.Errorf("engine.retry backoff values must be >= 0")
	}
	if e.Retry.MaxBackoffMs > 0 && e.Retry.BaseBackoffMs > e.Retry.MaxBackoffMs {
		return fmt.Errorf("engine.retry.base_backoff_ms %d exceeds max_backoff_ms %d",
			e.Retry.BaseBackoffMs, e.Retry.MaxBackoffMs)
	}
	if e.Status.IntervalMs < 0 {
		return fmt.Errorf("engine.status.interval_ms must be >= 0")
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	seen := make(map[string]struct{}, len(cfg.Devices))

	for _, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("device: id required")
		}
		if strings.Contains(d.ID, "/") {
			return fmt.Errorf("device %q: id must not contain '/'", d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}

		proto, err := address.ParseProtocol(d.Protocol)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.ID, err)
		}
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("device %q: address required", d.ID)
		}

		switch proto {
		case address.Modbus:
			if err := validateModbus(d.Modbus); err != nil {
				return fmt.Errorf("device %q: %w", d.ID, err)
			}
		case address.SNMP:
			if err := validateSNMP(d.SNMP); err != nil {
				return fmt.Errorf("device %q: %w", d.ID, err)
			}
		}

		// device_name sanity (ASCII only)
		for i := 0; i < len(d.DeviceName); i++ {
			if d.DeviceName[i] > 0x7F {
				return fmt.Errorf("device %q: device_name must contain ASCII characters only", d.ID)
			}
		}

		names := make(map[string]struct{}, len(d.Points))
		for _, p := range d.Points {
			if p.Name == "" {
				return fmt.Errorf("device %q: point name required", d.ID)
			}
			if strings.Contains(p.Name, "/") {
				return fmt.Errorf("device %q point %q: name must not contain '/'", d.ID, p.Name)
			}
			if _, dup := names[p.Name]; dup {
				return fmt.Errorf("device %q point %q: duplicate name", d.ID, p.Name)
			}
			names[p.Name] = struct{}{}

			if _, err := address.ParseAccessMode(p.Access); err != nil {
				return fmt.Errorf("device %q point %q: %w", d.ID, p.Name, err)
			}
			if p.IntervalMs < 0 {
				return fmt.Errorf("device %q point %q: interval_ms must be >= 0", d.ID, p.Name)
			}
		}
	}

	// ------------------------------------------------------------
	// DEVICE STATUS BLOCK VALIDATION (OPT-IN)
	// ------------------------------------------------------------

	if e.Status.Device == "" {
		return nil
	}

	sink, ok := cfg.Device(e.Status.Device)
	if !ok {
		return fmt.Errorf("engine.status.device %q: unknown device", e.Status.Device)
	}
	if p, _ := address.ParseProtocol(sink.Protocol); p != address.Modbus {
		return fmt.Errorf("engine.status.device %q: must be a modbus device", e.Status.Device)
	}

	// key = status_slot
	statusOwner := make(map[uint16]string)
	for _, d := range cfg.Devices {
		if d.StatusSlot == nil {
			continue
		}
		slot := *d.StatusSlot
		if (uint32(slot)+1)*status.SlotsPerDevice > 65536 {
			return fmt.Errorf("device %q: status_slot %d out of range", d.ID, slot)
		}
		if prev, exists := statusOwner[slot]; exists {
			return fmt.Errorf("status_slot collision: slot=%d used by devices %q and %q", slot, prev, d.ID)
		}
		statusOwner[slot] = d.ID
	}

	return nil
}

func validateModbus(m ModbusConfig) error {
	switch strings.ToLower(m.Mode) {
	case "", "tcp":
	case "rtu":
		if m.BaudRate < 0 || m.DataBits < 0 || m.StopBits < 0 {
			return fmt.Errorf("modbus: serial settings must be >= 0")
		}
		switch strings.ToUpper(m.Parity) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("modbus: unknown parity %q", m.Parity)
		}
	default:
		return fmt.Errorf("modbus: unknown mode %q", m.Mode)
	}
	if m.MaxBurst > address.MaxRegisterCount {
		return fmt.Errorf("modbus: max_burst %d exceeds %d", m.MaxBurst, address.MaxRegisterCount)
	}
	return nil
}

func validateSNMP(s SNMPConfig) error {
	switch strings.ToLower(s.Version) {
	case "", "v1", "v2c":
	case "v3":
		if s.V3.User == "" {
			return fmt.Errorf("snmp: v3 requires user")
		}
	default:
		return fmt.Errorf("snmp: unknown version %q", s.Version)
	}
	return nil
}
