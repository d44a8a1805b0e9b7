// internal/config/config.go
package config

type Config struct {
	Engine  EngineConfig   `yaml:"engine"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ---- ENGINE ----

type EngineConfig struct {
	Workers   int    `yaml:"workers"`
	TimeoutMs int    `yaml:"timeout_ms"`
	StateFile string `yaml:"state_file"`

	// DiscoveryTimeoutMs bounds one network scan started by Discover.
	DiscoveryTimeoutMs int `yaml:"discovery_timeout_ms"`

	Retry  RetryConfig  `yaml:"retry"`
	Status StatusConfig `yaml:"status"`
}

type RetryConfig struct {
	MaxRetries    *int `yaml:"max_retries"` // nil => default; 0 disables retries
	BaseBackoffMs int  `yaml:"base_backoff_ms"`
	MaxBackoffMs  int  `yaml:"max_backoff_ms"`
}

// StatusConfig selects the Modbus device that receives device status blocks.
// Empty Device disables status export.
type StatusConfig struct {
	Device     string `yaml:"device"`
	IntervalMs int    `yaml:"interval_ms"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"`
	Address  string `yaml:"address"`

	Modbus ModbusConfig `yaml:"modbus"`
	SNMP   SNMPConfig   `yaml:"snmp"`

	// Device status block (optional, opt-in)
	StatusSlot *uint16 `yaml:"status_slot"`
	DeviceName string  `yaml:"device_name"`

	Points []PointConfig `yaml:"points"`
}

type ModbusConfig struct {
	Mode     string `yaml:"mode"` // tcp | rtu
	UnitID   uint8  `yaml:"unit_id"`
	MaxBurst uint16 `yaml:"max_burst"`

	// RTU only
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

type SNMPConfig struct {
	Version   string       `yaml:"version"` // v1 | v2c | v3
	Community string       `yaml:"community"`
	V3        SNMPV3Config `yaml:"v3"`
}

type SNMPV3Config struct {
	User         string `yaml:"user"`
	AuthProtocol string `yaml:"auth_protocol"`
	AuthKey      string `yaml:"auth_key"`
	PrivProtocol string `yaml:"priv_protocol"`
	PrivKey      string `yaml:"priv_key"`
}

// ---- POINT ----

type PointConfig struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	Access     string `yaml:"access"`
	IntervalMs int    `yaml:"interval_ms"`
}

// Device returns the device with id, if configured.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
