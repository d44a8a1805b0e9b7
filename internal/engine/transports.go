// internal/engine/transports.go
package engine

import (
	"time"

	"github.com/tamzrod/fieldlink/internal/config"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/protocol/modbus"
	"github.com/tamzrod/fieldlink/internal/protocol/snmp"
)

// Transports creates capability clients per device. A nil factory means the
// host has no transport for that protocol; devices using it fail to build.
type Transports struct {
	Modbus func(config.DeviceConfig) (protocol.ModbusClient, error)
	BACnet func(config.DeviceConfig) (protocol.BACnetClient, error)
	SNMP   func(config.DeviceConfig) (protocol.SNMPClient, error)

	// Discovery is the network-level BACnet client behind Discover.
	Discovery protocol.BACnetClient
}

// DefaultTransports returns the built-in Modbus (TCP/RTU) and SNMP transports.
// BACnet transports are supplied by the host.
func DefaultTransports(timeout time.Duration) Transports {
	return Transports{
		Modbus: func(d config.DeviceConfig) (protocol.ModbusClient, error) {
			c, err := modbus.New(modbus.Config{
				Mode:     d.Modbus.Mode,
				Address:  d.Address,
				UnitID:   d.Modbus.UnitID,
				Timeout:  timeout,
				BaudRate: d.Modbus.BaudRate,
				DataBits: d.Modbus.DataBits,
				Parity:   d.Modbus.Parity,
				StopBits: d.Modbus.StopBits,
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		SNMP: func(d config.DeviceConfig) (protocol.SNMPClient, error) {
			c, err := snmp.New(snmp.Config{
				Version:   d.SNMP.Version,
				Community: d.SNMP.Community,
				V3: snmp.V3Config{
					User:         d.SNMP.V3.User,
					AuthProtocol: d.SNMP.V3.AuthProtocol,
					AuthKey:      d.SNMP.V3.AuthKey,
					PrivProtocol: d.SNMP.V3.PrivProtocol,
					PrivKey:      d.SNMP.V3.PrivKey,
				},
				Timeout: timeout,
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}
