// internal/protocol/capability.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/tamzrod/fieldlink/internal/address"
)

// ModbusClient is the register-level contract a Modbus transport must satisfy.
// Reads return exactly count registers or fail with Timeout, IllegalAddress
// or DeviceError. Writes may additionally fail with WriteRejected.
type ModbusClient interface {
	ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) // FC 3
	ReadInputRegisters(ctx context.Context, start, count uint16) ([]uint16, error)   // FC 4
	WriteMultipleRegisters(ctx context.Context, start uint16, values []uint16) error // FC 16
}

// BACnetClient is the object/property contract a BACnet transport must satisfy.
type BACnetClient interface {
	// DiscoverDevices starts one network scan. The returned sequence is lazy,
	// finite and single-use. Scan failures are Timeout or NetworkError.
	DiscoverDevices(ctx context.Context) (iter.Seq2[address.DeviceAddress, error], error)

	// ReadProperty returns the encoded property value as text, or fails with
	// ObjectNotFound, PropertyNotFound or Timeout.
	ReadProperty(ctx context.Context, device address.DeviceAddress, objectID, property string) (string, error)
}

// SNMPClient is the OID contract an SNMP transport must satisfy.
type SNMPClient interface {
	// GetOID returns the value as text, or fails with NoSuchObject, Timeout
	// or AuthorizationError.
	GetOID(ctx context.Context, target address.DeviceAddress, oid string) (string, error)
}

// Varbind is one SNMP variable binding with its value rendered as text.
type Varbind struct {
	OID   string
	Type  string
	Value string
}

// SNMPWalker is the optional bulk side of an SNMP transport, used by
// configuration tooling rather than by polling.
type SNMPWalker interface {
	GetOIDs(ctx context.Context, target address.DeviceAddress, oids []string) ([]Varbind, error)
	Walk(ctx context.Context, target address.DeviceAddress, baseOID string) ([]Varbind, error)
}

// Capabilities is the tagged variant a device is polymorphic over.
// Exactly the member matching Protocol is set.
type Capabilities struct {
	Protocol address.Protocol

	Modbus ModbusClient
	BACnet BACnetClient
	SNMP   SNMPClient
}

// ForModbus, ForBACnet and ForSNMP build a correctly tagged variant.
func ForModbus(c ModbusClient) Capabilities {
	return Capabilities{Protocol: address.Modbus, Modbus: c}
}

func ForBACnet(c BACnetClient) Capabilities {
	return Capabilities{Protocol: address.BACnet, BACnet: c}
}

func ForSNMP(c SNMPClient) Capabilities {
	return Capabilities{Protocol: address.SNMP, SNMP: c}
}

// Validate enforces the tagged-variant rule.
func (c Capabilities) Validate() error {
	set := 0
	if c.Modbus != nil {
		set++
	}
	if c.BACnet != nil {
		set++
	}
	if c.SNMP != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("capabilities: exactly one client must be set, got %d", set)
	}

	switch c.Protocol {
	case address.Modbus:
		if c.Modbus == nil {
			return errors.New("capabilities: modbus tag without modbus client")
		}
	case address.BACnet:
		if c.BACnet == nil {
			return errors.New("capabilities: bacnet tag without bacnet client")
		}
	case address.SNMP:
		if c.SNMP == nil {
			return errors.New("capabilities: snmp tag without snmp client")
		}
	default:
		return fmt.Errorf("capabilities: unknown protocol %s", c.Protocol)
	}
	return nil
}

// Device binds a device id and address to its capability set.
type Device struct {
	ID      string
	Address address.DeviceAddress
	Caps    Capabilities

	// MaxBurst caps merged Modbus reads. 0 means address.MaxRegisterCount.
	MaxBurst uint16
}

// Burst returns the effective Modbus burst size.
func (d Device) Burst() uint16 {
	if d.MaxBurst == 0 || d.MaxBurst > address.MaxRegisterCount {
		return address.MaxRegisterCount
	}
	return d.MaxBurst
}
