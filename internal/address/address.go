// internal/address/address.go
package address

import (
	"fmt"
	"strings"
	"time"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Protocol is the tag that selects a device's capability set.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	Modbus
	BACnet
	SNMP
)

func (p Protocol) String() string {
	switch p {
	case Modbus:
		return "modbus"
	case BACnet:
		return "bacnet"
	case SNMP:
		return "snmp"
	default:
		return "unknown"
	}
}

// ParseProtocol parses a protocol tag, case-insensitive.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "modbus":
		return Modbus, nil
	case "bacnet":
		return BACnet, nil
	case "snmp":
		return SNMP, nil
	default:
		return ProtocolUnknown, fault.Newf(fault.InvalidAddress, "protocol", "unknown protocol %q", s)
	}
}

// DeviceAddress is an opaque transport locator plus protocol tag.
// Immutable once created.
type DeviceAddress struct {
	protocol Protocol
	address  string
}

// NewDeviceAddress validates and builds a DeviceAddress.
func NewDeviceAddress(p Protocol, addr string) (DeviceAddress, error) {
	if p == ProtocolUnknown {
		return DeviceAddress{}, fault.Newf(fault.InvalidAddress, "device address", "protocol required")
	}
	if addr == "" {
		return DeviceAddress{}, fault.Newf(fault.InvalidAddress, "device address", "address required")
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return DeviceAddress{}, fault.Newf(fault.InvalidAddress, "device address", "address %q contains whitespace", addr)
	}
	return DeviceAddress{protocol: p, address: addr}, nil
}

func (d DeviceAddress) Protocol() Protocol { return d.protocol }
func (d DeviceAddress) Address() string    { return d.address }
func (d DeviceAddress) IsZero() bool       { return d.protocol == ProtocolUnknown && d.address == "" }

func (d DeviceAddress) String() string {
	return d.protocol.String() + "://" + d.address
}

// ---- POINT ----

// AccessMode declares how a point may be used.
// For Modbus it also selects the register bank.
type AccessMode uint8

const (
	AccessDefault AccessMode = iota
	AccessRead
	AccessReadWrite
	AccessInput
)

func (a AccessMode) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "read-write"
	case AccessInput:
		return "input"
	default:
		return "default"
	}
}

// ParseAccessMode parses a config access string. Empty means default.
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return AccessDefault, nil
	case "read", "r", "ro":
		return AccessRead, nil
	case "read-write", "rw", "readwrite":
		return AccessReadWrite, nil
	case "input":
		return AccessInput, nil
	default:
		return AccessDefault, fault.Newf(fault.InvalidAddress, "access", "unknown access mode %q", s)
	}
}

// Point is a named, individually addressable data item on one device.
type Point struct {
	Device   string
	Name     string
	Address  string
	Access   AccessMode
	Interval time.Duration
}

// ID is the store key: "<device>/<name>".
func (p Point) ID() string {
	return p.Device + "/" + p.Name
}

// NewPoint validates a point against its device protocol's grammar.
// AccessDefault is replaced by the protocol default.
func NewPoint(proto Protocol, device, name, addr string, access AccessMode, interval time.Duration) (Point, error) {
	op := fmt.Sprintf("point %s/%s", device, name)

	if device == "" {
		return Point{}, fault.Newf(fault.InvalidAddress, op, "device id required")
	}
	if name == "" || strings.Contains(name, "/") {
		return Point{}, fault.Newf(fault.InvalidAddress, op, "name must be non-empty and must not contain '/'")
	}
	if interval <= 0 {
		return Point{}, fault.Newf(fault.InvalidValue, op, "interval must be > 0")
	}

	access = DefaultAccess(proto, access)
	if err := Validate(proto, addr, access); err != nil {
		return Point{}, fault.New(fault.InvalidAddress, op, err)
	}

	return Point{
		Device:   device,
		Name:     name,
		Address:  addr,
		Access:   access,
		Interval: interval,
	}, nil
}

// DefaultAccess resolves AccessDefault for a protocol.
func DefaultAccess(proto Protocol, a AccessMode) AccessMode {
	if a != AccessDefault {
		return a
	}
	if proto == Modbus {
		return AccessReadWrite
	}
	return AccessRead
}

// Validate checks addr against the grammar of proto.
func Validate(proto Protocol, addr string, access AccessMode) error {
	if addr == "" {
		return fault.Newf(fault.InvalidAddress, "address", "empty address")
	}
	switch proto {
	case Modbus:
		_, err := ParseModbus(addr, access)
		return err
	case BACnet:
		if access != AccessRead && access != AccessDefault {
			return fault.Newf(fault.InvalidAddress, "address", "bacnet points are read-only")
		}
		_, err := ParseBACnet(addr)
		return err
	case SNMP:
		if access != AccessRead && access != AccessDefault {
			return fault.Newf(fault.InvalidAddress, "address", "snmp points are read-only")
		}
		_, err := ParseOID(addr)
		return err
	default:
		return fault.Newf(fault.InvalidAddress, "address", "unknown protocol")
	}
}
