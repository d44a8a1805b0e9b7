// internal/resolve/resolver.go
package resolve

import (
	"fmt"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/fault"
)

// Operation is one concrete capability invocation.
// Exactly one of the pointer fields is set.
type Operation struct {
	Protocol address.Protocol

	Modbus *ModbusRead
	BACnet *BACnetRead
	SNMP   *SNMPGet
}

// ModbusRead reads one register range.
type ModbusRead struct {
	Range address.RegisterRange
}

// BACnetRead reads one object property.
type BACnetRead struct {
	ObjectID string
	Property string
}

// SNMPGet fetches one OID.
type SNMPGet struct {
	OID string
}

// ModbusWrite writes Count holding registers starting at Start.
type ModbusWrite struct {
	Range address.RegisterRange
}

func (o Operation) String() string {
	switch {
	case o.Modbus != nil:
		return "modbus read " + o.Modbus.Range.String()
	case o.BACnet != nil:
		return fmt.Sprintf("bacnet read %s/%s", o.BACnet.ObjectID, o.BACnet.Property)
	case o.SNMP != nil:
		return "snmp get " + o.SNMP.OID
	default:
		return "empty operation"
	}
}

// Resolve maps a point to the read operation that satisfies it.
// Failures are UnresolvableAddress: a configuration error, never retried.
func Resolve(p address.Point, proto address.Protocol) (Operation, error) {
	op := "resolve " + p.ID()

	switch proto {
	case address.Modbus:
		r, err := address.ParseModbus(p.Address, p.Access)
		if err != nil {
			return Operation{}, fault.New(fault.UnresolvableAddress, op, err)
		}
		return Operation{Protocol: proto, Modbus: &ModbusRead{Range: r}}, nil

	case address.BACnet:
		ref, err := address.ParseBACnet(p.Address)
		if err != nil {
			return Operation{}, fault.New(fault.UnresolvableAddress, op, err)
		}
		return Operation{Protocol: proto, BACnet: &BACnetRead{ObjectID: ref.ObjectID(), Property: ref.Property}}, nil

	case address.SNMP:
		oid, err := address.ParseOID(p.Address)
		if err != nil {
			return Operation{}, fault.New(fault.UnresolvableAddress, op, err)
		}
		return Operation{Protocol: proto, SNMP: &SNMPGet{OID: oid}}, nil

	default:
		return Operation{}, fault.Newf(fault.UnresolvableAddress, op, "unknown protocol %s", proto)
	}
}

// ResolveWrite maps a point to a register write. Only Modbus holding
// registers with read-write access are writable.
func ResolveWrite(p address.Point, proto address.Protocol) (ModbusWrite, error) {
	op := "resolve write " + p.ID()

	if proto != address.Modbus {
		return ModbusWrite{}, fault.Newf(fault.ReadOnly, op, "%s points are read-only", proto)
	}
	if p.Access != address.AccessReadWrite {
		return ModbusWrite{}, fault.Newf(fault.ReadOnly, op, "access is %s", p.Access)
	}

	r, err := address.ParseModbus(p.Address, p.Access)
	if err != nil {
		return ModbusWrite{}, fault.New(fault.UnresolvableAddress, op, err)
	}
	if r.Bank != address.BankHolding {
		return ModbusWrite{}, fault.Newf(fault.ReadOnly, op, "input registers are read-only")
	}
	return ModbusWrite{Range: r}, nil
}
