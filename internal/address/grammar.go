// internal/address/grammar.go
package address

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// ---- MODBUS ----

// MaxRegisterCount is the largest register count a single Modbus read may carry.
const MaxRegisterCount = 125

// Bank is a Modbus register data class.
type Bank uint8

const (
	BankHolding Bank = iota + 1
	BankInput
)

func (b Bank) String() string {
	switch b {
	case BankHolding:
		return "holding"
	case BankInput:
		return "input"
	default:
		return "unknown"
	}
}

// RegisterRange is a zero-based register span in one bank.
type RegisterRange struct {
	Bank  Bank
	Start uint16
	Count uint16
}

// End returns the exclusive end register.
func (r RegisterRange) End() uint32 {
	return uint32(r.Start) + uint32(r.Count)
}

func (r RegisterRange) String() string {
	return fmt.Sprintf("%s %d+%d", r.Bank, r.Start, r.Count)
}

// Overlaps reports whether both ranges share at least one register in the same bank.
func (r RegisterRange) Overlaps(o RegisterRange) bool {
	if r.Bank != o.Bank {
		return false
	}
	return uint32(r.Start) < o.End() && uint32(o.Start) < r.End()
}

// ParseModbus parses "<register>[:<count>]".
//
// <register> is either a zero-based register 0..65535 (bank from access) or a
// six-digit reference 4NNNNN (holding) / 3NNNNN (input), NNNNN = 1..65536.
func ParseModbus(addr string, access AccessMode) (RegisterRange, error) {
	const op = "modbus address"

	regPart, countPart, hasCount := strings.Cut(strings.TrimSpace(addr), ":")
	if regPart == "" {
		return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "empty register in %q", addr)
	}

	count := uint64(1)
	if hasCount {
		n, err := strconv.ParseUint(countPart, 10, 16)
		if err != nil {
			return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "bad count in %q", addr)
		}
		count = n
	}
	if count < 1 || count > MaxRegisterCount {
		return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "count %d out of range 1..%d", count, MaxRegisterCount)
	}

	reg, err := strconv.ParseUint(regPart, 10, 32)
	if err != nil {
		return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "bad register in %q", addr)
	}

	var (
		bank  Bank
		start uint64
	)

	switch {
	case reg <= 65535:
		start = reg
		bank = bankForAccess(access)

	case len(regPart) == 6 && (regPart[0] == '4' || regPart[0] == '3'):
		ref := reg % 100000
		if ref < 1 || ref > 65536 {
			return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "reference %s out of range", regPart)
		}
		start = ref - 1
		bank = BankHolding
		if regPart[0] == '3' {
			bank = BankInput
		}
		if access == AccessInput && bank != BankInput {
			return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "holding reference %s with input access", regPart)
		}
		if access == AccessReadWrite && bank != BankHolding {
			return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "input reference %s is not writable", regPart)
		}

	default:
		return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "register %s out of range", regPart)
	}

	if start+count-1 > 65535 {
		return RegisterRange{}, fault.Newf(fault.InvalidAddress, op, "range %d+%d exceeds 65535", start, count)
	}

	return RegisterRange{Bank: bank, Start: uint16(start), Count: uint16(count)}, nil
}

func bankForAccess(a AccessMode) Bank {
	if a == AccessInput {
		return BankInput
	}
	return BankHolding
}

// ---- BACNET ----

// MaxBACnetInstance is the largest 22-bit object instance.
const MaxBACnetInstance = 4194303

var bacnetObjectTypes = map[string]uint16{
	"analog-input":       0,
	"analog-output":      1,
	"analog-value":       2,
	"binary-input":       3,
	"binary-output":      4,
	"binary-value":       5,
	"device":             8,
	"multi-state-input":  13,
	"multi-state-output": 14,
	"multi-state-value":  19,
}

var bacnetProperties = map[string]uint32{
	"description":    28,
	"object-name":    77,
	"out-of-service": 81,
	"present-value":  85,
	"reliability":    103,
	"status-flags":   111,
	"units":          117,
}

// DefaultProperty is used when a BACnet address names no property.
const DefaultProperty = "present-value"

// ObjectRef is a parsed BACnet object+property address.
type ObjectRef struct {
	ObjectType string
	Instance   uint32
	Property   string
}

// ObjectID renders "<type>:<instance>".
func (o ObjectRef) ObjectID() string {
	return o.ObjectType + ":" + strconv.FormatUint(uint64(o.Instance), 10)
}

// ParseBACnet parses "<object-type>:<instance>[/<property>]".
func ParseBACnet(addr string) (ObjectRef, error) {
	const op = "bacnet address"

	objPart, propPart, hasProp := strings.Cut(strings.TrimSpace(addr), "/")
	typePart, instPart, ok := strings.Cut(objPart, ":")
	if !ok {
		return ObjectRef{}, fault.Newf(fault.InvalidAddress, op, "missing ':' in %q", addr)
	}

	typePart = strings.ToLower(typePart)
	if _, known := bacnetObjectTypes[typePart]; !known {
		n, err := strconv.ParseUint(typePart, 10, 16)
		if err != nil || n > 1023 {
			return ObjectRef{}, fault.Newf(fault.InvalidAddress, op, "unknown object type %q", typePart)
		}
	}

	inst, err := strconv.ParseUint(instPart, 10, 32)
	if err != nil || inst > MaxBACnetInstance {
		return ObjectRef{}, fault.Newf(fault.InvalidAddress, op, "bad instance %q", instPart)
	}

	prop := DefaultProperty
	if hasProp {
		prop = strings.ToLower(propPart)
		if _, known := bacnetProperties[prop]; !known {
			if _, err := strconv.ParseUint(prop, 10, 32); err != nil {
				return ObjectRef{}, fault.Newf(fault.InvalidAddress, op, "unknown property %q", propPart)
			}
		}
	}

	return ObjectRef{ObjectType: typePart, Instance: uint32(inst), Property: prop}, nil
}

// ---- SNMP ----

// ParseOID validates a dotted-decimal OID and returns it without a leading dot.
func ParseOID(addr string) (string, error) {
	const op = "snmp oid"

	oid := strings.TrimPrefix(strings.TrimSpace(addr), ".")
	arcs := strings.Split(oid, ".")
	if len(arcs) < 2 {
		return "", fault.Newf(fault.InvalidAddress, op, "%q needs at least two arcs", addr)
	}
	for i, arc := range arcs {
		if arc == "" {
			return "", fault.Newf(fault.InvalidAddress, op, "empty arc in %q", addr)
		}
		n, err := strconv.ParseUint(arc, 10, 32)
		if err != nil {
			return "", fault.Newf(fault.InvalidAddress, op, "non-numeric arc %q in %q", arc, addr)
		}
		if i == 0 && n > 2 {
			return "", fault.Newf(fault.InvalidAddress, op, "first arc must be 0..2 in %q", addr)
		}
	}
	return oid, nil
}
