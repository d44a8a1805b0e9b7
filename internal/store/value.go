// internal/store/value.go
package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Health classifies a cached point value.
type Health uint8

const (
	HealthUnknown Health = iota
	Fresh
	Stale
	Failed
)

func (h Health) String() string {
	switch h {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ValueKind tells which Value field is meaningful.
type ValueKind uint8

const (
	KindRegisters ValueKind = iota + 1
	KindText
)

// Value is a protocol-typed point value: registers for Modbus,
// text for BACnet properties and SNMP OIDs.
type Value struct {
	Kind      ValueKind `cbor:"1,keyasint"`
	Registers []uint16  `cbor:"2,keyasint,omitempty"`
	Text      string    `cbor:"3,keyasint,omitempty"`
}

// Registers builds a register value.
func Registers(regs ...uint16) Value {
	out := make([]uint16, len(regs))
	copy(out, regs)
	return Value{Kind: KindRegisters, Registers: out}
}

// Text builds a text value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Uint combines up to four registers big-endian (first register most
// significant). Text values are parsed as unsigned decimal.
func (v Value) Uint() (uint64, bool) {
	switch v.Kind {
	case KindRegisters:
		if len(v.Registers) == 0 || len(v.Registers) > 4 {
			return 0, false
		}
		var n uint64
		for _, r := range v.Registers {
			n = n<<16 | uint64(r)
		}
		return n, true
	case KindText:
		n, err := strconv.ParseUint(strings.TrimSpace(v.Text), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindRegisters:
		parts := make([]string, len(v.Registers))
		for i, r := range v.Registers {
			parts[i] = strconv.FormatUint(uint64(r), 10)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindText:
		return strconv.Quote(v.Text)
	default:
		return "<none>"
	}
}

func (v Value) clone() Value {
	if v.Registers != nil {
		v.Registers = append([]uint16(nil), v.Registers...)
	}
	return v
}

// PointValue is the current state of one point as seen by consumers.
type PointValue struct {
	Value     Value
	Timestamp time.Time // time of the last good read
	Health    Health

	// Reason is set while Health is Failed.
	Reason fault.Kind

	// HasValue is false when the point failed before it was ever read.
	HasValue bool
}
