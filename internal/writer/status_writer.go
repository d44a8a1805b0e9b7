// internal/writer/status_writer.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tamzrod/fieldlink/internal/device"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/status"
)

// StatusPlan places one device's status block inside a sink device.
type StatusPlan struct {
	DeviceName string
	BaseSlot   uint16 // block index; the block starts at BaseSlot*SlotsPerDevice
}

// StatusWriter delivers device status snapshots into holding registers of a
// Modbus sink. It writes verbatim; health is derived elsewhere.
type StatusWriter struct {
	sink  protocol.Device
	gates *device.Gates
	plan  StatusPlan

	needFull bool
	last     status.Snapshot
	nameRegs []uint16
}

// NewStatusWriter builds a status writer for one source device.
func NewStatusWriter(sink protocol.Device, gates *device.Gates, plan StatusPlan) (*StatusWriter, error) {
	if sink.Caps.Modbus == nil {
		return nil, fmt.Errorf("status writer: sink %s is not a modbus device", sink.ID)
	}
	if gates == nil {
		return nil, errors.New("status writer: gates required")
	}
	if (uint32(plan.BaseSlot)+1)*status.SlotsPerDevice > 65536 {
		return nil, fmt.Errorf("status writer: slot %d out of range", plan.BaseSlot)
	}

	return &StatusWriter{
		sink:     sink,
		gates:    gates,
		plan:     plan,
		needFull: true, // full re-assert on first successful write
		last:     status.Snapshot{Health: status.HealthUnknown},
		nameRegs: encodeDeviceNameRegs(plan.DeviceName),
	}, nil
}

// WriteStatus delivers a snapshot. Only changed slots are written, except
// after a failure, when the next call re-asserts the full block.
func (sw *StatusWriter) WriteStatus(ctx context.Context, s status.Snapshot) error {
	release, err := sw.gates.For(sw.sink.ID).Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	cli := sw.sink.Caps.Modbus
	base := sw.baseAddr()

	// ---- full block (identity re-assert) ----
	if sw.needFull {
		if err := cli.WriteMultipleRegisters(ctx, base, sw.fullBlockRegs(s)); err != nil {
			sw.needFull = true
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}
		sw.needFull = false
		sw.last = s
		return nil
	}

	var errs []string

	write := func(slot uint16, v uint16, name string) bool {
		if err := cli.WriteMultipleRegisters(ctx, base+slot, []uint16{v}); err != nil {
			errs = append(errs, fmt.Sprintf("%s write failed: %v", name, err))
			return false
		}
		return true
	}

	if sw.last.Health != s.Health && write(status.SlotHealthCode, s.Health, "health") {
		sw.last.Health = s.Health
	}
	if sw.last.LastErrorCode != s.LastErrorCode && write(status.SlotLastErrorCode, s.LastErrorCode, "last_error") {
		sw.last.LastErrorCode = s.LastErrorCode
	}
	if sw.last.SecondsInError != s.SecondsInError && write(status.SlotSecondsInError, s.SecondsInError, "seconds") {
		sw.last.SecondsInError = s.SecondsInError
	}
	if sw.last.LastError != s.LastError && write(status.SlotLastErrorKind, uint16(s.LastError), "last_error_kind") {
		sw.last.LastError = s.LastError
	}

	if len(errs) > 0 {
		// partial failure: re-assert on next success
		sw.needFull = true
		return errors.New("status writer: " + strings.Join(errs, " | "))
	}
	return nil
}

func (sw *StatusWriter) baseAddr() uint16 {
	return sw.plan.BaseSlot * status.SlotsPerDevice
}

func (sw *StatusWriter) fullBlockRegs(s status.Snapshot) []uint16 {
	regs := make([]uint16, status.SlotsPerDevice)

	regs[status.SlotHealthCode] = s.Health
	regs[status.SlotLastErrorCode] = s.LastErrorCode
	regs[status.SlotSecondsInError] = s.SecondsInError
	regs[status.SlotLastErrorKind] = uint16(s.LastError)

	// reserved slots stay zero; the name sits at the end of the block
	copy(regs[status.SlotDeviceNameStart:], sw.nameRegs)
	return regs
}

// encodeDeviceNameRegs packs up to 16 ASCII characters into 8 registers,
// two bytes per register, big-endian.
func encodeDeviceNameRegs(name string) []uint16 {
	out := make([]uint16, status.SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > status.DeviceNameMaxChars {
		b = b[:status.DeviceNameMaxChars]
	}
	for i := range b {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < status.DeviceNameMaxChars; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}
	return out
}
