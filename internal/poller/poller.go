// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/store"
)

// Execute performs exactly one read of job against dev.
// All-or-nothing: any failure aborts and nothing is returned for the store.
func Execute(ctx context.Context, dev protocol.Device, job *PollJob, at time.Time) ([]store.Update, error) {
	op := job.Op.String()

	switch {
	case job.Op.Modbus != nil:
		if dev.Caps.Modbus == nil {
			return nil, errors.New("poller: device has no modbus capability")
		}
		r := job.Op.Modbus.Range

		var (
			regs []uint16
			err  error
		)
		switch r.Bank {
		case address.BankHolding:
			regs, err = dev.Caps.Modbus.ReadHoldingRegisters(ctx, r.Start, r.Count)
		case address.BankInput:
			regs, err = dev.Caps.Modbus.ReadInputRegisters(ctx, r.Start, r.Count)
		default:
			return nil, fault.Newf(fault.UnresolvableAddress, op, "unsupported bank %s", r.Bank)
		}
		if err != nil {
			return nil, fault.Classify(op, err)
		}
		if len(regs) != int(r.Count) {
			return nil, fault.Newf(fault.DeviceError, op, "got %d registers want %d", len(regs), r.Count)
		}

		parts := Split(job.Spans, regs)
		updates := make([]store.Update, len(job.Spans))
		for i, sp := range job.Spans {
			updates[i] = store.Update{ID: sp.PointID, Value: store.Registers(parts[i]...), Timestamp: at}
		}
		return updates, nil

	case job.Op.BACnet != nil:
		if dev.Caps.BACnet == nil {
			return nil, errors.New("poller: device has no bacnet capability")
		}
		v, err := dev.Caps.BACnet.ReadProperty(ctx, dev.Address, job.Op.BACnet.ObjectID, job.Op.BACnet.Property)
		if err != nil {
			return nil, fault.Classify(op, err)
		}
		return textUpdates(job, v, at), nil

	case job.Op.SNMP != nil:
		if dev.Caps.SNMP == nil {
			return nil, errors.New("poller: device has no snmp capability")
		}
		v, err := dev.Caps.SNMP.GetOID(ctx, dev.Address, job.Op.SNMP.OID)
		if err != nil {
			return nil, fault.Classify(op, err)
		}
		return textUpdates(job, v, at), nil

	default:
		return nil, errors.New("poller: empty operation")
	}
}

func textUpdates(job *PollJob, v string, at time.Time) []store.Update {
	updates := make([]store.Update, len(job.Spans))
	for i, sp := range job.Spans {
		updates[i] = store.Update{ID: sp.PointID, Value: store.Text(v), Timestamp: at}
	}
	return updates
}
