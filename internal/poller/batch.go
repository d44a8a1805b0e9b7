// internal/poller/batch.go
package poller

import (
	"sort"
	"time"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/resolve"
)

// Target is a point with its resolved read operation.
type Target struct {
	Point address.Point
	Op    resolve.Operation
}

// Batch turns the resolved points of one device into jobs.
//
// Modbus points sharing bank and interval whose ranges are strictly
// contiguous are merged while the combined span stays within burst.
// BACnet and SNMP points get one job each.
func Batch(deviceID string, burst uint16, targets []Target) []*PollJob {
	var jobs []*PollJob

	type groupKey struct {
		bank     address.Bank
		interval time.Duration
	}
	groups := make(map[groupKey][]Target)
	var order []groupKey

	for _, t := range targets {
		if t.Op.Modbus == nil {
			jobs = append(jobs, &PollJob{
				ID:       t.Point.ID(),
				Device:   deviceID,
				Op:       t.Op,
				Spans:    []Span{{PointID: t.Point.ID()}},
				Interval: t.Point.Interval,
			})
			continue
		}
		k := groupKey{t.Op.Modbus.Range.Bank, t.Point.Interval}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	for _, k := range order {
		jobs = append(jobs, mergeRegisters(deviceID, burst, groups[k])...)
	}
	return jobs
}

func mergeRegisters(deviceID string, burst uint16, ts []Target) []*PollJob {
	sort.SliceStable(ts, func(a, b int) bool {
		return ts[a].Op.Modbus.Range.Start < ts[b].Op.Modbus.Range.Start
	})

	var jobs []*PollJob
	var cur *PollJob

	for _, t := range ts {
		r := t.Op.Modbus.Range

		if cur != nil {
			cr := cur.Op.Modbus.Range
			contiguous := cr.End() == uint32(r.Start)
			fits := uint32(cr.Count)+uint32(r.Count) <= uint32(burst)
			if contiguous && fits {
				cur.Spans = append(cur.Spans, Span{PointID: t.Point.ID(), Offset: cr.Count, Count: r.Count})
				cur.Op.Modbus.Range.Count += r.Count
				continue
			}
		}

		rng := r
		cur = &PollJob{
			ID:       t.Point.ID(),
			Device:   deviceID,
			Op:       resolve.Operation{Protocol: address.Modbus, Modbus: &resolve.ModbusRead{Range: rng}},
			Spans:    []Span{{PointID: t.Point.ID(), Offset: 0, Count: r.Count}},
			Interval: t.Point.Interval,
		}
		jobs = append(jobs, cur)
	}
	return jobs
}

// Split cuts a merged register read back into per-point slices.
// The result has one entry per span, in span order.
func Split(spans []Span, regs []uint16) [][]uint16 {
	out := make([][]uint16, len(spans))
	for i, sp := range spans {
		end := int(sp.Offset) + int(sp.Count)
		if end > len(regs) {
			continue
		}
		out[i] = append([]uint16(nil), regs[sp.Offset:end]...)
	}
	return out
}
