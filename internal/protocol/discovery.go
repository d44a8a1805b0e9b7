// internal/protocol/discovery.go
package protocol

import (
	"errors"
	"iter"
	"sync/atomic"

	"github.com/tamzrod/fieldlink/internal/address"
)

// ErrSequenceConsumed is yielded when a discovery sequence is ranged twice.
var ErrSequenceConsumed = errors.New("discovery: sequence already consumed")

// Once makes seq single-use. A second range yields ErrSequenceConsumed once
// and stops.
func Once(seq iter.Seq2[address.DeviceAddress, error]) iter.Seq2[address.DeviceAddress, error] {
	var used atomic.Bool
	return func(yield func(address.DeviceAddress, error) bool) {
		if used.Swap(true) {
			yield(address.DeviceAddress{}, ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}

// FromSlice adapts an already collected scan into a single-use sequence.
// Transports that scan in one shot use this.
func FromSlice(found []address.DeviceAddress) iter.Seq2[address.DeviceAddress, error] {
	return Once(func(yield func(address.DeviceAddress, error) bool) {
		for _, d := range found {
			if !yield(d, nil) {
				return
			}
		}
	})
}
