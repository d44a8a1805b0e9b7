// internal/poller/builder.go
package poller

import (
	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/resolve"
)

// Rejected is a point that cannot be polled until configuration changes.
type Rejected struct {
	Point address.Point
	Err   error
}

// Build resolves the points of one device and batches them into jobs.
// Unresolvable points are returned separately and never scheduled.
func Build(dev protocol.Device, points []address.Point) ([]*PollJob, []Rejected) {
	var (
		targets  []Target
		rejected []Rejected
	)

	for _, p := range points {
		op, err := resolve.Resolve(p, dev.Address.Protocol())
		if err != nil {
			rejected = append(rejected, Rejected{Point: p, Err: err})
			continue
		}
		targets = append(targets, Target{Point: p, Op: op})
	}

	return Batch(dev.ID, dev.Burst(), targets), rejected
}
