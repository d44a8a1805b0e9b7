// internal/poller/types.go
package poller

import (
	"time"

	"github.com/tamzrod/fieldlink/internal/resolve"
)

// JobState is the PollJob state machine: Pending -> InFlight -> {Succeeded, Failed}.
type JobState uint8

const (
	Pending JobState = iota
	InFlight
	Succeeded
	Failed
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Span places one point inside a job's read result.
// Offset and Count are register positions for Modbus; unused otherwise.
type Span struct {
	PointID string
	Offset  uint16
	Count   uint16
}

// PollJob is one scheduled unit of read work against a device.
// It references its device and points by id; it owns nothing.
type PollJob struct {
	ID       string
	Device   string
	Op       resolve.Operation
	Spans    []Span
	Interval time.Duration

	State JobState
	Due   time.Time

	// Scheduled is the start of the current regular cycle (last_poll_time).
	Scheduled time.Time

	// Attempt counts failed attempts in the current cycle.
	Attempt int

	LastErr error

	refresh bool // re-read as soon as the in-flight attempt lands
}

// PointIDs lists the points the job serves.
func (j *PollJob) PointIDs() []string {
	ids := make([]string, len(j.Spans))
	for i, sp := range j.Spans {
		ids[i] = sp.PointID
	}
	return ids
}

// Transition is reported to Config.OnTransition.
type Transition struct {
	JobID    string
	Device   string
	From     JobState
	To       JobState
	Attempt  int
	Terminal bool
	Err      error
	At       time.Time
}
