// internal/status/snapshot.go
package status

import (
	"time"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Snapshot is the device-level truth handed to consumers.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	Health         uint16
	LastError      fault.Kind
	LastErrorCode  uint16
	SecondsInError uint16
	ErrorSince     time.Time
	LastOK         time.Time
}
