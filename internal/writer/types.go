// internal/writer/types.go
package writer

import (
	"log/slog"
	"time"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/poller"
)

// Config is the runtime config the coordinator needs.
type Config struct {
	Timeout time.Duration // per capability call
	Retry   poller.Backoff
	Logger  *slog.Logger
}

// Refresher is the part of the scheduler the coordinator drives.
type Refresher interface {
	// Refresh forces a read-back of polled points overlapping r.
	Refresh(deviceID string, r address.RegisterRange)

	// Wake re-evaluates reads that were held by a pending write.
	Wake()
}

type nopRefresher struct{}

func (nopRefresher) Refresh(string, address.RegisterRange) {}
func (nopRefresher) Wake()                                 {}
