// internal/writer/writer.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/device"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/resolve"
)

// Coordinator serializes writes against reads of the same device.
type Coordinator struct {
	cfg     Config
	gates   *device.Gates
	pending *Pending
	refresh Refresher
	log     *slog.Logger
}

// New creates a coordinator. refresh may be nil.
func New(cfg Config, gates *device.Gates, pending *Pending, refresh Refresher) (*Coordinator, error) {
	if gates == nil || pending == nil {
		return nil, errors.New("writer: gates and pending registry required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("writer: timeout must be > 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if refresh == nil {
		refresh = nopRefresher{}
	}

	return &Coordinator{
		cfg:     cfg,
		gates:   gates,
		pending: pending,
		refresh: refresh,
		log:     cfg.Logger.With("component", "writer"),
	}, nil
}

// SubmitWrite writes values to point p on dev and returns once the device
// acknowledged the write or the write failed for good.
//
// Reads of overlapping registers are held until SubmitWrite returns.
// Retriable failures are retried per the backoff policy; when the budget is
// spent the error is WriteAbandoned wrapping the last cause. WriteRejected
// and IllegalAddress are returned as is.
func (c *Coordinator) SubmitWrite(ctx context.Context, dev protocol.Device, p address.Point, values []uint16) error {
	op := "write " + p.ID()

	w, err := resolve.ResolveWrite(p, dev.Address.Protocol())
	if err != nil {
		return err
	}
	if len(values) != int(w.Range.Count) {
		return fault.Newf(fault.InvalidValue, op, "got %d values, point has %d registers", len(values), w.Range.Count)
	}
	if dev.Caps.Modbus == nil {
		return fmt.Errorf("writer: device %s has no modbus capability", dev.ID)
	}

	log := c.log.With("write_id", uuid.NewString(), "device", dev.ID, "point", p.ID())

	remove := c.pending.Add(dev.ID, w.Range)
	defer func() {
		remove()
		c.refresh.Wake()
	}()

	var last error
	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, dev, w.Range.Start, values)
		if err == nil {
			log.Info("write ok", "attempt", attempt, "range", w.Range.String())
			c.refresh.Refresh(dev.ID, w.Range)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && !isDeviceOutcome(err) {
			// gate acquisition was cancelled; nothing reached the device
			return abandon(op, ctxErr, last, log, attempt)
		}

		last = err
		kind := fault.KindOf(err)

		if !kind.Retriable() {
			log.Warn("write failed", "attempt", attempt, "kind", kind.String(), "err", err)
			return err
		}
		if !c.cfg.Retry.Retry(attempt, kind) {
			return abandon(op, nil, last, log, attempt)
		}

		delay := c.cfg.Retry.Delay(attempt)
		log.Debug("write failed, retrying", "attempt", attempt, "retry_in", delay, "err", err)

		if err := sleep(ctx, delay); err != nil {
			return abandon(op, err, last, log, attempt)
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, dev protocol.Device, start uint16, values []uint16) error {
	release, err := c.gates.For(dev.ID).Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	if err := dev.Caps.Modbus.WriteMultipleRegisters(callCtx, start, values); err != nil {
		return fault.Classify(fmt.Sprintf("modbus write %d+%d", start, len(values)), err)
	}
	return nil
}

// isDeviceOutcome reports whether err came back from the device call rather
// than from giving up on the gate.
func isDeviceOutcome(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe)
}

func abandon(op string, cause, last error, log *slog.Logger, attempt int) error {
	err := fault.New(fault.WriteAbandoned, op, errors.Join(cause, last))
	log.Error("write abandoned", "attempt", attempt, "err", err)
	return err
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
