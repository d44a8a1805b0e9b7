// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/config"
	"github.com/tamzrod/fieldlink/internal/device"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/poller"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/status"
	"github.com/tamzrod/fieldlink/internal/store"
	"github.com/tamzrod/fieldlink/internal/writer"
)

var (
	// ErrNotFound is returned for a point that is unknown or was never polled.
	ErrNotFound = store.ErrNotFound

	// ErrAmbiguousPoint is returned when a short name matches points on
	// more than one device. Use the "device/point" form.
	ErrAmbiguousPoint = errors.New("engine: ambiguous point name")

	// ErrUnsupported is returned by Discover for protocols without discovery
	// and by Walk and GetOIDs for devices whose transport cannot do them.
	ErrUnsupported = errors.New("engine: not supported")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine is the consumer-facing surface: point reads come from the value
// store, point writes go through the write coordinator.
type Engine struct {
	log        *slog.Logger
	transports Transports

	store   *store.Store
	tracker *status.Tracker
	gates   *device.Gates
	pending *writer.Pending
	sched   *poller.Scheduler
	writes  *writer.Coordinator

	stateFile   string
	statusTick  time.Duration
	timeout     time.Duration
	scanTimeout time.Duration

	reloadMu sync.Mutex
	mu       sync.RWMutex
	topo   *topology
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New validates and normalizes cfg, restores the state file if configured
// and builds every device. Polling starts with Run.
func New(cfg *config.Config, t Transports, opts ...Option) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)

	e := &Engine{
		log:        slog.Default(),
		transports: t,
		store:      store.New(),
		tracker:    status.NewTracker(),
		gates:      device.NewGates(),
		pending:    writer.NewPending(),
		stateFile:   cfg.Engine.StateFile,
		statusTick:  time.Duration(cfg.Engine.Status.IntervalMs) * time.Millisecond,
		timeout:     time.Duration(cfg.Engine.TimeoutMs) * time.Millisecond,
		scanTimeout: time.Duration(cfg.Engine.DiscoveryTimeoutMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}

	retry := poller.Backoff{
		MaxRetries: *cfg.Engine.Retry.MaxRetries,
		Base:       time.Duration(cfg.Engine.Retry.BaseBackoffMs) * time.Millisecond,
		Max:        time.Duration(cfg.Engine.Retry.MaxBackoffMs) * time.Millisecond,
	}

	sched, err := poller.New(poller.Config{
		Workers: cfg.Engine.Workers,
		Timeout: e.timeout,
		Retry:   retry,
		Logger:  e.log,
	}, e.store, e.gates, e.tracker, e.pending)
	if err != nil {
		return nil, err
	}
	e.sched = sched

	writes, err := writer.New(writer.Config{
		Timeout: e.timeout,
		Retry:   retry,
		Logger:  e.log,
	}, e.gates, e.pending, sched)
	if err != nil {
		return nil, err
	}
	e.writes = writes

	if err := e.restore(); err != nil {
		e.log.Warn("state restore failed", "path", e.stateFile, "err", err)
	}

	topo, err := e.build(cfg, nil)
	if err != nil {
		return nil, err
	}
	e.install(topo)
	e.store.Retain(func(id string) bool { _, ok := topo.points[id]; return ok })
	e.topo = topo
	e.sched.Replace(topo.order, topo.jobs)

	e.log.Info("engine ready", "devices", len(topo.order), "points", len(topo.points), "jobs", len(topo.jobs))
	return e, nil
}

// Run polls until ctx is done or Close is called. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return errors.New("engine: already running")
	}
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sched.Run(gctx) })
	g.Go(func() error {
		e.exportStatus(gctx)
		return nil
	})
	return g.Wait()
}

// Close stops Run, waits for in-flight work, saves the state file and
// closes transport clients.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		cancel, done := e.cancel, e.done
		e.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		var errs []error
		if err := e.save(); err != nil {
			errs = append(errs, err)
		}

		e.mu.Lock()
		topo := e.topo
		e.mu.Unlock()
		if topo != nil {
			if err := topo.close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// ---- consumer API ----

// GetPoint returns the current value of a point. name is "device/point" or a
// point name unique across devices. It never performs I/O.
func (e *Engine) GetPoint(name string) (store.PointValue, error) {
	id, _, err := e.lookup(name)
	if err != nil {
		return store.PointValue{}, err
	}
	return e.store.Get(id)
}

// SetPoint writes register values to a point and returns once the device
// acknowledged the write or the write failed for good.
func (e *Engine) SetPoint(ctx context.Context, name string, values ...uint16) error {
	_, pe, err := e.lookup(name)
	if err != nil {
		return err
	}
	if pe.err != nil {
		return pe.err
	}

	e.mu.RLock()
	dev, ok := e.topo.devices[pe.device]
	e.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return e.writes.SubmitWrite(ctx, dev, pe.point, values)
}

// Discover scans the network for devices. Only BACnet supports discovery;
// results are informational and never change the configuration.
// The scan is bounded by engine.discovery_timeout_ms and its failures are
// Timeout or NetworkError.
func (e *Engine) Discover(ctx context.Context, proto address.Protocol) (iter.Seq2[address.DeviceAddress, error], error) {
	const op = "discover"

	if proto != address.BACnet {
		return nil, fmt.Errorf("%w: discovery over %s", ErrUnsupported, proto)
	}
	if e.transports.Discovery == nil {
		return nil, fmt.Errorf("%w: no bacnet discovery client", ErrUnsupported)
	}

	scanCtx, cancel := context.WithTimeout(ctx, e.scanTimeout)
	seq, err := e.transports.Discovery.DiscoverDevices(scanCtx)
	if err != nil {
		cancel()
		return nil, fault.Classify(op, err)
	}

	return protocol.Once(func(yield func(address.DeviceAddress, error) bool) {
		defer cancel()
		for da, err := range seq {
			if err != nil {
				err = fault.Classify(op, err)
			}
			if !yield(da, err) {
				return
			}
		}
	}), nil
}

// Walk returns every varbind under baseOID on an SNMP device. It goes
// through the device gate like polling and is bounded by
// engine.discovery_timeout_ms.
func (e *Engine) Walk(ctx context.Context, deviceID, baseOID string) ([]protocol.Varbind, error) {
	oid, err := address.ParseOID(baseOID)
	if err != nil {
		return nil, err
	}
	dev, w, err := e.snmpWalker(deviceID)
	if err != nil {
		return nil, err
	}

	var out []protocol.Varbind
	err = e.exclusive(ctx, deviceID, e.scanTimeout, func(callCtx context.Context) (err error) {
		out, err = w.Walk(callCtx, dev.Address, oid)
		return err
	})
	return out, err
}

// GetOIDs fetches several OIDs from an SNMP device in one request.
func (e *Engine) GetOIDs(ctx context.Context, deviceID string, oids ...string) ([]protocol.Varbind, error) {
	clean := make([]string, len(oids))
	for i, o := range oids {
		oid, err := address.ParseOID(o)
		if err != nil {
			return nil, err
		}
		clean[i] = oid
	}
	dev, w, err := e.snmpWalker(deviceID)
	if err != nil {
		return nil, err
	}

	var out []protocol.Varbind
	err = e.exclusive(ctx, deviceID, e.timeout, func(callCtx context.Context) (err error) {
		out, err = w.GetOIDs(callCtx, dev.Address, clean)
		return err
	})
	return out, err
}

func (e *Engine) snmpWalker(deviceID string) (protocol.Device, protocol.SNMPWalker, error) {
	e.mu.RLock()
	dev, ok := e.topo.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return protocol.Device{}, nil, ErrNotFound
	}
	w, ok := dev.Caps.SNMP.(protocol.SNMPWalker)
	if !ok {
		return protocol.Device{}, nil, fmt.Errorf("%w: device %s has no snmp walk", ErrUnsupported, deviceID)
	}
	return dev, w, nil
}

// exclusive runs call while holding the device gate.
func (e *Engine) exclusive(ctx context.Context, deviceID string, timeout time.Duration, call func(context.Context) error) error {
	release, err := e.gates.For(deviceID).Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(callCtx)
}

// DeviceStatus returns the health of one device.
func (e *Engine) DeviceStatus(id string) (status.Snapshot, bool) {
	return e.tracker.Snapshot(id, time.Now())
}

// Jobs returns a copy of the scheduled poll jobs, sorted by id.
func (e *Engine) Jobs() []poller.PollJob {
	return e.sched.Jobs()
}

// Points lists configured point ids, sorted.
func (e *Engine) Points() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.topo.points))
	for id := range e.topo.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload swaps in a new configuration. In-flight reads finish under the old
// configuration; everything scheduled afterwards uses the new one.
// Engine-level settings (workers, timeout, retry, state file, status
// interval) need a restart.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Normalize(cfg)

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.RLock()
	old := e.topo
	e.mu.RUnlock()

	topo, err := e.build(cfg, old)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.topo = topo
	e.mu.Unlock()

	e.store.Retain(func(id string) bool { _, ok := topo.points[id]; return ok })
	e.tracker.Retain(func(id string) bool { _, ok := topo.devices[id]; return ok })
	e.install(topo)
	e.sched.Replace(topo.order, topo.jobs)

	go e.retire(old, topo)

	e.log.Info("engine reloaded", "devices", len(topo.order), "points", len(topo.points), "jobs", len(topo.jobs))
	return nil
}

// retire closes the clients of a replaced topology that next did not
// reuse, once each of their devices is idle.
func (e *Engine) retire(old, next *topology) {
	if old == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.timeout)
	defer cancel()

	for _, dev := range old.order {
		if next.reused[dev.ID] {
			continue
		}
		release, err := e.gates.For(dev.ID).Acquire(ctx)
		if err != nil {
			break
		}
		release()
	}
	if err := old.closeWhere(func(id string) bool { return !next.reused[id] }); err != nil {
		e.log.Debug("closing replaced clients", "err", err)
	}
}

func (e *Engine) lookup(name string) (string, pointEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if strings.Contains(name, "/") {
		pe, ok := e.topo.points[name]
		if !ok {
			return "", pointEntry{}, ErrNotFound
		}
		return name, pe, nil
	}

	ids := e.topo.byName[name]
	switch len(ids) {
	case 0:
		return "", pointEntry{}, ErrNotFound
	case 1:
		return ids[0], e.topo.points[ids[0]], nil
	default:
		return "", pointEntry{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguousPoint, name, strings.Join(ids, ", "))
	}
}

// ---- status export ----

func (e *Engine) exportStatus(ctx context.Context) {
	e.mu.RLock()
	every := e.statusTick
	e.mu.RUnlock()
	if every <= 0 {
		every = time.Second
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.RLock()
		exporters := e.topo.exporters
		e.mu.RUnlock()

		now := time.Now()
		for _, x := range exporters {
			snap, ok := e.tracker.Snapshot(x.device, now)
			if !ok {
				snap = status.Snapshot{Health: status.HealthUnknown}
			}

			wctx, cancel := context.WithTimeout(ctx, e.timeout)
			err := x.writer.WriteStatus(wctx, snap)
			cancel()
			if err != nil && ctx.Err() == nil {
				e.log.Warn("status export failed", "device", x.device, "err", err)
			}
		}
	}
}

// ---- state file ----

func (e *Engine) restore() error {
	if e.stateFile == "" {
		return nil
	}
	f, err := os.Open(e.stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := e.store.Restore(f)
	if err != nil {
		return err
	}
	e.log.Info("state restored", "path", e.stateFile, "points", n)
	return nil
}

func (e *Engine) save() error {
	if e.stateFile == "" {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.stateFile), ".fieldlink-state-*")
	if err != nil {
		return fmt.Errorf("engine: save state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := e.store.Snapshot(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("engine: save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("engine: save state: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.stateFile); err != nil {
		return fmt.Errorf("engine: save state: %w", err)
	}
	e.log.Info("state saved", "path", e.stateFile, "points", e.store.Len())
	return nil
}
