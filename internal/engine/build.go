// internal/engine/build.go
package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/config"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/poller"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/writer"
)

// staleFactor times the poll interval is the age at which a value reads Stale.
const staleFactor = 3

// pointEntry is a configured point. err is set when the point could not be
// built and is never polled.
type pointEntry struct {
	device string
	point  address.Point
	err    error
}

// topology is everything derived from one config generation.
type topology struct {
	devices   map[string]protocol.Device
	order     []protocol.Device
	points    map[string]pointEntry // by point id
	byName    map[string][]string   // short name -> point ids
	jobs      []*poller.PollJob
	intervals map[string]time.Duration // pollable point id -> interval
	disabled  []string                 // devices with nothing to poll
	exporters []statusExport

	keys    map[string]transportKey
	closers map[string]io.Closer // by device id
	reused  map[string]bool      // devices whose clients came from the previous topology
}

// transportKey is the part of a device config its clients are built from.
// Devices whose key is unchanged across a reload keep their clients.
type transportKey struct {
	Protocol string
	Address  string
	Modbus   config.ModbusConfig
	SNMP     config.SNMPConfig
}

func keyOf(dc config.DeviceConfig) transportKey {
	return transportKey{Protocol: dc.Protocol, Address: dc.Address, Modbus: dc.Modbus, SNMP: dc.SNMP}
}

type statusExport struct {
	device string
	writer *writer.StatusWriter
}

// close closes every client of the topology.
func (t *topology) close() error {
	return t.closeWhere(func(string) bool { return true })
}

// closeOwned closes only the clients this topology created.
func (t *topology) closeOwned() error {
	return t.closeWhere(func(id string) bool { return !t.reused[id] })
}

func (t *topology) closeWhere(ok func(deviceID string) bool) error {
	var last error
	for id, c := range t.closers {
		if !ok(id) {
			continue
		}
		if err := c.Close(); err != nil {
			last = err
		}
	}
	return last
}

// build creates clients and jobs for cfg. cfg must be validated and normalized.
// Clients of prev devices with an unchanged transport config are reused.
func (e *Engine) build(cfg *config.Config, prev *topology) (*topology, error) {
	t := &topology{
		devices:   make(map[string]protocol.Device, len(cfg.Devices)),
		points:    make(map[string]pointEntry),
		byName:    make(map[string][]string),
		intervals: make(map[string]time.Duration),
		keys:      make(map[string]transportKey, len(cfg.Devices)),
		closers:   make(map[string]io.Closer),
		reused:    make(map[string]bool),
	}

	for _, dc := range cfg.Devices {
		key := keyOf(dc)
		t.keys[dc.ID] = key

		var dev protocol.Device
		if old, ok := prev.lookupDevice(dc.ID, key); ok {
			dev = old
			t.reused[dc.ID] = true
		} else {
			var err error
			dev, err = e.newDevice(dc)
			if err != nil {
				_ = t.closeOwned()
				return nil, fmt.Errorf("engine: device %q: %w", dc.ID, err)
			}
		}
		if c, ok := anyCloser(dev.Caps); ok {
			t.closers[dc.ID] = c
		}
		t.devices[dev.ID] = dev
		t.order = append(t.order, dev)

		var points []address.Point
		for _, pc := range dc.Points {
			id := dc.ID + "/" + pc.Name
			t.byName[pc.Name] = append(t.byName[pc.Name], id)

			access, _ := address.ParseAccessMode(pc.Access) // validated
			p, err := address.NewPoint(dev.Address.Protocol(), dc.ID, pc.Name, pc.Address, access,
				time.Duration(pc.IntervalMs)*time.Millisecond)
			if err != nil {
				t.points[id] = pointEntry{device: dc.ID, point: address.Point{Device: dc.ID, Name: pc.Name, Address: pc.Address}, err: err}
				continue
			}
			t.points[id] = pointEntry{device: dc.ID, point: p}
			points = append(points, p)
		}

		jobs, rejected := poller.Build(dev, points)
		for _, r := range rejected {
			id := r.Point.ID()
			t.points[id] = pointEntry{device: dc.ID, point: r.Point, err: r.Err}
		}
		for _, j := range jobs {
			for _, id := range j.PointIDs() {
				t.intervals[id] = j.Interval
			}
		}
		t.jobs = append(t.jobs, jobs...)

		if len(jobs) == 0 {
			t.disabled = append(t.disabled, dc.ID)
		}
	}

	if err := e.buildStatusExport(cfg, t); err != nil {
		_ = t.closeOwned()
		return nil, err
	}
	return t, nil
}

// lookupDevice returns the device built for id if its transport config
// still matches key. t may be nil.
func (t *topology) lookupDevice(id string, key transportKey) (protocol.Device, bool) {
	if t == nil {
		return protocol.Device{}, false
	}
	dev, ok := t.devices[id]
	if !ok || t.keys[id] != key {
		return protocol.Device{}, false
	}
	return dev, true
}

func (e *Engine) newDevice(dc config.DeviceConfig) (protocol.Device, error) {
	proto, err := address.ParseProtocol(dc.Protocol)
	if err != nil {
		return protocol.Device{}, err
	}
	da, err := address.NewDeviceAddress(proto, dc.Address)
	if err != nil {
		return protocol.Device{}, err
	}

	var caps protocol.Capabilities
	switch proto {
	case address.Modbus:
		if e.transports.Modbus == nil {
			return protocol.Device{}, fmt.Errorf("no modbus transport")
		}
		c, err := e.transports.Modbus(dc)
		if err != nil {
			return protocol.Device{}, err
		}
		caps = protocol.ForModbus(c)
	case address.BACnet:
		if e.transports.BACnet == nil {
			return protocol.Device{}, fmt.Errorf("no bacnet transport")
		}
		c, err := e.transports.BACnet(dc)
		if err != nil {
			return protocol.Device{}, err
		}
		caps = protocol.ForBACnet(c)
	case address.SNMP:
		if e.transports.SNMP == nil {
			return protocol.Device{}, fmt.Errorf("no snmp transport")
		}
		c, err := e.transports.SNMP(dc)
		if err != nil {
			return protocol.Device{}, err
		}
		caps = protocol.ForSNMP(c)
	}
	if err := caps.Validate(); err != nil {
		return protocol.Device{}, err
	}

	return protocol.Device{ID: dc.ID, Address: da, Caps: caps, MaxBurst: dc.Modbus.MaxBurst}, nil
}

func (e *Engine) buildStatusExport(cfg *config.Config, t *topology) error {
	if cfg.Engine.Status.Device == "" {
		return nil
	}
	sink, ok := t.devices[cfg.Engine.Status.Device]
	if !ok {
		return fmt.Errorf("engine: status device %q not built", cfg.Engine.Status.Device)
	}

	for _, dc := range cfg.Devices {
		if dc.StatusSlot == nil {
			continue
		}
		sw, err := writer.NewStatusWriter(sink, e.gates, writer.StatusPlan{
			DeviceName: dc.DeviceName,
			BaseSlot:   *dc.StatusSlot,
		})
		if err != nil {
			return fmt.Errorf("engine: device %q: %w", dc.ID, err)
		}
		t.exporters = append(t.exporters, statusExport{device: dc.ID, writer: sw})
	}
	return nil
}

// install records per-point state for a freshly built topology.
func (e *Engine) install(t *topology) {
	for id, pe := range t.points {
		if pe.err == nil {
			continue
		}
		kind := fault.KindOf(pe.err)
		e.store.MarkFailed(id, kind)
		e.log.Error("point not pollable", "device", pe.device, "point", id, "kind", kind.String(), "err", pe.err)
	}
	for id, every := range t.intervals {
		e.store.Track(id, staleFactor*every)
	}
	for _, id := range t.disabled {
		e.tracker.Disable(id)
		e.log.Warn("device has no pollable points", "device", id)
	}
}

func anyCloser(c protocol.Capabilities) (io.Closer, bool) {
	var v any
	switch {
	case c.Modbus != nil:
		v = c.Modbus
	case c.BACnet != nil:
		v = c.BACnet
	case c.SNMP != nil:
		v = c.SNMP
	}
	cl, ok := v.(io.Closer)
	return cl, ok
}
