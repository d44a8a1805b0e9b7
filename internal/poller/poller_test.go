// internal/poller/poller_test.go
package poller

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/device"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/resolve"
	"github.com/tamzrod/fieldlink/internal/status"
	"github.com/tamzrod/fieldlink/internal/store"
)

// ---- fakes ----

type fakeModbus struct {
	mu       sync.Mutex
	regs     map[uint16]uint16
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inside   atomic.Int32
	maxInner atomic.Int32
}

func (f *fakeModbus) read(start, count uint16) ([]uint16, error) {
	f.calls.Add(1)
	n := f.inside.Add(1)
	defer f.inside.Add(-1)
	for {
		m := f.maxInner.Load()
		if n <= m || f.maxInner.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.regs[start+uint16(i)]
	}
	return out, nil
}

func (f *fakeModbus) ReadHoldingRegisters(_ context.Context, start, count uint16) ([]uint16, error) {
	return f.read(start, count)
}

func (f *fakeModbus) ReadInputRegisters(_ context.Context, start, count uint16) ([]uint16, error) {
	return f.read(start, count)
}

func (f *fakeModbus) WriteMultipleRegisters(context.Context, uint16, []uint16) error {
	return nil
}

type fakeSNMP struct {
	value string
	err   error
	calls atomic.Int32
}

func (f *fakeSNMP) GetOID(context.Context, address.DeviceAddress, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

type mockBACnet struct{ mock.Mock }

func (m *mockBACnet) DiscoverDevices(ctx context.Context) (iter.Seq2[address.DeviceAddress, error], error) {
	args := m.Called(ctx)
	return args.Get(0).(iter.Seq2[address.DeviceAddress, error]), args.Error(1)
}

func (m *mockBACnet) ReadProperty(ctx context.Context, dev address.DeviceAddress, objectID, property string) (string, error) {
	args := m.Called(ctx, dev, objectID, property)
	return args.String(0), args.Error(1)
}

type fakeBlocker struct {
	mu      sync.Mutex
	blocked bool
}

func (b *fakeBlocker) set(v bool) {
	b.mu.Lock()
	b.blocked = v
	b.mu.Unlock()
}

func (b *fakeBlocker) Blocked(string, address.RegisterRange) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// ---- helpers ----

func modbusDevice(t *testing.T, id string, c protocol.ModbusClient) protocol.Device {
	t.Helper()
	da, err := address.NewDeviceAddress(address.Modbus, "127.0.0.1:502")
	require.NoError(t, err)
	return protocol.Device{ID: id, Address: da, Caps: protocol.ForModbus(c)}
}

func snmpDevice(t *testing.T, id string, c protocol.SNMPClient) protocol.Device {
	t.Helper()
	da, err := address.NewDeviceAddress(address.SNMP, "10.0.0.9")
	require.NoError(t, err)
	return protocol.Device{ID: id, Address: da, Caps: protocol.ForSNMP(c)}
}

func point(t *testing.T, proto address.Protocol, dev, name, addr string, access address.AccessMode, every time.Duration) address.Point {
	t.Helper()
	p, err := address.NewPoint(proto, dev, name, addr, access, every)
	require.NoError(t, err)
	return p
}

func target(t *testing.T, p address.Point) Target {
	t.Helper()
	op, err := resolve.Resolve(p, address.Modbus)
	require.NoError(t, err)
	return Target{Point: p, Op: op}
}

type harness struct {
	sched   *Scheduler
	store   *store.Store
	tracker *status.Tracker
	trans   chan Transition
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, cfg Config, blocker Blocker, devs []protocol.Device, jobs []*PollJob) *harness {
	t.Helper()

	h := &harness{
		store:   store.New(),
		tracker: status.NewTracker(),
		trans:   make(chan Transition, 1024),
		done:    make(chan error, 1),
	}
	cfg.OnTransition = func(tr Transition) {
		select {
		case h.trans <- tr:
		default:
		}
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	s, err := New(cfg, h.store, device.NewGates(), h.tracker, blocker)
	require.NoError(t, err)
	s.Replace(devs, jobs)
	h.sched = s

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- s.Run(ctx) }()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	<-h.done
}

// waitFor returns the first transition matching ok.
func (h *harness) waitFor(t *testing.T, ok func(Transition) bool) Transition {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-h.trans:
			if ok(tr) {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transition")
			return Transition{}
		}
	}
}

// ---- batching ----

func TestBatchMergesContiguousRanges(t *testing.T) {
	ts := []Target{
		target(t, point(t, address.Modbus, "plc1", "a", "0:2", address.AccessRead, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "b", "2:3", address.AccessRead, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "c", "10", address.AccessRead, time.Second)),
	}

	jobs := Batch("plc1", 125, ts)
	require.Len(t, jobs, 2)

	assert.Equal(t, "plc1/a", jobs[0].ID)
	assert.Equal(t, address.RegisterRange{Bank: address.BankHolding, Start: 0, Count: 5}, jobs[0].Op.Modbus.Range)
	assert.Equal(t, []Span{{"plc1/a", 0, 2}, {"plc1/b", 2, 3}}, jobs[0].Spans)

	assert.Equal(t, address.RegisterRange{Bank: address.BankHolding, Start: 10, Count: 1}, jobs[1].Op.Modbus.Range)
}

func TestBatchRespectsBurst(t *testing.T) {
	ts := []Target{
		target(t, point(t, address.Modbus, "plc1", "a", "0:2", address.AccessRead, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "b", "2:2", address.AccessRead, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "c", "4:2", address.AccessRead, time.Second)),
	}

	jobs := Batch("plc1", 4, ts)
	require.Len(t, jobs, 2)
	assert.EqualValues(t, 4, jobs[0].Op.Modbus.Range.Count)
	assert.EqualValues(t, 4, jobs[1].Op.Modbus.Range.Start)
	assert.EqualValues(t, 2, jobs[1].Op.Modbus.Range.Count)
}

func TestBatchKeepsBanksAndIntervalsApart(t *testing.T) {
	ts := []Target{
		target(t, point(t, address.Modbus, "plc1", "h", "0", address.AccessRead, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "i", "1", address.AccessInput, time.Second)),
		target(t, point(t, address.Modbus, "plc1", "slow", "1", address.AccessRead, time.Minute)),
	}

	jobs := Batch("plc1", 125, ts)
	assert.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Len(t, j.Spans, 1)
	}
}

func TestBatchSplitRecoversEachPoint(t *testing.T) {
	var ts []Target
	start := 0
	for i, n := range []int{1, 3, 2, 7, 1, 4} {
		addr := fmt.Sprintf("%d:%d", start, n)
		ts = append(ts, target(t, point(t, address.Modbus, "plc1", fmt.Sprintf("p%d", i), addr, address.AccessRead, time.Second)))
		start += n
	}

	for _, burst := range []uint16{1, 3, 5, 8, 125} {
		jobs := Batch("plc1", burst, ts)

		seen := 0
		for _, j := range jobs {
			r := j.Op.Modbus.Range
			total := uint16(0)
			for _, sp := range j.Spans {
				total += sp.Count
			}
			assert.Equal(t, r.Count, total, "burst %d job %s", burst, j.ID)
			if len(j.Spans) > 1 {
				assert.LessOrEqual(t, r.Count, burst)
			}

			regs := make([]uint16, r.Count)
			for i := range regs {
				regs[i] = r.Start + uint16(i)
			}
			parts := Split(j.Spans, regs)
			for i, sp := range j.Spans {
				require.Len(t, parts[i], int(sp.Count))
				assert.Equal(t, r.Start+sp.Offset, parts[i][0])
			}
			seen += len(j.Spans)
		}
		assert.Equal(t, len(ts), seen)
	}
}

func TestBuildRejectsUnresolvable(t *testing.T) {
	dev := snmpDevice(t, "ups1", &fakeSNMP{})
	good := point(t, address.SNMP, "ups1", "load", "1.3.6.1.2.1.33.1.4.4.1.5.1", address.AccessRead, time.Second)
	bad := address.Point{Device: "ups1", Name: "junk", Address: "not-an-oid", Access: address.AccessRead, Interval: time.Second}

	jobs, rejected := Build(dev, []address.Point{good, bad})
	require.Len(t, jobs, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, "junk", rejected[0].Point.Name)
	assert.ErrorIs(t, rejected[0].Err, fault.ErrUnresolvableAddress)
}

// ---- execute ----

func TestExecuteBACnetReadsProperty(t *testing.T) {
	da, err := address.NewDeviceAddress(address.BACnet, "10.0.0.20:47808")
	require.NoError(t, err)

	m := &mockBACnet{}
	m.On("ReadProperty", mock.Anything, da, "analog-input:3", "present-value").Return("21.5", nil).Once()
	dev := protocol.Device{ID: "ahu1", Address: da, Caps: protocol.ForBACnet(m)}

	p := point(t, address.BACnet, "ahu1", "supply_temp", "analog-input:3", address.AccessRead, time.Second)
	jobs, rejected := Build(dev, []address.Point{p})
	require.Empty(t, rejected)
	require.Len(t, jobs, 1)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updates, err := Execute(context.Background(), dev, jobs[0], at)
	require.NoError(t, err)
	assert.Equal(t, []store.Update{{ID: "ahu1/supply_temp", Value: store.Text("21.5"), Timestamp: at}}, updates)
	m.AssertExpectations(t)
}

func TestExecuteClassifiesTransportErrors(t *testing.T) {
	da, err := address.NewDeviceAddress(address.BACnet, "10.0.0.20:47808")
	require.NoError(t, err)

	m := &mockBACnet{}
	m.On("ReadProperty", mock.Anything, da, "analog-value:1", "present-value").Return("", context.DeadlineExceeded)
	dev := protocol.Device{ID: "ahu1", Address: da, Caps: protocol.ForBACnet(m)}

	jobs, _ := Build(dev, []address.Point{point(t, address.BACnet, "ahu1", "sp", "analog-value:1", address.AccessRead, time.Second)})
	_, err = Execute(context.Background(), dev, jobs[0], time.Now())
	assert.ErrorIs(t, err, fault.ErrTimeout)
}

func TestExecuteShortModbusReadFails(t *testing.T) {
	dev := modbusDevice(t, "plc1", &shortModbus{})
	jobs, _ := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "v", "0:4", address.AccessRead, time.Second)})

	updates, err := Execute(context.Background(), dev, jobs[0], time.Now())
	assert.Nil(t, updates)
	assert.ErrorIs(t, err, fault.ErrDeviceError)
}

type shortModbus struct{ fakeModbus }

func (s *shortModbus) ReadHoldingRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return []uint16{1}, nil
}

// ---- backoff ----

func TestBackoffDelay(t *testing.T) {
	b := Backoff{MaxRetries: 5, Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(60))

	// base above the cap is clamped
	assert.Equal(t, 5*time.Second, Backoff{Base: 8 * time.Second, Max: 5 * time.Second}.Delay(1))

	// no cap keeps doubling
	assert.Equal(t, 8*time.Second, Backoff{Base: time.Second}.Delay(4))
	assert.Zero(t, Backoff{Max: time.Second}.Delay(3))
}

func TestFailRetriesThenTerminal(t *testing.T) {
	pol := Backoff{MaxRetries: 3, Base: time.Second, Max: time.Minute}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	j := &PollJob{ID: "x", Interval: 30 * time.Second, Scheduled: base}
	timeout := fault.New(fault.Timeout, "read", nil)

	now := base
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		terminal := j.fail(now, timeout, pol)
		require.False(t, terminal, "attempt %d", i+1)
		assert.Equal(t, i+1, j.Attempt)
		assert.Equal(t, now.Add(want), j.Due)
		now = j.Due
	}

	terminal := j.fail(now, timeout, pol)
	assert.True(t, terminal)
	assert.Equal(t, 0, j.Attempt)
	assert.Equal(t, base.Add(30*time.Second), j.Due)
	assert.Equal(t, Failed, j.State)
}

func TestFailNonRetriableIsTerminal(t *testing.T) {
	pol := Backoff{MaxRetries: 3, Base: time.Second, Max: time.Minute}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &PollJob{ID: "x", Interval: 10 * time.Second, Scheduled: base}

	terminal := j.fail(base.Add(25*time.Second), fault.New(fault.IllegalAddress, "read", nil), pol)
	assert.True(t, terminal)
	assert.Equal(t, base.Add(30*time.Second), j.Due)
}

func TestSucceedSchedulesFromStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &PollJob{ID: "x", Interval: 5 * time.Second, Attempt: 2}
	j.succeed(start)
	assert.Equal(t, Succeeded, j.State)
	assert.Equal(t, 0, j.Attempt)
	assert.Equal(t, start.Add(5*time.Second), j.Due)
}

// ---- scheduler ----

func TestSchedulerStoresModbusValue(t *testing.T) {
	mb := &fakeModbus{regs: map[uint16]uint16{0: 342}}
	dev := modbusDevice(t, "plc1", mb)
	p := point(t, address.Modbus, "plc1", "tank_level", "400001:1", address.AccessRead, time.Hour)
	jobs, rejected := Build(dev, []address.Point{p})
	require.Empty(t, rejected)

	h := newHarness(t, Config{Retry: Backoff{MaxRetries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}}, nil,
		[]protocol.Device{dev}, jobs)

	h.waitFor(t, func(tr Transition) bool { return tr.To == Succeeded })

	pv, err := h.store.Get("plc1/tank_level")
	require.NoError(t, err)
	assert.Equal(t, store.Fresh, pv.Health)
	assert.Equal(t, []uint16{342}, pv.Value.Registers)

	snap, ok := h.tracker.Snapshot("plc1", time.Now())
	require.True(t, ok)
	assert.Equal(t, status.HealthOK, snap.Health)
}

func TestSchedulerTerminalFailureKeepsValue(t *testing.T) {
	sn := &fakeSNMP{err: fault.New(fault.Timeout, "get", nil)}
	dev := snmpDevice(t, "ups1", sn)
	p := point(t, address.SNMP, "ups1", "load", "1.3.6.1.2.1.33.1.4.4.1.5.1", address.AccessRead, time.Hour)
	jobs, _ := Build(dev, []address.Point{p})

	st := store.New()
	st.Update("ups1/load", store.Text("41"), time.Now().Add(-time.Minute))

	trans := make(chan Transition, 64)
	s, err := New(Config{
		Workers: 1,
		Timeout: time.Second,
		Retry:   Backoff{MaxRetries: 3, Base: time.Millisecond, Max: 4 * time.Millisecond},
		OnTransition: func(tr Transition) {
			trans <- tr
		},
	}, st, device.NewGates(), status.NewTracker(), nil)
	require.NoError(t, err)
	s.Replace([]protocol.Device{dev}, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var failures []Transition
	deadline := time.After(3 * time.Second)
	for len(failures) == 0 || !failures[len(failures)-1].Terminal {
		select {
		case tr := <-trans:
			if tr.From == InFlight && tr.To == Failed {
				failures = append(failures, tr)
			}
		case <-deadline:
			t.Fatalf("no terminal failure, got %d failures", len(failures))
		}
	}
	cancel()
	require.NoError(t, <-done)

	require.Len(t, failures, 4)
	for i, tr := range failures {
		assert.Equal(t, i+1, tr.Attempt)
		assert.Equal(t, i == 3, tr.Terminal)
	}
	assert.EqualValues(t, 4, sn.calls.Load())

	pv, err := st.Get("ups1/load")
	require.NoError(t, err)
	assert.Equal(t, store.Failed, pv.Health)
	assert.Equal(t, fault.Timeout, pv.Reason)
	assert.Equal(t, "41", pv.Value.Text)
}

func TestSchedulerOneInFlightPerDevice(t *testing.T) {
	mb := &fakeModbus{regs: map[uint16]uint16{}, delay: 2 * time.Millisecond}
	dev := modbusDevice(t, "plc1", mb)

	var pts []address.Point
	for i := 0; i < 6; i++ {
		// gaps keep every point in its own job
		pts = append(pts, point(t, address.Modbus, "plc1", fmt.Sprintf("p%d", i), fmt.Sprintf("%d", i*10), address.AccessRead, 5*time.Millisecond))
	}
	jobs, _ := Build(dev, pts)
	require.Len(t, jobs, 6)

	h := newHarness(t, Config{Workers: 4}, nil, []protocol.Device{dev}, jobs)

	require.Eventually(t, func() bool { return mb.calls.Load() >= 20 }, 3*time.Second, time.Millisecond)
	h.stop()

	assert.EqualValues(t, 1, mb.maxInner.Load())
}

func TestSchedulerDevicesRunInParallel(t *testing.T) {
	var devs []protocol.Device
	var jobs []*PollJob
	fakes := make([]*fakeModbus, 3)
	var inside, maxInside atomic.Int32

	for i := range fakes {
		fakes[i] = &fakeModbus{regs: map[uint16]uint16{}, delay: 20 * time.Millisecond}
		id := fmt.Sprintf("plc%d", i)
		dev := modbusDevice(t, id, &countingModbus{fakeModbus: fakes[i], inside: &inside, max: &maxInside})
		devs = append(devs, dev)
		js, _ := Build(dev, []address.Point{point(t, address.Modbus, id, "v", "0", address.AccessRead, time.Millisecond)})
		jobs = append(jobs, js...)
	}

	h := newHarness(t, Config{Workers: 3}, nil, devs, jobs)
	require.Eventually(t, func() bool { return maxInside.Load() >= 2 }, 3*time.Second, time.Millisecond)
	h.stop()
}

type countingModbus struct {
	*fakeModbus
	inside *atomic.Int32
	max    *atomic.Int32
}

func (c *countingModbus) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	n := c.inside.Add(1)
	defer c.inside.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	return c.fakeModbus.ReadHoldingRegisters(ctx, start, count)
}

func TestSchedulerHoldsBlockedRange(t *testing.T) {
	mb := &fakeModbus{regs: map[uint16]uint16{0: 7}}
	dev := modbusDevice(t, "plc1", mb)
	jobs, _ := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "sp", "0", address.AccessReadWrite, time.Hour)})

	blk := &fakeBlocker{blocked: true}
	h := newHarness(t, Config{}, blk, []protocol.Device{dev}, jobs)

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 0, mb.calls.Load())

	blk.set(false)
	h.sched.Wake()
	h.waitFor(t, func(tr Transition) bool { return tr.To == Succeeded })
	assert.EqualValues(t, 1, mb.calls.Load())
}

func TestSchedulerRefreshRereads(t *testing.T) {
	mb := &fakeModbus{regs: map[uint16]uint16{0: 1}}
	dev := modbusDevice(t, "plc1", mb)
	jobs, _ := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "sp", "0", address.AccessReadWrite, time.Hour)})

	h := newHarness(t, Config{}, nil, []protocol.Device{dev}, jobs)
	h.waitFor(t, func(tr Transition) bool { return tr.To == Succeeded })

	mb.mu.Lock()
	mb.regs[0] = 99
	mb.mu.Unlock()

	h.sched.Refresh("plc1", address.RegisterRange{Bank: address.BankHolding, Start: 0, Count: 1})
	h.waitFor(t, func(tr Transition) bool { return tr.To == Succeeded })

	pv, err := h.store.Get("plc1/sp")
	require.NoError(t, err)
	assert.Equal(t, []uint16{99}, pv.Value.Registers)
}

func TestSchedulerDropsConfigFailures(t *testing.T) {
	mb := &fakeModbus{err: fault.New(fault.InvalidValue, "read", nil)}
	dev := modbusDevice(t, "plc1", mb)
	jobs, _ := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "x", "0", address.AccessRead, time.Millisecond)})

	h := newHarness(t, Config{}, nil, []protocol.Device{dev}, jobs)
	h.waitFor(t, func(tr Transition) bool { return tr.To == Failed && tr.Terminal })

	require.Eventually(t, func() bool { return len(h.sched.Jobs()) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, mb.calls.Load())

	pv, err := h.store.Get("plc1/x")
	require.NoError(t, err)
	assert.Equal(t, store.Failed, pv.Health)
	assert.False(t, pv.HasValue)
}

func TestSchedulerRetryMarksStale(t *testing.T) {
	mb := &fakeModbus{regs: map[uint16]uint16{0: 5}}
	dev := modbusDevice(t, "plc1", mb)
	jobs, _ := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "x", "0", address.AccessRead, time.Hour)})

	h := newHarness(t, Config{Retry: Backoff{MaxRetries: 3, Base: time.Hour, Max: time.Hour}}, nil, []protocol.Device{dev}, jobs)
	h.waitFor(t, func(tr Transition) bool { return tr.To == Succeeded })

	mb.mu.Lock()
	mb.err = fault.New(fault.Timeout, "read", nil)
	mb.mu.Unlock()

	h.sched.Refresh("plc1", address.RegisterRange{Bank: address.BankHolding, Start: 0, Count: 1})
	tr := h.waitFor(t, func(tr Transition) bool { return tr.To == Failed })
	assert.False(t, tr.Terminal)

	pv, err := h.store.Get("plc1/x")
	require.NoError(t, err)
	assert.Equal(t, store.Stale, pv.Health)
	assert.Equal(t, []uint16{5}, pv.Value.Registers)

	snap, _ := h.tracker.Snapshot("plc1", time.Now())
	assert.Equal(t, status.HealthStale, snap.Health)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Workers: 0, Timeout: time.Second}, store.New(), device.NewGates(), status.NewTracker(), nil)
	assert.Error(t, err)
	_, err = New(Config{Workers: 1}, store.New(), device.NewGates(), status.NewTracker(), nil)
	assert.Error(t, err)
}

func TestExecuteAfterShutdownSkipsDevice(t *testing.T) {
	s, err := New(Config{Workers: 1, Timeout: time.Second}, store.New(), device.NewGates(), status.NewTracker(), nil)
	require.NoError(t, err)

	mb := &fakeModbus{regs: map[uint16]uint16{0: 1}}
	dev := modbusDevice(t, "plc1", mb)
	jobs, rejected := Build(dev, []address.Point{point(t, address.Modbus, "plc1", "v", "0", address.AccessRead, time.Second)})
	require.Empty(t, rejected)
	require.Len(t, jobs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.execute(ctx, dispatch{job: jobs[0], dev: dev})
	assert.True(t, res.cancelled)
	assert.EqualValues(t, 0, mb.calls.Load())
}
