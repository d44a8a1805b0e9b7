// internal/store/store_test.go
package store

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/fieldlink/internal/fault"
)

func TestGetNeverPolled(t *testing.T) {
	s := New()
	_, err := s.Get("plc1/tank_level")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAndGet(t *testing.T) {
	s := New()
	ts := time.Now()
	s.Update("plc1/tank_level", Registers(342), ts)

	pv, err := s.Get("plc1/tank_level")
	require.NoError(t, err)
	assert.Equal(t, Fresh, pv.Health)
	assert.True(t, pv.HasValue)
	assert.Equal(t, []uint16{342}, pv.Value.Registers)
	assert.Equal(t, ts, pv.Timestamp)

	n, ok := pv.Value.Uint()
	assert.True(t, ok)
	assert.Equal(t, uint64(342), n)
}

func TestFailedKeepsLastGoodValue(t *testing.T) {
	s := New()
	s.Update("sw1/sys_descr", Text("Linux sw1"), time.Now())
	s.MarkFailed("sw1/sys_descr", fault.Timeout)

	pv, err := s.Get("sw1/sys_descr")
	require.NoError(t, err)
	assert.Equal(t, Failed, pv.Health)
	assert.Equal(t, fault.Timeout, pv.Reason)
	assert.True(t, pv.HasValue)
	assert.Equal(t, "Linux sw1", pv.Value.Text)

	// next good read resets health
	s.Update("sw1/sys_descr", Text("Linux sw1 v2"), time.Now())
	pv, _ = s.Get("sw1/sys_descr")
	assert.Equal(t, Fresh, pv.Health)
	assert.Equal(t, fault.KindUnknown, pv.Reason)
}

func TestFailedWithoutValue(t *testing.T) {
	s := New()
	s.MarkFailed("plc1/bad", fault.InvalidAddress)

	pv, err := s.Get("plc1/bad")
	require.NoError(t, err)
	assert.Equal(t, Failed, pv.Health)
	assert.False(t, pv.HasValue)
}

func TestMarkStale(t *testing.T) {
	s := New()
	s.MarkStale("none") // no-op on unknown point
	_, err := s.Get("none")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Update("p", Registers(1), time.Now())
	s.MarkStale("p")
	pv, _ := s.Get("p")
	assert.Equal(t, Stale, pv.Health)

	s.MarkFailed("p", fault.Timeout)
	s.MarkStale("p")
	pv, _ = s.Get("p")
	assert.Equal(t, Failed, pv.Health)
}

func TestAgeBasedStaleness(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Track("p", 2*time.Second)
	s.Update("p", Registers(1), now.Add(-time.Second))
	pv, _ := s.Get("p")
	assert.Equal(t, Fresh, pv.Health)

	now = now.Add(5 * time.Second)
	pv, _ = s.Get("p")
	assert.Equal(t, Stale, pv.Health)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	regs := []uint16{1, 2}
	s.Update("p", Value{Kind: KindRegisters, Registers: regs}, time.Now())
	regs[0] = 99

	pv, _ := s.Get("p")
	pv.Value.Registers[1] = 77

	again, _ := s.Get("p")
	assert.Equal(t, []uint16{1, 2}, again.Value.Registers)
}

func TestApplyIsAtomicForReaders(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint16(0); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Apply([]Update{
				{ID: "a", Value: Registers(i), Timestamp: time.Now()},
				{ID: "b", Value: Registers(i), Timestamp: time.Now()},
			})
		}
	}()

	for i := 0; i < 1000; i++ {
		s.mu.RLock()
		a, okA := s.entries["a"]
		b, okB := s.entries["b"]
		if okA && okB {
			assert.Equal(t, a.Value.Registers, b.Value.Registers)
		}
		s.mu.RUnlock()
	}
	close(stop)
	wg.Wait()
}

func TestRetain(t *testing.T) {
	s := New()
	s.Update("d1/a", Registers(1), time.Now())
	s.Update("d2/b", Registers(2), time.Now())
	s.Track("d2/b", time.Second)

	s.Retain(func(id string) bool { return id == "d1/a" })

	assert.Equal(t, 1, s.Len())
	_, err := s.Get("d2/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotRestore(t *testing.T) {
	src := New()
	ts := time.Now().UTC().Truncate(time.Second)
	src.Update("plc1/tank_level", Registers(342), ts)
	src.Update("sw1/sys_descr", Text("Linux"), ts)
	src.MarkFailed("plc1/never", fault.Timeout)

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(&buf))

	dst := New()
	dst.Update("sw1/sys_descr", Text("newer"), ts)

	n, err := dst.Restore(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pv, err := dst.Get("plc1/tank_level")
	require.NoError(t, err)
	assert.Equal(t, Stale, pv.Health)
	assert.Equal(t, []uint16{342}, pv.Value.Registers)
	assert.True(t, ts.Equal(pv.Timestamp))

	pv, _ = dst.Get("sw1/sys_descr")
	assert.Equal(t, "newer", pv.Value.Text)

	_, err = dst.Get("plc1/never")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValueHelpers(t *testing.T) {
	n, ok := Registers(0x0001, 0x0002).Uint()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x00010002), n)

	_, ok = Registers(1, 2, 3, 4, 5).Uint()
	assert.False(t, ok)

	n, ok = Text(" 17 ").Uint()
	assert.True(t, ok)
	assert.Equal(t, uint64(17), n)

	assert.Equal(t, "[1 2]", Registers(1, 2).String())
	assert.Equal(t, `"on"`, Text("on").String())
}
