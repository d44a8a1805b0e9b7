// internal/poller/runner.go
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/device"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/protocol"
	"github.com/tamzrod/fieldlink/internal/status"
	"github.com/tamzrod/fieldlink/internal/store"
)

// Blocker reports register ranges held by pending writes.
type Blocker interface {
	Blocked(deviceID string, r address.RegisterRange) bool
}

// Config is the runtime config the scheduler needs.
type Config struct {
	Workers int
	Timeout time.Duration // per capability call
	Retry   Backoff

	Logger *slog.Logger

	// OnTransition is called from the scheduler loop for every job state
	// change. It must not call back into the Scheduler.
	OnTransition func(Transition)
}

// Scheduler decides when jobs are due and dispatches them to a fixed worker pool.
// A single loop goroutine owns all job state; workers only execute.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	gates   *device.Gates
	tracker *status.Tracker
	blocker Blocker
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	devices  map[string]protocol.Device
	jobs     map[string]*PollJob
	inflight map[string]*PollJob // by device
	points   map[string]struct{} // point ids served by current jobs

	work    chan dispatch
	results chan result
	wake    chan struct{}
	running atomic.Bool
}

type dispatch struct {
	job *PollJob
	dev protocol.Device
}

type result struct {
	job       *PollJob
	device    string
	updates   []store.Update
	err       error
	started   time.Time
	cancelled bool
}

// New creates a scheduler. blocker may be nil.
func New(cfg Config, st *store.Store, gates *device.Gates, tracker *status.Tracker, blocker Blocker) (*Scheduler, error) {
	if st == nil || gates == nil || tracker == nil {
		return nil, errors.New("poller: store, gates and tracker required")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("poller: workers must be > 0")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("poller: timeout must be > 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		cfg:      cfg,
		store:    st,
		gates:    gates,
		tracker:  tracker,
		blocker:  blocker,
		log:      cfg.Logger.With("component", "poller"),
		now:      time.Now,
		devices:  make(map[string]protocol.Device),
		jobs:     make(map[string]*PollJob),
		inflight: make(map[string]*PollJob),
		points:   make(map[string]struct{}),
		work:     make(chan dispatch, cfg.Workers),
		results:  make(chan result, cfg.Workers),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Replace installs a new device and job set. Jobs of the previous set that
// are in flight finish and store their values but are not rescheduled.
// New jobs are due immediately.
func (s *Scheduler) Replace(devices []protocol.Device, jobs []*PollJob) {
	s.mu.Lock()
	now := s.now()

	s.devices = make(map[string]protocol.Device, len(devices))
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	s.jobs = make(map[string]*PollJob, len(jobs))
	s.points = make(map[string]struct{})
	for _, j := range jobs {
		for _, id := range j.PointIDs() {
			s.points[id] = struct{}{}
		}
		j.State = Pending
		j.Due = now
		j.Scheduled = now
		j.Attempt = 0
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()

	s.Wake()
}

// Refresh makes every job reading an overlapping range of deviceID due now.
// A job already in flight is re-read as soon as it lands.
func (s *Scheduler) Refresh(deviceID string, r address.RegisterRange) {
	s.mu.Lock()
	now := s.now()
	for _, j := range s.jobs {
		if j.Device != deviceID || j.Op.Modbus == nil || !j.Op.Modbus.Range.Overlaps(r) {
			continue
		}
		if j.State == InFlight {
			j.refresh = true
			continue
		}
		j.Due = now
	}
	s.mu.Unlock()

	s.Wake()
}

// Wake re-evaluates due jobs, e.g. after a pending write released its range.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Jobs returns a copy of the current jobs, sorted by id.
func (s *Scheduler) Jobs() []PollJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PollJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		c.Spans = append([]Span(nil), j.Spans...)
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Run starts the worker pool and the dispatch loop. It returns after ctx is
// done and every in-flight job has landed.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("poller: already running")
	}

	var g errgroup.Group
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for d := range s.work {
				s.results <- s.execute(ctx, d)
			}
			return nil
		})
	}

	s.loop(ctx)
	return g.Wait()
}

// ---- worker ----

func (s *Scheduler) execute(ctx context.Context, d dispatch) result {
	res := result{job: d.job, device: d.dev.ID}

	release, err := s.gates.For(d.dev.ID).Acquire(ctx)
	if err != nil {
		res.cancelled = true
		return res
	}
	defer release()

	// The call itself is bounded by the timeout, not by ctx: cancellation
	// takes effect at the next suspension boundary, never mid-transaction.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	res.started = s.now()
	res.updates, res.err = Execute(callCtx, d.dev, d.job, res.started)
	return res
}

// ---- loop ----

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.dispatchDue()
		if next.IsZero() {
			timer.Stop()
		} else {
			timer.Reset(max(next.Sub(s.now()), 0))
		}

		select {
		case <-ctx.Done():
			s.drain()
			return
		case r := <-s.results:
			s.apply(r)
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// drain stops dispatching and applies every outstanding result.
func (s *Scheduler) drain() {
	close(s.work)
	for {
		s.mu.Lock()
		n := len(s.inflight)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		s.apply(<-s.results)
	}
}

// dispatchDue moves due jobs to InFlight and returns the earliest future due time.
func (s *Scheduler) dispatchDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next time.Time
	var due []*PollJob

	for _, j := range s.jobs {
		if j.State != Pending {
			continue
		}
		if j.Due.After(now) {
			if next.IsZero() || j.Due.Before(next) {
				next = j.Due
			}
			continue
		}
		due = append(due, j)
	}

	sort.Slice(due, func(a, b int) bool {
		if !due[a].Due.Equal(due[b].Due) {
			return due[a].Due.Before(due[b].Due)
		}
		return due[a].ID < due[b].ID
	})

	for _, j := range due {
		if _, busy := s.inflight[j.Device]; busy {
			continue // re-evaluated when the device's result lands
		}
		if s.blocked(j) {
			continue // re-evaluated on Wake
		}
		dev, ok := s.devices[j.Device]
		if !ok {
			continue
		}

		select {
		case s.work <- dispatch{job: j, dev: dev}:
		default:
			return next // pool saturated; a landing result re-runs dispatch
		}

		j.dispatch()
		s.inflight[j.Device] = j
		s.emit(j, Pending, j.Attempt+1, false, now)
	}
	return next
}

func (s *Scheduler) blocked(j *PollJob) bool {
	if s.blocker == nil || j.Op.Modbus == nil {
		return false
	}
	return s.blocker.Blocked(j.Device, j.Op.Modbus.Range)
}

// apply lands one result.
func (s *Scheduler) apply(r result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.inflight[r.device]; ok && cur == r.job {
		delete(s.inflight, r.device)
	}

	j := r.job
	live := s.jobs[j.ID] == j
	now := s.now()

	if r.cancelled {
		if live {
			j.rearm()
			s.emit(j, InFlight, j.Attempt, false, now)
		}
		return
	}

	if r.err == nil {
		updates := r.updates
		if !live {
			// In-flight jobs of a replaced config still complete.
			updates = s.current(updates)
		}
		s.store.Apply(updates)
		if _, ok := s.devices[r.device]; ok {
			s.tracker.Observe(r.device, nil, false, now)
		}
		if !live {
			return
		}

		attempt := j.Attempt + 1
		j.succeed(r.started)
		s.emit(j, InFlight, attempt, false, now)
		if j.refresh {
			j.refresh = false
			j.Due = now
		}
		j.rearm()
		s.emit(j, Succeeded, 0, false, now)
		return
	}

	if !live {
		s.log.Debug("poll failed for replaced job", "job", j.ID, "err", r.err)
		return
	}

	kind := fault.KindOf(r.err)
	attempt := j.Attempt + 1
	terminal := j.fail(now, r.err, s.cfg.Retry)
	s.emit(j, InFlight, attempt, terminal, now)
	j.refresh = false

	if terminal {
		for _, id := range j.PointIDs() {
			s.store.MarkFailed(id, kind)
		}
		s.log.Warn("poll failed",
			"job", j.ID, "device", j.Device, "attempt", attempt, "kind", kind.String(), "err", r.err)
	} else {
		for _, id := range j.PointIDs() {
			s.store.MarkStale(id)
		}
		s.log.Debug("poll failed, retrying",
			"job", j.ID, "device", j.Device, "attempt", attempt, "retry_in", j.Due.Sub(now), "err", r.err)
	}
	s.tracker.Observe(r.device, r.err, terminal, now)

	if kind.Config() {
		// unpollable until configuration is reloaded
		delete(s.jobs, j.ID)
		s.log.Error("job removed", "job", j.ID, "device", j.Device, "err", r.err)
		return
	}

	j.rearm()
	s.emit(j, Failed, 0, false, now)
}

// current drops updates for points no longer configured.
func (s *Scheduler) current(updates []store.Update) []store.Update {
	out := updates[:0:0]
	for _, u := range updates {
		if _, ok := s.points[u.ID]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *Scheduler) emit(j *PollJob, from JobState, attempt int, terminal bool, now time.Time) {
	if s.cfg.OnTransition == nil {
		return
	}
	s.cfg.OnTransition(Transition{
		JobID:    j.ID,
		Device:   j.Device,
		From:     from,
		To:       j.State,
		Attempt:  attempt,
		Terminal: terminal,
		Err:      j.LastErr,
		At:       now,
	})
}
