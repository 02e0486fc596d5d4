// Package scheduler drives settlement off wall-clock deadlines.
//
// Timer handles live only in memory and are never a source of truth:
// every deadline is durable in the store, so cancelling all of a
// tenant's jobs and recomputing from scratch is always safe — that is
// exactly what Recover does on startup and on reconfiguration. The
// periodic monitor is phase-aligned with a per-tenant offset so many
// tenants do not thunder-herd on the same tick.
package scheduler

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
)

// JobType names a one-shot deadline job. One job per (tenant, type) is
// live at a time; rescheduling replaces the previous timer.
type JobType string

const (
	JobMemberSweep   JobType = "member_sweep"
	JobContractSweep JobType = "contract_sweep"
	JobReviewSweep   JobType = "review_sweep"
	JobMonitor       JobType = "monitor"
)

// maxTimerDelay caps a single timer hop. Waits beyond it are reached by
// chaining successive timers until the target instant.
const maxTimerDelay = 24 * time.Hour

// Settler is the settlement surface the scheduler drives. Each sweep
// is idempotent, so firing one spuriously or twice is harmless.
type Settler interface {
	SettleExpiredMembers(ctx context.Context, tenant string) (int, error)
	SettleExpiredContracts(ctx context.Context, tenant string) (int, error)
	SettleExpiredReviews(ctx context.Context, tenant string) (int, error)
}

// Deadlines reports the earliest outstanding durable deadline per
// concern, nil when a concern has none.
type Deadlines interface {
	EarliestMemberDeadline(ctx context.Context, tenant string) (*time.Time, error)
	EarliestContractDeadline(ctx context.Context, tenant string) (*time.Time, error)
	EarliestReviewDeadline(ctx context.Context, tenant string) (*time.Time, error)
}

type jobKey struct {
	tenant string
	typ    JobType
}

type job struct {
	cancel chan struct{}
	once   sync.Once
}

func (j *job) stop() { j.once.Do(func() { close(j.cancel) }) }

// Scheduler owns the per-tenant timer index.
type Scheduler struct {
	settler   Settler
	deadlines Deadlines
	interval  time.Duration

	mu   sync.Mutex
	jobs map[jobKey]*job

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a scheduler. interval is the periodic monitor cadence.
func New(settler Settler, deadlines Deadlines, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		settler:   settler,
		deadlines: deadlines,
		interval:  interval,
		jobs:      make(map[jobKey]*job),
		Now:       time.Now,
	}
}

// ─── Job Index ──────────────────────────────────────────────────────────────

// register installs a job handle, stopping any previous job under the
// same key, and returns its cancel channel.
func (s *Scheduler) register(key jobKey) (*job, chan struct{}) {
	j := &job{cancel: make(chan struct{})}
	s.mu.Lock()
	if prev, ok := s.jobs[key]; ok {
		prev.stop()
	}
	s.jobs[key] = j
	s.mu.Unlock()
	return j, j.cancel
}

// unregister removes a finished job, but only if it still owns the key.
func (s *Scheduler) unregister(key jobKey, j *job) {
	s.mu.Lock()
	if s.jobs[key] == j {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
}

// CancelTenant stops every live job for the tenant. Durable deadlines
// are untouched; Recover rebuilds the timers from them.
func (s *Scheduler) CancelTenant(tenant string) {
	s.mu.Lock()
	for key, j := range s.jobs {
		if key.tenant == tenant {
			j.stop()
			delete(s.jobs, key)
		}
	}
	s.mu.Unlock()
}

// Stop cancels every job across all tenants.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, j := range s.jobs {
		j.stop()
		delete(s.jobs, key)
	}
	s.mu.Unlock()
}

// ─── One-Shot Jobs ──────────────────────────────────────────────────────────

// ScheduleAt installs a fire-once job at an absolute instant, replacing
// any pending job of the same type for the tenant. The wait is covered
// by chained bounded timers, so arbitrarily distant deadlines are safe.
func (s *Scheduler) ScheduleAt(ctx context.Context, tenant string, typ JobType, at time.Time) {
	key := jobKey{tenant: tenant, typ: typ}
	j, cancel := s.register(key)

	go func() {
		defer s.unregister(key, j)
		for {
			remaining := at.Sub(s.Now())
			if remaining <= 0 {
				s.fire(ctx, tenant, typ)
				return
			}
			hop := remaining
			if hop > maxTimerDelay {
				hop = maxTimerDelay
			}
			timer := time.NewTimer(hop)
			select {
			case <-timer.C:
			case <-cancel:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// fire runs the settlement a job type stands for, then schedules the
// next outstanding deadline of the same concern.
func (s *Scheduler) fire(ctx context.Context, tenant string, typ JobType) {
	var (
		n   int
		err error
	)
	switch typ {
	case JobMemberSweep:
		n, err = s.settler.SettleExpiredMembers(ctx, tenant)
	case JobContractSweep:
		n, err = s.settler.SettleExpiredContracts(ctx, tenant)
	case JobReviewSweep:
		n, err = s.settler.SettleExpiredReviews(ctx, tenant)
	default:
		return
	}
	if err != nil {
		observability.SweepErrors.WithLabelValues(string(typ)).Inc()
		log.Printf("[scheduler] %s for %s: %v", typ, tenant, err)
		return
	}
	if n > 0 {
		observability.SweepSettlements.WithLabelValues(string(typ)).Add(float64(n))
		log.Printf("[scheduler] %s for %s settled %d", typ, tenant, n)
	}
	s.scheduleNext(ctx, tenant, typ)
}

// scheduleNext re-arms the job type at the concern's next durable
// deadline, if one exists.
func (s *Scheduler) scheduleNext(ctx context.Context, tenant string, typ JobType) {
	var (
		at  *time.Time
		err error
	)
	switch typ {
	case JobMemberSweep:
		at, err = s.deadlines.EarliestMemberDeadline(ctx, tenant)
	case JobContractSweep:
		at, err = s.deadlines.EarliestContractDeadline(ctx, tenant)
	case JobReviewSweep:
		at, err = s.deadlines.EarliestReviewDeadline(ctx, tenant)
	default:
		return
	}
	if err != nil {
		log.Printf("[scheduler] next deadline for %s/%s: %v", tenant, typ, err)
		return
	}
	if at != nil {
		s.ScheduleAt(ctx, tenant, typ, *at)
	}
}

// ─── Periodic Monitor ───────────────────────────────────────────────────────

// StartMonitor runs all three sweeps for the tenant on the configured
// interval. The first tick is aligned to the next interval boundary
// plus a per-tenant offset so tenants registered together do not all
// fire at once.
func (s *Scheduler) StartMonitor(ctx context.Context, tenant string) {
	key := jobKey{tenant: tenant, typ: JobMonitor}
	j, cancel := s.register(key)

	go func() {
		defer s.unregister(key, j)

		first := s.delayToAlignedTick(tenant)
		timer := time.NewTimer(first)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
			case <-cancel:
				return
			case <-ctx.Done():
				return
			}
			s.runSweeps(ctx, tenant)
			timer.Reset(s.interval)
		}
	}()
}

// delayToAlignedTick returns the wait until the next interval boundary,
// shifted by a stable per-tenant offset inside the interval.
func (s *Scheduler) delayToAlignedTick(tenant string) time.Duration {
	now := s.Now()
	boundary := now.Truncate(s.interval).Add(s.interval)

	h := fnv.New32a()
	h.Write([]byte(tenant))
	offset := time.Duration(h.Sum32()) % s.interval

	next := boundary.Add(offset)
	if next.Sub(now) > s.interval {
		next = next.Add(-s.interval)
	}
	if next.Before(now) {
		next = next.Add(s.interval)
	}
	return next.Sub(now)
}

func (s *Scheduler) runSweeps(ctx context.Context, tenant string) {
	sweeps := []struct {
		typ JobType
		run func(context.Context, string) (int, error)
	}{
		{JobMemberSweep, s.settler.SettleExpiredMembers},
		{JobContractSweep, s.settler.SettleExpiredContracts},
		{JobReviewSweep, s.settler.SettleExpiredReviews},
	}
	for _, sw := range sweeps {
		n, err := sw.run(ctx, tenant)
		if err != nil {
			observability.SweepErrors.WithLabelValues(string(sw.typ)).Inc()
			log.Printf("[scheduler] %s for %s: %v", sw.typ, tenant, err)
			continue
		}
		if n > 0 {
			observability.SweepSettlements.WithLabelValues(string(sw.typ)).Add(float64(n))
			log.Printf("[scheduler] %s for %s settled %d", sw.typ, tenant, n)
		}
	}
}

// ─── Recovery ───────────────────────────────────────────────────────────────

// deadlineProbe pairs a sweep's job type with its earliest outstanding
// durable deadline.
type deadlineProbe struct {
	typ JobType
	at  *time.Time
}

// Recover rebuilds a tenant's timers from durable state. All pending
// jobs are cancelled first; every deadline already in the past is
// settled immediately, oldest first, before any future job is armed, so
// a prolonged outage cannot skip a transition.
func (s *Scheduler) Recover(ctx context.Context, tenant string) error {
	s.CancelTenant(tenant)
	now := s.Now()

	memberAt, err := s.deadlines.EarliestMemberDeadline(ctx, tenant)
	if err != nil {
		return err
	}
	contractAt, err := s.deadlines.EarliestContractDeadline(ctx, tenant)
	if err != nil {
		return err
	}
	reviewAt, err := s.deadlines.EarliestReviewDeadline(ctx, tenant)
	if err != nil {
		return err
	}

	probes := []deadlineProbe{
		{JobMemberSweep, memberAt},
		{JobContractSweep, contractAt},
		{JobReviewSweep, reviewAt},
	}

	// Overdue concerns settle now, in deadline order.
	var overdue []deadlineProbe
	for _, p := range probes {
		if p.at != nil && p.at.Before(now) {
			overdue = append(overdue, p)
		}
	}
	for i := 0; i < len(overdue); i++ {
		for j := i + 1; j < len(overdue); j++ {
			if overdue[j].at.Before(*overdue[i].at) {
				overdue[i], overdue[j] = overdue[j], overdue[i]
			}
		}
	}
	for _, p := range overdue {
		s.fire(ctx, tenant, p.typ)
	}

	// Future deadlines get one-shot jobs; fire already re-armed the
	// overdue ones.
	for _, p := range probes {
		if p.at != nil && !p.at.Before(now) {
			s.ScheduleAt(ctx, tenant, p.typ, *p.at)
		}
	}

	s.StartMonitor(ctx, tenant)
	log.Printf("[scheduler] recovered tenant %s (%d overdue concerns settled)", tenant, len(overdue))
	return nil
}
