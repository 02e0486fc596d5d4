// Package lifecycle manages membership: enrollment, the blackhole
// countdown, the freeze allowance that can pause it, and the removal
// sweep that settles expired members.
//
// Freeze activation is the one hot spot where two requests can race on
// the same row, so it runs as a bounded compare-and-swap loop: read,
// compute, conditionally write, and on a lost race re-read and try
// again. The durable ban mark always lands before the best-effort
// platform removal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

const casAttempts = 3

// FreezeResult is the discriminated outcome of a freeze activation.
type FreezeResult string

const (
	FreezeOK           FreezeResult = "ok"
	FreezeInvalidDays  FreezeResult = "invalid_days"
	FreezeInsufficient FreezeResult = "insufficient_allowance"
	FreezeNotEnrolled  FreezeResult = "not_enrolled"
	FreezeBanned       FreezeResult = "banned"
	FreezeBusy         FreezeResult = "busy"
)

// FreezeOutcome carries the result kind plus the state the caller
// should display.
type FreezeOutcome struct {
	Result            FreezeResult `json:"result"`
	DaysAvailable     int          `json:"days_available"`
	FreezeActiveUntil *time.Time   `json:"freeze_active_until,omitempty"`
	BlackholeDeadline time.Time    `json:"blackhole_deadline"`
}

// Status is a read-only view of a member's countdown.
type Status struct {
	Enrolled          bool       `json:"enrolled"`
	Banned            bool       `json:"banned"`
	Frozen            bool       `json:"frozen"`
	DaysRemaining     int        `json:"days_remaining"`
	BlackholeDeadline time.Time  `json:"blackhole_deadline"`
	FreezeDays        int        `json:"freeze_days_available"`
	FreezeActiveUntil *time.Time `json:"freeze_active_until,omitempty"`
}

// Service owns member lifecycle operations.
type Service struct {
	db       *sqlite.DB
	platform domain.Platform

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a lifecycle service.
func New(db *sqlite.DB, platform domain.Platform) *Service {
	return &Service{db: db, platform: platform, Now: time.Now}
}

// ─── Enrollment ─────────────────────────────────────────────────────────────

// EnrollMember registers a user in a tenant with the initial countdown
// and freeze allowance. Enrolling twice is a no-op that returns the
// existing member.
func (s *Service) EnrollMember(ctx context.Context, tenant, user string) (*domain.Member, error) {
	now := s.Now()
	deadline, freezeDays, resetAt := domain.InitialTimeline(now)

	var member *domain.Member
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		inserted, err := tx.InsertMember(&domain.Member{
			Tenant:                 tenant,
			User:                   user,
			State:                  domain.MemberNormal,
			BlackholeDeadline:      deadline,
			FreezeDaysAvailable:    freezeDays,
			FreezeAllowanceResetAt: resetAt,
			JoinedAt:               now,
		})
		if err != nil {
			return err
		}
		if inserted {
			log.Printf("[lifecycle] enrolled %s/%s, countdown ends %s", tenant, user, deadline.Format(time.RFC3339))
		}
		member, err = tx.GetMember(tenant, user)
		return err
	})
	return member, err
}

// ─── Allowance Refresh ──────────────────────────────────────────────────────

// refreshMember lazily applies time-driven state: a lapsed freeze is
// cleared and a passed allowance period resets the freeze budget. The
// reset date rolls forward by whole periods so a long-idle member does
// not accumulate multiple allowances.
func (s *Service) refreshMember(tx *sqlite.Tx, m *domain.Member, now time.Time) (*domain.Member, error) {
	changed := false

	freezeUntil := m.FreezeActiveUntil
	if freezeUntil != nil && !freezeUntil.After(now) {
		freezeUntil = nil
		changed = true
	}

	freezeDays := m.FreezeDaysAvailable
	resetAt := m.FreezeAllowanceResetAt
	if !now.Before(resetAt) {
		for !now.Before(resetAt) {
			resetAt = resetAt.AddDate(0, 0, domain.FreezeAllowancePeriodDays)
		}
		freezeDays = domain.FreezeDaysPerPeriod
		changed = true
	}

	if !changed {
		return m, nil
	}
	if err := tx.UpdateFreezeAllowance(m.ID, freezeUntil, freezeDays, resetAt); err != nil {
		return nil, err
	}
	return tx.GetMember(m.Tenant, m.User)
}

// ─── Freeze Activation ──────────────────────────────────────────────────────

// ActivateFreeze spends days of freeze allowance to push the blackhole
// deadline out by the same amount. Concurrent activations on one member
// are resolved by compare-and-swap: exactly one wins per attempt, and
// after casAttempts lost races the call reports the latest state.
func (s *Service) ActivateFreeze(ctx context.Context, tenant, user string, days int) (*FreezeOutcome, error) {
	if days < 1 || days > domain.MaxFreezeDaysPerUse {
		return &FreezeOutcome{Result: FreezeInvalidDays}, nil
	}

	var outcome *FreezeOutcome
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		for attempt := 0; attempt < casAttempts; attempt++ {
			m, err := tx.GetMember(tenant, user)
			if err != nil {
				return err
			}
			if m == nil {
				outcome = &FreezeOutcome{Result: FreezeNotEnrolled}
				return nil
			}
			if m.Banned() {
				outcome = &FreezeOutcome{Result: FreezeBanned}
				return nil
			}

			now := s.Now()
			m, err = s.refreshMember(tx, m, now)
			if err != nil {
				return err
			}
			if m.FreezeDaysAvailable < days {
				outcome = freezeStateOutcome(FreezeInsufficient, m)
				return nil
			}

			// Activating during a freeze stacks: the new pause starts
			// where the current one ends.
			base := now
			if m.FreezeActiveUntil != nil && m.FreezeActiveUntil.After(now) {
				base = *m.FreezeActiveUntil
			}
			until := base.AddDate(0, 0, days)
			newDeadline := m.BlackholeDeadline.AddDate(0, 0, days)
			ok, err := tx.CASActivateFreeze(m, m.FreezeDaysAvailable-days, until, newDeadline)
			if err != nil {
				return err
			}
			if ok {
				log.Printf("[lifecycle] freeze activated for %s/%s: %d days, deadline now %s",
					tenant, user, days, newDeadline.Format(time.RFC3339))
				outcome = &FreezeOutcome{
					Result:            FreezeOK,
					DaysAvailable:     m.FreezeDaysAvailable - days,
					FreezeActiveUntil: &until,
					BlackholeDeadline: newDeadline,
				}
				return nil
			}
			// Lost the swap; loop re-reads and re-validates.
		}

		m, err := tx.GetMember(tenant, user)
		if err != nil {
			return err
		}
		outcome = freezeStateOutcome(FreezeInsufficient, m)
		return nil
	})
	if errors.Is(err, sqlite.ErrBusy) {
		observability.FreezeActivations.WithLabelValues(string(FreezeBusy)).Inc()
		return &FreezeOutcome{Result: FreezeBusy}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activate freeze: %w", err)
	}
	observability.FreezeActivations.WithLabelValues(string(outcome.Result)).Inc()
	return outcome, nil
}

func freezeStateOutcome(result FreezeResult, m *domain.Member) *FreezeOutcome {
	return &FreezeOutcome{
		Result:            result,
		DaysAvailable:     m.FreezeDaysAvailable,
		FreezeActiveUntil: m.FreezeActiveUntil,
		BlackholeDeadline: m.BlackholeDeadline,
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// BlackholeStatus reports the member's countdown after lazily applying
// any due allowance refresh.
func (s *Service) BlackholeStatus(ctx context.Context, tenant, user string) (*Status, error) {
	now := s.Now()
	var st *Status
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		m, err := tx.GetMember(tenant, user)
		if err != nil {
			return err
		}
		if m == nil {
			st = &Status{}
			return nil
		}
		if !m.Banned() {
			if m, err = s.refreshMember(tx, m, now); err != nil {
				return err
			}
		}
		st = &Status{
			Enrolled:          true,
			Banned:            m.Banned(),
			Frozen:            m.Frozen(now),
			DaysRemaining:     domain.DaysRemaining(m.BlackholeDeadline, now),
			BlackholeDeadline: m.BlackholeDeadline,
			FreezeDays:        m.FreezeDaysAvailable,
			FreezeActiveUntil: m.FreezeActiveUntil,
		}
		return nil
	})
	return st, err
}

// WorkEligibility reports whether a user may act in the economy, with a
// machine-readable reason when they may not. A member under an active
// freeze is paused, not eligible.
func (s *Service) WorkEligibility(ctx context.Context, tenant, user string) (eligible bool, reason string, err error) {
	now := s.Now()
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		m, err := tx.GetMember(tenant, user)
		if err != nil {
			return err
		}
		switch {
		case m == nil:
			reason = "not_enrolled"
		case m.Banned():
			reason = "banned"
		default:
			if m, err = s.refreshMember(tx, m, now); err != nil {
				return err
			}
			if m.Frozen(now) {
				reason = "frozen"
			} else {
				eligible = true
			}
		}
		return nil
	})
	return eligible, reason, err
}

// ─── Removal Sweep ──────────────────────────────────────────────────────────

// SettleExpiredMembers bans every member whose countdown has passed.
// The durable ban mark is committed first; the platform removal is
// best-effort and a failure only logs — the member stays banned either
// way, and the next sweep does not double-settle.
func (s *Service) SettleExpiredMembers(ctx context.Context, tenant string) (int, error) {
	now := s.Now()

	var settled []domain.Member
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		expired, err := tx.ListExpiredMembers(tenant, now)
		if err != nil {
			return err
		}
		for _, m := range expired {
			banned, err := tx.MarkBanned(m.ID, now)
			if err != nil {
				return err
			}
			if banned {
				settled = append(settled, m)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("settle expired members: %w", err)
	}

	for _, m := range settled {
		reason := fmt.Sprintf("blackhole countdown expired at %s", m.BlackholeDeadline.Format(time.RFC3339))
		if err := s.platform.BanMember(ctx, tenant, m.User, reason); err != nil {
			log.Printf("[lifecycle] platform ban failed for %s/%s (ban recorded): %v", tenant, m.User, err)
		}
		notice := fmt.Sprintf("member %s removed: %s", m.User, reason)
		if err := s.platform.PostSettlement(ctx, tenant, notice); err != nil {
			log.Printf("[lifecycle] settlement notice failed for %s/%s: %v", tenant, m.User, err)
		}
	}
	if len(settled) > 0 {
		observability.MembersBanned.Add(float64(len(settled)))
		log.Printf("[lifecycle] settled %d expired members in %s", len(settled), tenant)
	}
	return len(settled), nil
}

// EarliestDeadline returns the next blackhole deadline the scheduler
// should wake for, or nil when the tenant has no live members.
func (s *Service) EarliestDeadline(ctx context.Context, tenant string) (*time.Time, error) {
	var t *time.Time
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		t, err = tx.EarliestBlackholeDeadline(tenant)
		return err
	})
	return t, err
}
