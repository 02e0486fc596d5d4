// Package review runs the staked peer-review protocol.
//
// Opening a session escrows one point from the evaluatee; the escrow,
// the session row and its deadline are committed in one transaction.
// The evaluator's verdict settles atomically too: the reward, the
// countdown award, the contract transition and the session close either
// all land or none do. An expired session refunds the stake, burns an
// evaluator point and puts the contract back up for review.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

// CreateResult is the discriminated outcome of opening a session.
type CreateResult string

const (
	CreateOK              CreateResult = "ok"
	CreateSelfReview      CreateResult = "self_review"
	CreateNotEnrolled     CreateResult = "not_enrolled"
	CreateBanned          CreateResult = "banned"
	CreateNoDelivered     CreateResult = "no_delivered_contract"
	CreateSessionOpen     CreateResult = "session_already_open"
	CreateRepeatEvaluator CreateResult = "evaluator_already_reviewed"
	CreateInsufficient    CreateResult = "insufficient_balance"
	CreateBusy            CreateResult = "busy"
)

// OutcomeResult is the discriminated outcome of a verdict submission.
type OutcomeResult string

const (
	OutcomeApproved         OutcomeResult = "approved"
	OutcomeRejected         OutcomeResult = "rejected"
	OutcomeInvalidScore     OutcomeResult = "invalid_score"
	OutcomeNotEvaluator     OutcomeResult = "not_evaluator"
	OutcomeNoOpenSession    OutcomeResult = "no_open_session"
	OutcomeDeadlinePassed   OutcomeResult = "deadline_passed"
	OutcomeAlreadySubmitted OutcomeResult = "already_submitted"
	OutcomeBusy             OutcomeResult = "busy"
)

// RatingResult is the discriminated outcome of the evaluatee's rating
// of the reviewer.
type RatingResult string

const (
	RatingOK                RatingResult = "ok"
	RatingInvalid           RatingResult = "invalid_rating"
	RatingNotFound          RatingResult = "session_not_found"
	RatingNotEvaluatee      RatingResult = "not_evaluatee"
	RatingEvaluatorMismatch RatingResult = "evaluator_mismatch"
	RatingNotClosed         RatingResult = "session_not_closed"
	RatingAlreadySet        RatingResult = "already_rated"
	RatingBusy              RatingResult = "busy"
)

// Verdict is the evaluator's scored judgement of a delivery.
type Verdict struct {
	Score      int    `json:"score"`      // 0..5, >= 3 approves
	Difficulty int    `json:"difficulty"` // 1..5
	Comment    string `json:"comment"`
}

// Outcome reports how a verdict settled.
type Outcome struct {
	Result      OutcomeResult         `json:"result"`
	AwardedDays int                   `json:"awarded_days"`
	Session     *domain.ReviewSession `json:"session,omitempty"`
}

// Service owns the review protocol.
type Service struct {
	db *sqlite.DB

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a review service.
func New(db *sqlite.DB) *Service {
	return &Service{db: db, Now: time.Now}
}

// ─── Session Creation ───────────────────────────────────────────────────────

// CreateSession opens a staked review of the evaluatee's delivered
// contract by the named evaluator. Every precondition, the escrow debit
// and the session insert run in one transaction; the escrow's reference
// key is the session id, so the later refund pairs with it exactly.
func (s *Service) CreateSession(ctx context.Context, tenant, evaluatee, evaluator string) (CreateResult, *domain.ReviewSession, error) {
	if evaluatee == evaluator {
		return CreateSelfReview, nil, nil
	}

	now := s.Now()
	result := CreateOK
	var session *domain.ReviewSession

	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		for _, user := range []string{evaluatee, evaluator} {
			m, err := tx.GetMember(tenant, user)
			if err != nil {
				return err
			}
			if m == nil {
				result = CreateNotEnrolled
				return nil
			}
			if m.Banned() {
				result = CreateBanned
				return nil
			}
		}

		c, err := tx.GetActiveContractForOwner(tenant, evaluatee)
		if err != nil {
			return err
		}
		if c == nil || c.Status != domain.ContractDelivered {
			result = CreateNoDelivered
			return nil
		}

		open, err := tx.GetOpenSessionForContract(c.ID)
		if err != nil {
			return err
		}
		if open != nil {
			result = CreateSessionOpen
			return nil
		}
		repeat, err := tx.HasEvaluatorSession(c.ID, evaluator)
		if err != nil {
			return err
		}
		if repeat {
			result = CreateRepeatEvaluator
			return nil
		}

		wallet, err := tx.EnsureWallet(tenant, evaluatee, domain.SeedBalance, now)
		if err != nil {
			return err
		}
		if wallet.Balance < domain.EscrowCost {
			result = CreateInsufficient
			return nil
		}

		candidate := &domain.ReviewSession{
			ID:         uuid.NewString(),
			Tenant:     tenant,
			ContractID: c.ID,
			Evaluatee:  evaluatee,
			Evaluator:  evaluator,
			Stage:      domain.StageOpen,
			DueAt:      now.Add(domain.ReviewDeadlineHours * time.Hour),
			CreatedAt:  now,
		}
		ok, err := tx.InsertSession(candidate)
		if err != nil {
			return err
		}
		if !ok {
			// Lost a creation race on the open-session or evaluator index.
			result = CreateSessionOpen
			return nil
		}

		if _, err := tx.ApplyDelta(&domain.LedgerEntry{
			Tenant:         tenant,
			Account:        evaluatee,
			RelatedAccount: evaluator,
			EntryType:      domain.EntryEscrow,
			Delta:          -domain.EscrowCost,
			ReferenceKey:   candidate.ID,
			Note:           "review stake",
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		session = candidate
		log.Printf("[review] session %s opened: %s reviews %s/%s, due %s",
			candidate.ID, evaluator, tenant, evaluatee, candidate.DueAt.Format(time.RFC3339))
		return nil
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return CreateBusy, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	return result, session, nil
}

// ─── Verdict ────────────────────────────────────────────────────────────────

// SubmitOutcome settles the evaluator's verdict on the evaluatee's open
// session. The evaluator is rewarded whichever way the verdict goes. A
// score of three or better approves: the contract concludes and the
// evaluatee's countdown is extended by the computed award. A rejection
// returns the contract to the delivered stage for resubmission.
func (s *Service) SubmitOutcome(ctx context.Context, tenant, evaluator, evaluatee string, v Verdict) (*Outcome, error) {
	if v.Score < 0 || v.Score > 5 || v.Difficulty < 1 || v.Difficulty > 5 {
		return &Outcome{Result: OutcomeInvalidScore}, nil
	}

	now := s.Now()
	out := &Outcome{}

	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetActiveContractForOwner(tenant, evaluatee)
		if err != nil {
			return err
		}
		if c == nil {
			out.Result = OutcomeNoOpenSession
			return nil
		}
		session, err := tx.GetOpenSessionForContract(c.ID)
		if err != nil {
			return err
		}
		if session == nil {
			out.Result = OutcomeNoOpenSession
			return nil
		}
		if session.Evaluator != evaluator {
			out.Result = OutcomeNotEvaluator
			return nil
		}
		// A verdict past the deadline belongs to the expiry sweep, which
		// refunds the stake instead of paying the reward.
		if session.DueAt.Before(now) {
			out.Result = OutcomeDeadlinePassed
			return nil
		}

		claimed, err := tx.ClaimEvaluator(session.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			out.Result = OutcomeAlreadySubmitted
			return nil
		}

		// The evaluator earns the reward for completing the review,
		// approved or rejected alike.
		if _, err := tx.EnsureWallet(tenant, evaluator, domain.SeedBalance, now); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(&domain.LedgerEntry{
			Tenant:         tenant,
			Account:        evaluator,
			RelatedAccount: evaluatee,
			EntryType:      domain.EntryReward,
			Delta:          domain.EvaluatorReward,
			ReferenceKey:   session.ID,
			Note:           "review completed",
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		approved := v.Score >= 3
		stage := domain.StageRejected
		awardedDays := 0

		if approved {
			stage = domain.StageApproved
			deliveredAt := now
			if c.DeliveredAt != nil {
				deliveredAt = *c.DeliveredAt
			}
			awardedDays = domain.ComputeAwardedDays(c.AcceptedAt, deliveredAt, c.DurationHours, v.Difficulty)

			m, err := tx.GetMember(tenant, evaluatee)
			if err != nil {
				return err
			}
			if m != nil && !m.Banned() {
				if err := tx.ExtendBlackhole(m.ID, m.BlackholeDeadline.AddDate(0, 0, awardedDays)); err != nil {
					return err
				}
			}
			if _, err := tx.Conclude(c.ID, now); err != nil {
				return err
			}
		} else {
			// Rejection leaves the contract delivered so the owner can
			// resubmit and seek a fresh evaluator.
			if _, err := tx.RevertToDelivered(c.ID); err != nil {
				return err
			}
		}

		if err := tx.CloseOutcome(session.ID, stage, v.Score, v.Difficulty, approved, awardedDays, v.Comment, now); err != nil {
			return err
		}

		if approved {
			out.Result = OutcomeApproved
		} else {
			out.Result = OutcomeRejected
		}
		out.AwardedDays = awardedDays
		out.Session, err = tx.GetSession(session.ID)
		if err != nil {
			return err
		}
		observability.ReviewOutcomes.WithLabelValues(string(stage)).Inc()
		log.Printf("[review] session %s closed %s: score %d, difficulty %d, awarded %d days",
			session.ID, stage, v.Score, v.Difficulty, awardedDays)
		return nil
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return &Outcome{Result: OutcomeBusy}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("submit outcome: %w", err)
	}
	return out, nil
}

// ─── Reviewer Rating ────────────────────────────────────────────────────────

// RateReviewer records the evaluatee's one-shot quality rating of the
// evaluator on a closed session. The caller names both parties; a
// rating aimed at the wrong evaluator is refused.
func (s *Service) RateReviewer(ctx context.Context, tenant, evaluatee, evaluator, sessionID string, rating int) (RatingResult, error) {
	if rating < 0 || rating > 5 {
		return RatingInvalid, nil
	}

	result := RatingOK
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		session, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		switch {
		case session == nil || session.Tenant != tenant:
			result = RatingNotFound
			return nil
		case session.Evaluatee != evaluatee:
			result = RatingNotEvaluatee
			return nil
		case session.Evaluator != evaluator:
			result = RatingEvaluatorMismatch
			return nil
		case !session.Closed():
			result = RatingNotClosed
			return nil
		}

		ok, err := tx.SetReviewerRating(sessionID, rating)
		if err != nil {
			return err
		}
		if !ok {
			result = RatingAlreadySet
		}
		return nil
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return RatingBusy, nil
	}
	if err != nil {
		return "", fmt.Errorf("rate reviewer: %w", err)
	}
	return result, nil
}

// ─── Expiry Sweep ───────────────────────────────────────────────────────────

// SettleExpiredReviews settles every open session past its deadline:
// the evaluatee's stake comes back, the evaluator loses a point for
// going silent, and the contract returns to the delivered stage. Each
// session settles in its own transaction, claimed by a conditional
// stage flip, so a concurrent sweep settles each session exactly once.
func (s *Service) SettleExpiredReviews(ctx context.Context, tenant string) (int, error) {
	now := s.Now()

	var expired []domain.ReviewSession
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		expired, err = tx.ListExpiredOpenSessions(tenant, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	settled := 0
	for i := range expired {
		session := &expired[i]
		var claimed bool
		err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
			var err error
			claimed, err = s.settleExpired(tx, session, now)
			return err
		})
		if err != nil {
			log.Printf("[review] settle %s failed: %v", session.ID, err)
			continue
		}
		if claimed {
			settled++
		}
	}
	return settled, nil
}

func (s *Service) settleExpired(tx *sqlite.Tx, session *domain.ReviewSession, now time.Time) (bool, error) {
	claimed, err := tx.ClaimExpired(session.ID, now)
	if err != nil || !claimed {
		return false, err
	}

	// Refund pairs with the escrow on the same reference key.
	if _, err := tx.EnsureWallet(session.Tenant, session.Evaluatee, domain.SeedBalance, now); err != nil {
		return false, err
	}
	if _, err := tx.ApplyDelta(&domain.LedgerEntry{
		Tenant:         session.Tenant,
		Account:        session.Evaluatee,
		RelatedAccount: session.Evaluator,
		EntryType:      domain.EntryRefund,
		Delta:          domain.EscrowCost,
		ReferenceKey:   session.ID,
		Note:           "review expired, stake returned",
		CreatedAt:      now,
	}); err != nil {
		return false, err
	}

	if _, err := tx.EnsureWallet(session.Tenant, session.Evaluator, domain.SeedBalance, now); err != nil {
		return false, err
	}
	if _, err := tx.ApplyDelta(&domain.LedgerEntry{
		Tenant:         session.Tenant,
		Account:        session.Evaluator,
		RelatedAccount: session.Evaluatee,
		EntryType:      domain.EntryPenalty,
		Delta:          -domain.TimeoutPenalty,
		ReferenceKey:   session.ID,
		Note:           "review expired unscored",
		CreatedAt:      now,
	}); err != nil {
		return false, err
	}

	if _, err := tx.RevertToDelivered(session.ContractID); err != nil {
		return false, err
	}
	observability.ReviewOutcomes.WithLabelValues(string(domain.StageExpired)).Inc()
	log.Printf("[review] session %s expired: stake refunded, evaluator penalized", session.ID)
	return true, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Session returns a session by id within the tenant, or
// domain.ErrSessionNotFound.
func (s *Service) Session(ctx context.Context, tenant, id string) (*domain.ReviewSession, error) {
	var session *domain.ReviewSession
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		session, err = tx.GetSession(id)
		if err != nil {
			return err
		}
		if session == nil || session.Tenant != tenant {
			return domain.ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// OpenSessionFor returns the open session on the evaluatee's active
// contract, or nil.
func (s *Service) OpenSessionFor(ctx context.Context, tenant, evaluatee string) (*domain.ReviewSession, error) {
	var session *domain.ReviewSession
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetActiveContractForOwner(tenant, evaluatee)
		if err != nil || c == nil {
			return err
		}
		session, err = tx.GetOpenSessionForContract(c.ID)
		return err
	})
	return session, err
}

// EarliestDueAt returns the next session deadline the scheduler should
// wake for, or nil when no sessions are open.
func (s *Service) EarliestDueAt(ctx context.Context, tenant string) (*time.Time, error) {
	var t *time.Time
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		t, err = tx.EarliestOpenSessionDueAt(tenant)
		return err
	})
	return t, err
}
