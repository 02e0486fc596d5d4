// Package contract manages the project contract lifecycle: acceptance,
// delivery, and the failure sweep for contracts that blow their due
// date.
//
// A member holds at most one active contract; the store's partial
// unique index is the arbiter, so two racing accepts resolve without
// locks. Failure is claimed with a one-shot conditional update and the
// failure penalty is journaled in the same transaction, which makes a
// double sweep economically a no-op.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

// AcceptResult is the discriminated outcome of a contract acceptance.
type AcceptResult string

const (
	AcceptOK            AcceptResult = "ok"
	AcceptNotEnrolled   AcceptResult = "not_enrolled"
	AcceptBanned        AcceptResult = "banned"
	AcceptAlreadyActive AcceptResult = "already_active"
	AcceptInvalid       AcceptResult = "invalid_terms"
	AcceptBusy          AcceptResult = "busy"
)

// DeliveryResult is the discriminated outcome of a delivery submission.
type DeliveryResult string

const (
	DeliveryOK            DeliveryResult = "ok"
	DeliveryResubmitted   DeliveryResult = "resubmitted"
	DeliveryNoActive      DeliveryResult = "no_active_contract"
	DeliveryOverdueFailed DeliveryResult = "overdue_failed"
	DeliveryReviewPending DeliveryResult = "review_pending"
	DeliveryBusy          DeliveryResult = "busy"
)

// Terms are the caller-supplied fields of a new contract.
type Terms struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Requirement      string `json:"requirement"`
	ExpectedArtifact string `json:"expected_artifact"`
	DurationHours    int    `json:"duration_hours"`
}

// Service owns contract operations.
type Service struct {
	db *sqlite.DB

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a contract service.
func New(db *sqlite.DB) *Service {
	return &Service{db: db, Now: time.Now}
}

// ─── Acceptance ─────────────────────────────────────────────────────────────

// Accept opens a new contract for the owner. An overdue open contract
// still occupying the slot is failed (with its penalty) in the same
// transaction before the new one is considered, so a member is never
// wedged behind their own expired contract.
func (s *Service) Accept(ctx context.Context, tenant, owner string, terms Terms) (AcceptResult, *domain.Contract, error) {
	if terms.Title == "" || terms.DurationHours < 1 {
		return AcceptInvalid, nil, nil
	}

	now := s.Now()
	result := AcceptOK
	var accepted *domain.Contract

	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		m, err := tx.GetMember(tenant, owner)
		if err != nil {
			return err
		}
		if m == nil {
			result = AcceptNotEnrolled
			return nil
		}
		if m.Banned() {
			result = AcceptBanned
			return nil
		}

		active, err := tx.GetActiveContractForOwner(tenant, owner)
		if err != nil {
			return err
		}
		if active != nil {
			if active.Status == domain.ContractOpen && active.DueAt.Before(now) {
				if _, err := s.failContract(tx, active, now); err != nil {
					return err
				}
			} else {
				result = AcceptAlreadyActive
				accepted = active
				return nil
			}
		}

		c := &domain.Contract{
			ID:               uuid.NewString(),
			Tenant:           tenant,
			Owner:            owner,
			Title:            terms.Title,
			Description:      terms.Description,
			Requirement:      terms.Requirement,
			ExpectedArtifact: terms.ExpectedArtifact,
			DurationHours:    terms.DurationHours,
			AcceptedAt:       now,
			DueAt:            now.Add(time.Duration(terms.DurationHours) * time.Hour),
			Status:           domain.ContractOpen,
		}
		ok, err := tx.InsertContract(c)
		if err != nil {
			return err
		}
		if !ok {
			// Lost an accept race; report the winner's contract.
			result = AcceptAlreadyActive
			accepted, err = tx.GetActiveContractForOwner(tenant, owner)
			return err
		}
		accepted = c
		log.Printf("[contract] %s/%s accepted %q, due %s", tenant, owner, c.Title, c.DueAt.Format(time.RFC3339))
		return nil
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return AcceptBusy, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("accept contract: %w", err)
	}
	return result, accepted, nil
}

// ─── Delivery ───────────────────────────────────────────────────────────────

// SubmitDelivery records the owner's delivery against their active
// contract. Late submissions fail the contract instead. A delivered
// contract with no open review session accepts a replacement payload,
// which is the resubmission path after a rejection.
func (s *Service) SubmitDelivery(ctx context.Context, tenant, owner string, sub domain.DeliverySubmission) (DeliveryResult, *domain.Contract, error) {
	now := s.Now()
	payload, err := domain.EncodeDeliveryPayload(sub.Attachments, sub.Notes)
	if err != nil {
		return "", nil, fmt.Errorf("encode delivery: %w", err)
	}

	result := DeliveryOK
	var delivered *domain.Contract

	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		active, err := tx.GetActiveContractForOwner(tenant, owner)
		if err != nil {
			return err
		}
		if active == nil {
			result = DeliveryNoActive
			return nil
		}

		switch active.Status {
		case domain.ContractOpen:
			if active.DueAt.Before(now) {
				if _, err := s.failContract(tx, active, now); err != nil {
					return err
				}
				result = DeliveryOverdueFailed
				delivered, err = tx.GetContract(active.ID)
				return err
			}
			if _, err := tx.MarkDelivered(active.ID, payload, now); err != nil {
				return err
			}

		case domain.ContractDelivered:
			session, err := tx.GetOpenSessionForContract(active.ID)
			if err != nil {
				return err
			}
			if session != nil {
				result = DeliveryReviewPending
				delivered = active
				return nil
			}
			if _, err := tx.UpdateDeliveryPayload(active.ID, payload, now); err != nil {
				return err
			}
			result = DeliveryResubmitted
		}

		delivered, err = tx.GetContract(active.ID)
		return err
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return DeliveryBusy, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("submit delivery: %w", err)
	}
	return result, delivered, nil
}

// ─── Failure Sweep ──────────────────────────────────────────────────────────

// failContract flips an open contract to failed and journals the
// one-shot failure penalty, all inside the caller's transaction.
// Reports whether this call was the one that claimed the failure.
func (s *Service) failContract(tx *sqlite.Tx, c *domain.Contract, now time.Time) (bool, error) {
	claimed, err := tx.ClaimFailed(c.ID, now)
	if err != nil || !claimed {
		return false, err
	}
	if _, err := tx.EnsureWallet(c.Tenant, c.Owner, domain.SeedBalance, now); err != nil {
		return false, err
	}
	_, err = tx.ApplyDelta(&domain.LedgerEntry{
		Tenant:       c.Tenant,
		Account:      c.Owner,
		EntryType:    domain.EntryPenalty,
		Delta:        -domain.ContractFailurePenalty,
		ReferenceKey: "contract:" + c.ID,
		Note:         "contract failed past due date",
		CreatedAt:    now,
	})
	if err != nil {
		return false, err
	}
	log.Printf("[contract] failed %s (owner %s/%s), penalty applied", c.ID, c.Tenant, c.Owner)
	return true, nil
}

// SettleExpiredContracts fails every open contract past its due date.
// Each contract settles in its own transaction so one poisoned row
// cannot wedge the whole sweep.
func (s *Service) SettleExpiredContracts(ctx context.Context, tenant string) (int, error) {
	now := s.Now()

	var expired []domain.Contract
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		expired, err = tx.ListExpiredOpenContracts(tenant, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired contracts: %w", err)
	}

	settled := 0
	for i := range expired {
		c := &expired[i]
		var claimed bool
		err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
			var err error
			claimed, err = s.failContract(tx, c, now)
			return err
		})
		if err != nil {
			log.Printf("[contract] settle %s failed: %v", c.ID, err)
			continue
		}
		if claimed {
			settled++
		}
	}
	return settled, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// ActiveContract returns the owner's open-or-delivered contract, or nil.
func (s *Service) ActiveContract(ctx context.Context, tenant, owner string) (*domain.Contract, error) {
	var c *domain.Contract
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		c, err = tx.GetActiveContractForOwner(tenant, owner)
		return err
	})
	return c, err
}

// LatestContract returns the owner's most recent contract in any
// status, or nil.
func (s *Service) LatestContract(ctx context.Context, tenant, owner string) (*domain.Contract, error) {
	var c *domain.Contract
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		c, err = tx.GetLatestContractForOwner(tenant, owner)
		return err
	})
	return c, err
}

// EarliestDueAt returns the next open-contract due date the scheduler
// should wake for, or nil when no contracts are open.
func (s *Service) EarliestDueAt(ctx context.Context, tenant string) (*time.Time, error) {
	var t *time.Time
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		t, err = tx.EarliestOpenDueAt(tenant)
		return err
	})
	return t, err
}
