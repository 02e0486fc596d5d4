// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Member Types ───────────────────────────────────────────────────────────

// MemberState classifies a member's standing inside a tenant.
type MemberState string

const (
	MemberNormal     MemberState = "normal"
	MemberRestricted MemberState = "restricted"
)

// Member is one enrolled user inside a tenant, carrying the removal
// countdown ("blackhole") and the freeze allowance that can pause it.
type Member struct {
	ID                     int64       `json:"id"`
	Tenant                 string      `json:"tenant"`
	User                   string      `json:"user"`
	State                  MemberState `json:"state"`
	ConsecutiveFailCount   int         `json:"consecutive_fail_count"`
	BlackholeDeadline      time.Time   `json:"blackhole_deadline"`
	FreezeDaysAvailable    int         `json:"freeze_days_available"`
	FreezeActiveUntil      *time.Time  `json:"freeze_active_until,omitempty"`
	FreezeAllowanceResetAt time.Time   `json:"freeze_allowance_reset_at"`
	BannedAt               *time.Time  `json:"banned_at,omitempty"`
	JoinedAt               time.Time   `json:"joined_at"`
}

// Banned reports whether the member has been removed. Once banned a
// member can no longer act.
func (m *Member) Banned() bool { return m.BannedAt != nil }

// Frozen reports whether a freeze is active at the given instant.
func (m *Member) Frozen(now time.Time) bool {
	return m.FreezeActiveUntil != nil && m.FreezeActiveUntil.After(now)
}

// ─── Wallet Types ───────────────────────────────────────────────────────────

// Wallet is the denormalized balance for one (tenant, account).
// The wallet_ledger rows are the ground truth; the balance column must
// always equal the sum of the account's ledger deltas.
type Wallet struct {
	ID        int64     `json:"id"`
	Tenant    string    `json:"tenant"`
	Account   string    `json:"account"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryType is the business reason attached to a ledger delta.
type EntryType string

const (
	EntrySeed     EntryType = "seed"
	EntryEscrow   EntryType = "escrow"
	EntryReward   EntryType = "reward"
	EntryRefund   EntryType = "refund"
	EntryPenalty  EntryType = "penalty"
	EntryTransfer EntryType = "transfer"
)

// LedgerEntry is one immutable signed delta in the append-only journal.
// At most one entry may exist per (tenant, reference key, entry type);
// that uniqueness is what makes retried settlements exactly-once.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	Tenant         string    `json:"tenant"`
	Account        string    `json:"account"`
	RelatedAccount string    `json:"related_account,omitempty"`
	EntryType      EntryType `json:"entry_type"`
	Delta          int64     `json:"delta"`
	ReferenceKey   string    `json:"reference_key"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ─── Contract Types ─────────────────────────────────────────────────────────

// ContractStatus is the lifecycle stage of a project contract.
type ContractStatus string

const (
	ContractOpen      ContractStatus = "open"
	ContractDelivered ContractStatus = "delivered"
	ContractConcluded ContractStatus = "concluded"
	ContractFailed    ContractStatus = "failed"
)

// Contract is a time-boxed commitment to deliver one artifact by a
// fixed due date. A member holds at most one open-or-delivered
// contract at a time.
type Contract struct {
	ID               string         `json:"id"`
	Tenant           string         `json:"tenant"`
	Owner            string         `json:"owner"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Requirement      string         `json:"requirement"`
	ExpectedArtifact string         `json:"expected_artifact"`
	DurationHours    int            `json:"duration_hours"`
	AcceptedAt       time.Time      `json:"accepted_at"`
	DueAt            time.Time      `json:"due_at"`
	Status           ContractStatus `json:"status"`
	DeliveryPayload  string         `json:"delivery_payload,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	ConcludedAt      *time.Time     `json:"concluded_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	PenaltyApplied   bool           `json:"penalty_applied"`
}

// Active reports whether the contract still occupies its owner's
// single active slot.
func (c *Contract) Active() bool {
	return c.Status == ContractOpen || c.Status == ContractDelivered
}

// ─── Review Session Types ───────────────────────────────────────────────────

// ReviewStage is the state of a staked peer-review session.
type ReviewStage string

const (
	StageOpen     ReviewStage = "open"
	StageApproved ReviewStage = "approved"
	StageRejected ReviewStage = "rejected"
	StageExpired  ReviewStage = "expired"
)

// ReviewSession ties one contract, one evaluatee and one evaluator to
// an escrowed stake. A contract has at most one open session, and a
// given evaluator may hold at most one session against a contract in
// its whole lifetime, expired and rejected history included.
type ReviewSession struct {
	ID                   string      `json:"id"`
	Tenant               string      `json:"tenant"`
	ContractID           string      `json:"contract_id"`
	Evaluatee            string      `json:"evaluatee"`
	Evaluator            string      `json:"evaluator"`
	Stage                ReviewStage `json:"stage"`
	Score                *int        `json:"score,omitempty"`
	Difficulty           *int        `json:"difficulty,omitempty"`
	Approved             *bool       `json:"approved,omitempty"`
	AwardedDays          int         `json:"awarded_days"`
	ReviewerQualityScore *int        `json:"reviewer_quality_score,omitempty"`
	ReviewerComment      string      `json:"reviewer_comment,omitempty"`
	EvaluatorClaimedAt   *time.Time  `json:"evaluator_claimed_at,omitempty"`
	DueAt                time.Time   `json:"due_at"`
	ClosedAt             *time.Time  `json:"closed_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Closed reports whether the session has reached a terminal stage.
func (s *ReviewSession) Closed() bool { return s.ClosedAt != nil }
