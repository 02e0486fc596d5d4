// Contract operations.
// Every status transition is a conditional UPDATE guarded by the
// current status, so racing writers resolve to exactly one winner and
// the losers observe zero rows affected.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
)

const contractColumns = `id, tenant, owner, title, description, requirement,
	expected_artifact, duration_hours, accepted_at, due_at, status,
	delivery_payload, delivered_at, concluded_at, failed_at, penalty_applied`

func scanContract(row rowScanner) (*domain.Contract, error) {
	var (
		c                             domain.Contract
		status, accepted, due         string
		payload                       sql.NullString
		delivered, concluded, failedS sql.NullString
		penalty                       int
	)
	err := row.Scan(&c.ID, &c.Tenant, &c.Owner, &c.Title, &c.Description,
		&c.Requirement, &c.ExpectedArtifact, &c.DurationHours, &accepted, &due,
		&status, &payload, &delivered, &concluded, &failedS, &penalty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Status = domain.ContractStatus(status)
	c.DeliveryPayload = payload.String
	c.PenaltyApplied = penalty != 0
	if c.AcceptedAt, err = parseTime(accepted); err != nil {
		return nil, err
	}
	if c.DueAt, err = parseTime(due); err != nil {
		return nil, err
	}
	if c.DeliveredAt, err = parseTimePtr(delivered); err != nil {
		return nil, err
	}
	if c.ConcludedAt, err = parseTimePtr(concluded); err != nil {
		return nil, err
	}
	if c.FailedAt, err = parseTimePtr(failedS); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContract returns the contract by id, or nil if absent.
func (t *Tx) GetContract(id string) (*domain.Contract, error) {
	row := t.tx.QueryRow(`SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	return scanContract(row)
}

// GetActiveContractForOwner returns the owner's single open-or-delivered
// contract, or nil when the slot is free.
func (t *Tx) GetActiveContractForOwner(tenant, owner string) (*domain.Contract, error) {
	row := t.tx.QueryRow(`
		SELECT `+contractColumns+` FROM contracts
		WHERE tenant = ? AND owner = ? AND status IN ('open', 'delivered')
	`, tenant, owner)
	return scanContract(row)
}

// GetLatestContractForOwner returns the owner's most recently accepted
// contract regardless of status, or nil.
func (t *Tx) GetLatestContractForOwner(tenant, owner string) (*domain.Contract, error) {
	row := t.tx.QueryRow(`
		SELECT `+contractColumns+` FROM contracts
		WHERE tenant = ? AND owner = ?
		ORDER BY accepted_at DESC LIMIT 1
	`, tenant, owner)
	return scanContract(row)
}

// InsertContract inserts a new open contract. Returns false when the
// partial unique index rejects it because the owner already holds an
// active contract.
func (t *Tx) InsertContract(c *domain.Contract) (bool, error) {
	_, err := t.tx.Exec(`
		INSERT INTO contracts
			(id, tenant, owner, title, description, requirement, expected_artifact,
			 duration_hours, accepted_at, due_at, status, penalty_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, c.ID, c.Tenant, c.Owner, c.Title, c.Description, c.Requirement,
		c.ExpectedArtifact, c.DurationHours, fmtTime(c.AcceptedAt),
		fmtTime(c.DueAt), string(c.Status))
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDelivered transitions open → delivered and records the payload.
func (t *Tx) MarkDelivered(id, payload string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE contracts
		SET status = 'delivered', delivery_payload = ?, delivered_at = ?
		WHERE id = ? AND status = 'open'
	`, payload, fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateDeliveryPayload replaces the payload of a delivered contract.
// Used for resubmission after a rejection, before a new session opens.
func (t *Tx) UpdateDeliveryPayload(id, payload string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE contracts
		SET delivery_payload = ?, delivered_at = ?
		WHERE id = ? AND status = 'delivered'
	`, payload, fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimFailed transitions open → failed and claims the one-shot penalty
// in the same statement. Only the claimant that flipped the row applies
// the economic penalty; a concurrent sweep sees zero rows.
func (t *Tx) ClaimFailed(id string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE contracts
		SET status = 'failed', failed_at = ?, penalty_applied = 1
		WHERE id = ? AND status = 'open' AND penalty_applied = 0
	`, fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Conclude transitions delivered → concluded.
func (t *Tx) Conclude(id string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE contracts SET status = 'concluded', concluded_at = ?
		WHERE id = ? AND status = 'delivered'
	`, fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RevertToDelivered puts a contract back into the delivered stage so a
// new review session can be opened. Concluded and failed contracts are
// never reverted.
func (t *Tx) RevertToDelivered(id string) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE contracts SET status = 'delivered'
		WHERE id = ? AND status IN ('open', 'delivered')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListExpiredOpenContracts returns open contracts whose due date passed
// before asOf and whose penalty has not been claimed, oldest first.
func (t *Tx) ListExpiredOpenContracts(tenant string, asOf time.Time) ([]domain.Contract, error) {
	rows, err := t.tx.Query(`
		SELECT `+contractColumns+` FROM contracts
		WHERE tenant = ? AND status = 'open' AND penalty_applied = 0 AND due_at < ?
		ORDER BY due_at
	`, tenant, fmtTime(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContracts(rows)
}

// ListOpenContracts returns all open contracts for a tenant, soonest
// due first.
func (t *Tx) ListOpenContracts(tenant string) ([]domain.Contract, error) {
	rows, err := t.tx.Query(`
		SELECT `+contractColumns+` FROM contracts
		WHERE tenant = ? AND status = 'open'
		ORDER BY due_at
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContracts(rows)
}

// EarliestOpenDueAt returns the soonest due date among open contracts,
// or nil when none are open.
func (t *Tx) EarliestOpenDueAt(tenant string) (*time.Time, error) {
	var ns sql.NullString
	err := t.tx.QueryRow(`
		SELECT MIN(due_at) FROM contracts WHERE tenant = ? AND status = 'open'
	`, tenant).Scan(&ns)
	if err != nil {
		return nil, err
	}
	return parseTimePtr(ns)
}

func collectContracts(rows *sql.Rows) ([]domain.Contract, error) {
	var result []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}
