// Member operations.
// Freeze activation uses a compare-and-swap on the previously read
// countdown fields; a lost race updates zero rows and the caller
// retries from a fresh read.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
)

const memberColumns = `id, tenant, user_id, state, consecutive_fail_count,
	blackhole_deadline, freeze_days_available, freeze_active_until,
	freeze_allowance_reset_at, banned_at, joined_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*domain.Member, error) {
	var (
		m                  domain.Member
		state              string
		deadline, resetAt  string
		freezeUntil, banNS sql.NullString
		joined             string
	)
	err := row.Scan(&m.ID, &m.Tenant, &m.User, &state, &m.ConsecutiveFailCount,
		&deadline, &m.FreezeDaysAvailable, &freezeUntil, &resetAt, &banNS, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.State = domain.MemberState(state)
	if m.BlackholeDeadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	if m.FreezeAllowanceResetAt, err = parseTime(resetAt); err != nil {
		return nil, err
	}
	if m.JoinedAt, err = parseTime(joined); err != nil {
		return nil, err
	}
	if m.FreezeActiveUntil, err = parseTimePtr(freezeUntil); err != nil {
		return nil, err
	}
	if m.BannedAt, err = parseTimePtr(banNS); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMember returns the member for (tenant, user), or nil if absent.
func (t *Tx) GetMember(tenant, user string) (*domain.Member, error) {
	row := t.tx.QueryRow(`
		SELECT `+memberColumns+` FROM members WHERE tenant = ? AND user_id = ?
	`, tenant, user)
	return scanMember(row)
}

// InsertMember enrolls a member if absent. Reports whether a row was
// actually inserted; a concurrent enrollment converges on one row.
func (t *Tx) InsertMember(m *domain.Member) (bool, error) {
	res, err := t.tx.Exec(`
		INSERT OR IGNORE INTO members
			(tenant, user_id, state, consecutive_fail_count, blackhole_deadline,
			 freeze_days_available, freeze_active_until, freeze_allowance_reset_at,
			 banned_at, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Tenant, m.User, string(m.State), m.ConsecutiveFailCount,
		fmtTime(m.BlackholeDeadline), m.FreezeDaysAvailable,
		fmtTimePtr(m.FreezeActiveUntil), fmtTime(m.FreezeAllowanceResetAt),
		fmtTimePtr(m.BannedAt), fmtTime(m.JoinedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateFreezeAllowance writes the lazily refreshed allowance fields.
func (t *Tx) UpdateFreezeAllowance(id int64, freezeActiveUntil *time.Time, freezeDays int, resetAt time.Time) error {
	_, err := t.tx.Exec(`
		UPDATE members
		SET freeze_active_until = ?, freeze_days_available = ?, freeze_allowance_reset_at = ?
		WHERE id = ?
	`, fmtTimePtr(freezeActiveUntil), freezeDays, fmtTime(resetAt), id)
	return err
}

// CASActivateFreeze spends freeze days with a compare-and-swap against
// the member state as previously read. Returns false when another
// writer got there first; the caller must re-read and retry.
func (t *Tx) CASActivateFreeze(prev *domain.Member, newAvailable int, newFreezeUntil, newDeadline time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE members
		SET freeze_days_available = ?, freeze_active_until = ?, blackhole_deadline = ?
		WHERE id = ?
		  AND freeze_days_available = ?
		  AND blackhole_deadline = ?
		  AND freeze_active_until IS ?
		  AND banned_at IS NULL
	`, newAvailable, fmtTime(newFreezeUntil), fmtTime(newDeadline),
		prev.ID, prev.FreezeDaysAvailable, fmtTime(prev.BlackholeDeadline),
		fmtTimePtr(prev.FreezeActiveUntil))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExtendBlackhole pushes the countdown deadline to newDeadline.
func (t *Tx) ExtendBlackhole(id int64, newDeadline time.Time) error {
	_, err := t.tx.Exec(`
		UPDATE members SET blackhole_deadline = ? WHERE id = ? AND banned_at IS NULL
	`, fmtTime(newDeadline), id)
	return err
}

// ListExpiredMembers returns members whose countdown passed before asOf
// and who have not been banned yet.
func (t *Tx) ListExpiredMembers(tenant string, asOf time.Time) ([]domain.Member, error) {
	rows, err := t.tx.Query(`
		SELECT `+memberColumns+` FROM members
		WHERE tenant = ? AND blackhole_deadline < ? AND banned_at IS NULL
		ORDER BY blackhole_deadline
	`, tenant, fmtTime(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// MarkBanned sets banned_at exactly once, and only when the countdown
// really is in the past. A second sweep over the same member no-ops.
func (t *Tx) MarkBanned(id int64, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE members SET banned_at = ?
		WHERE id = ? AND banned_at IS NULL AND blackhole_deadline < ?
	`, fmtTime(at), id, fmtTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// EarliestBlackholeDeadline returns the soonest countdown among
// not-yet-banned members, or nil when the tenant has none.
func (t *Tx) EarliestBlackholeDeadline(tenant string) (*time.Time, error) {
	var ns sql.NullString
	err := t.tx.QueryRow(`
		SELECT MIN(blackhole_deadline) FROM members
		WHERE tenant = ? AND banned_at IS NULL
	`, tenant).Scan(&ns)
	if err != nil {
		return nil, err
	}
	return parseTimePtr(ns)
}
