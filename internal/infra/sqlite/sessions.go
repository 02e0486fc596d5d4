// Review session operations.
// Session rows are claimed before their side effects run: the evaluator
// claim, the outcome close and the expiry claim are all conditional
// single-row updates, so a duplicate submission or a racing sweep
// observes zero rows and stops.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
)

const sessionColumns = `id, tenant, contract_id, evaluatee, evaluator, stage,
	score, difficulty, approved, awarded_days, reviewer_quality_score,
	reviewer_comment, evaluator_claimed_at, due_at, closed_at, created_at`

func scanSession(row rowScanner) (*domain.ReviewSession, error) {
	var (
		s                 domain.ReviewSession
		stage, due, creat string
		score, diff, rqs  sql.NullInt64
		approved          sql.NullInt64
		claimed, closed   sql.NullString
	)
	err := row.Scan(&s.ID, &s.Tenant, &s.ContractID, &s.Evaluatee, &s.Evaluator,
		&stage, &score, &diff, &approved, &s.AwardedDays, &rqs,
		&s.ReviewerComment, &claimed, &due, &closed, &creat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.Stage = domain.ReviewStage(stage)
	if score.Valid {
		v := int(score.Int64)
		s.Score = &v
	}
	if diff.Valid {
		v := int(diff.Int64)
		s.Difficulty = &v
	}
	if approved.Valid {
		v := approved.Int64 != 0
		s.Approved = &v
	}
	if rqs.Valid {
		v := int(rqs.Int64)
		s.ReviewerQualityScore = &v
	}
	if s.DueAt, err = parseTime(due); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(creat); err != nil {
		return nil, err
	}
	if s.EvaluatorClaimedAt, err = parseTimePtr(claimed); err != nil {
		return nil, err
	}
	if s.ClosedAt, err = parseTimePtr(closed); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns the session by id, or nil if absent.
func (t *Tx) GetSession(id string) (*domain.ReviewSession, error) {
	row := t.tx.QueryRow(`SELECT `+sessionColumns+` FROM review_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetOpenSessionForContract returns the contract's single open session,
// or nil.
func (t *Tx) GetOpenSessionForContract(contractID string) (*domain.ReviewSession, error) {
	row := t.tx.QueryRow(`
		SELECT `+sessionColumns+` FROM review_sessions
		WHERE contract_id = ? AND stage = 'open'
	`, contractID)
	return scanSession(row)
}

// HasEvaluatorSession reports whether the evaluator has ever held a
// session against this contract, in any stage.
func (t *Tx) HasEvaluatorSession(contractID, evaluator string) (bool, error) {
	var one int
	err := t.tx.QueryRow(`
		SELECT 1 FROM review_sessions WHERE contract_id = ? AND evaluator = ?
	`, contractID, evaluator).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertSession inserts a new open session. Uniqueness violations
// (second open session for the contract, or a repeat evaluator) come
// back as ok=false.
func (t *Tx) InsertSession(s *domain.ReviewSession) (bool, error) {
	_, err := t.tx.Exec(`
		INSERT INTO review_sessions
			(id, tenant, contract_id, evaluatee, evaluator, stage, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Tenant, s.ContractID, s.Evaluatee, s.Evaluator,
		string(s.Stage), fmtTime(s.DueAt), fmtTime(s.CreatedAt))
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimEvaluator stamps the evaluator's submission claim. At most one
// submission per session wins; a duplicate sees zero rows.
func (t *Tx) ClaimEvaluator(id string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE review_sessions SET evaluator_claimed_at = ?
		WHERE id = ? AND evaluator_claimed_at IS NULL AND closed_at IS NULL
	`, fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CloseOutcome records the evaluator's verdict and moves the session to
// its terminal stage.
func (t *Tx) CloseOutcome(id string, stage domain.ReviewStage, score, difficulty int, approved bool, awardedDays int, comment string, at time.Time) error {
	approvedInt := 0
	if approved {
		approvedInt = 1
	}
	_, err := t.tx.Exec(`
		UPDATE review_sessions
		SET stage = ?, score = ?, difficulty = ?, approved = ?, awarded_days = ?,
		    reviewer_comment = ?, closed_at = ?
		WHERE id = ?
	`, string(stage), score, difficulty, approvedInt, awardedDays, comment, fmtTime(at), id)
	return err
}

// ClaimExpired moves an overdue open session to expired. The stage
// guard makes the sweep idempotent: only one claimant flips the row.
func (t *Tx) ClaimExpired(id string, asOf time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE review_sessions SET stage = 'expired', closed_at = ?
		WHERE id = ? AND stage = 'open' AND closed_at IS NULL AND due_at < ?
	`, fmtTime(asOf), id, fmtTime(asOf))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetReviewerRating records the evaluatee's one-shot quality rating of
// the evaluator.
func (t *Tx) SetReviewerRating(id string, rating int) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE review_sessions SET reviewer_quality_score = ?
		WHERE id = ? AND reviewer_quality_score IS NULL AND closed_at IS NOT NULL
	`, rating, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListExpiredOpenSessions returns open sessions whose deadline passed
// before asOf, oldest deadline first.
func (t *Tx) ListExpiredOpenSessions(tenant string, asOf time.Time) ([]domain.ReviewSession, error) {
	rows, err := t.tx.Query(`
		SELECT `+sessionColumns+` FROM review_sessions
		WHERE tenant = ? AND stage = 'open' AND due_at < ?
		ORDER BY due_at
	`, tenant, fmtTime(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ReviewSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// EarliestOpenSessionDueAt returns the soonest deadline among open
// sessions, or nil when none are open.
func (t *Tx) EarliestOpenSessionDueAt(tenant string) (*time.Time, error) {
	var ns sql.NullString
	err := t.tx.QueryRow(`
		SELECT MIN(due_at) FROM review_sessions WHERE tenant = ? AND stage = 'open'
	`, tenant).Scan(&ns)
	if err != nil {
		return nil, err
	}
	return parseTimePtr(ns)
}
