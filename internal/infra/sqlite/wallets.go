// Wallet and ledger operations.
// The ledger is append-only and the uniqueness key on
// (tenant, reference_key, entry_type) makes every economic effect
// exactly-once: a replayed settlement inserts zero rows and therefore
// moves zero balance.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
)

func scanWallet(row rowScanner) (*domain.Wallet, error) {
	var (
		w                domain.Wallet
		created, updated string
	)
	err := row.Scan(&w.ID, &w.Tenant, &w.Account, &w.Balance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet returns the wallet for (tenant, account), or nil if absent.
func (t *Tx) GetWallet(tenant, account string) (*domain.Wallet, error) {
	row := t.tx.QueryRow(`
		SELECT id, tenant, account, balance, created_at, updated_at
		FROM wallets WHERE tenant = ? AND account = ?
	`, tenant, account)
	return scanWallet(row)
}

// EnsureWallet creates the wallet with the seed balance on first touch
// and returns the current row either way. The seed is journaled with
// the account itself as reference key, so even a racing double-create
// seeds at most once.
func (t *Tx) EnsureWallet(tenant, account string, seedBalance int64, now time.Time) (*domain.Wallet, error) {
	res, err := t.tx.Exec(`
		INSERT OR IGNORE INTO wallets (tenant, account, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, tenant, account, seedBalance, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 && seedBalance != 0 {
		_, err = t.tx.Exec(`
			INSERT OR IGNORE INTO wallet_ledger
				(tenant, account, related_account, entry_type, delta, reference_key, note, created_at)
			VALUES (?, ?, NULL, ?, ?, ?, 'initial balance', ?)
		`, tenant, account, string(domain.EntrySeed), seedBalance, account, fmtTime(now))
		if err != nil {
			return nil, err
		}
	}
	return t.GetWallet(tenant, account)
}

// ApplyDelta appends one ledger entry and moves the balance by its
// delta, atomically within the enclosing transaction. Returns false
// without touching the balance when the idempotency key already exists.
func (t *Tx) ApplyDelta(e *domain.LedgerEntry) (bool, error) {
	var related any
	if e.RelatedAccount != "" {
		related = e.RelatedAccount
	}
	res, err := t.tx.Exec(`
		INSERT OR IGNORE INTO wallet_ledger
			(tenant, account, related_account, entry_type, delta, reference_key, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Tenant, e.Account, related, string(e.EntryType), e.Delta,
		e.ReferenceKey, e.Note, fmtTime(e.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	_, err = t.tx.Exec(`
		UPDATE wallets SET balance = balance + ?, updated_at = ?
		WHERE tenant = ? AND account = ?
	`, e.Delta, fmtTime(e.CreatedAt), e.Tenant, e.Account)
	if err != nil {
		return false, err
	}
	observability.LedgerEntries.WithLabelValues(string(e.EntryType)).Inc()
	return true, nil
}

// HasEntry reports whether an entry with the given idempotency key
// already exists.
func (t *Tx) HasEntry(tenant, referenceKey string, entryType domain.EntryType) (bool, error) {
	var one int
	err := t.tx.QueryRow(`
		SELECT 1 FROM wallet_ledger
		WHERE tenant = ? AND reference_key = ? AND entry_type = ?
	`, tenant, referenceKey, string(entryType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// LedgerSum returns the sum of all ledger deltas for an account. It
// must always equal the wallet's balance column.
func (t *Tx) LedgerSum(tenant, account string) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(`
		SELECT COALESCE(SUM(delta), 0) FROM wallet_ledger
		WHERE tenant = ? AND account = ?
	`, tenant, account).Scan(&sum)
	return sum, err
}

// ListLedger returns an account's journal, newest first, capped at limit.
func (t *Tx) ListLedger(tenant, account string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.Query(`
		SELECT id, tenant, account, related_account, entry_type, delta,
		       reference_key, note, created_at
		FROM wallet_ledger
		WHERE tenant = ? AND account = ?
		ORDER BY id DESC LIMIT ?
	`, tenant, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.LedgerEntry
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			related sql.NullString
			etype   string
			created string
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Account, &related, &etype,
			&e.Delta, &e.ReferenceKey, &e.Note, &created); err != nil {
			return nil, err
		}
		e.RelatedAccount = related.String
		e.EntryType = domain.EntryType(etype)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
