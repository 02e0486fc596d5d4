// Package ledger manages wallets and the append-only point journal.
//
// Every balance change flows through a ledger entry keyed by
// (tenant, reference key, entry type); the wallet balance column is a
// denormalized sum maintained in the same transaction. Wallets are
// created lazily with a seed balance the first time anything touches
// them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

// TransferResult is the discriminated outcome of a transfer attempt.
type TransferResult string

const (
	TransferOK           TransferResult = "ok"
	TransferInvalid      TransferResult = "invalid_amount"
	TransferSameAccount  TransferResult = "same_account"
	TransferInsufficient TransferResult = "insufficient_balance"
	TransferBusy         TransferResult = "busy"
)

// Service owns wallet and ledger operations.
type Service struct {
	db *sqlite.DB

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a ledger service.
func New(db *sqlite.DB) *Service {
	return &Service{db: db, Now: time.Now}
}

// GetOrCreateWallet returns the account's wallet, seeding it on first
// touch.
func (s *Service) GetOrCreateWallet(ctx context.Context, tenant, account string) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		w, err = tx.EnsureWallet(tenant, account, domain.SeedBalance, s.Now())
		return err
	})
	return w, err
}

// Balance returns the account's current balance, seeding the wallet if
// it does not exist yet.
func (s *Service) Balance(ctx context.Context, tenant, account string) (int64, error) {
	w, err := s.GetOrCreateWallet(ctx, tenant, account)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Balances returns the balances for several accounts in one transaction.
// Accounts without a wallet yet report the seed balance they would
// start with, without creating the wallet.
func (s *Service) Balances(ctx context.Context, tenant string, accounts []string) (map[string]int64, error) {
	out := make(map[string]int64, len(accounts))
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		for _, account := range accounts {
			w, err := tx.GetWallet(tenant, account)
			if err != nil {
				return err
			}
			if w == nil {
				out[account] = domain.SeedBalance
				continue
			}
			out[account] = w.Balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the account's most recent ledger entries, newest
// first. An account with no wallet yet has no history and reports
// domain.ErrWalletNotFound.
func (s *Service) History(ctx context.Context, tenant, account string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []domain.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		w, err := tx.GetWallet(tenant, account)
		if err != nil {
			return err
		}
		if w == nil {
			return domain.ErrWalletNotFound
		}
		entries, err = tx.ListLedger(tenant, account, limit)
		return err
	})
	return entries, err
}

// Transfer moves amount points between two member accounts. The two
// legs share one transfer id but carry distinct reference keys, and
// both are written in the same transaction.
func (s *Service) Transfer(ctx context.Context, tenant, from, to string, amount int64, note string) (TransferResult, error) {
	if amount <= 0 {
		return TransferInvalid, nil
	}
	if from == to {
		return TransferSameAccount, nil
	}

	now := s.Now()
	transferID := uuid.NewString()
	result := TransferOK

	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		sender, err := tx.EnsureWallet(tenant, from, domain.SeedBalance, now)
		if err != nil {
			return err
		}
		if _, err := tx.EnsureWallet(tenant, to, domain.SeedBalance, now); err != nil {
			return err
		}
		if sender.Balance < amount {
			result = TransferInsufficient
			return nil
		}

		debit := &domain.LedgerEntry{
			Tenant:         tenant,
			Account:        from,
			RelatedAccount: to,
			EntryType:      domain.EntryTransfer,
			Delta:          -amount,
			ReferenceKey:   transferID + ":from",
			Note:           note,
			CreatedAt:      now,
		}
		credit := &domain.LedgerEntry{
			Tenant:         tenant,
			Account:        to,
			RelatedAccount: from,
			EntryType:      domain.EntryTransfer,
			Delta:          amount,
			ReferenceKey:   transferID + ":to",
			Note:           note,
			CreatedAt:      now,
		}
		if _, err := tx.ApplyDelta(debit); err != nil {
			return err
		}
		_, err = tx.ApplyDelta(credit)
		return err
	})
	if errors.Is(err, sqlite.ErrBusy) {
		return TransferBusy, nil
	}
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return result, nil
}
