package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	svc := New(db)
	svc.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestBalanceSeedsWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.Balance(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if balance != domain.SeedBalance {
		t.Errorf("Balance = %d, want seed %d", balance, domain.SeedBalance)
	}

	// Second read does not seed again.
	balance, err = svc.Balance(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if balance != domain.SeedBalance {
		t.Errorf("Balance on re-read = %d, want %d", balance, domain.SeedBalance)
	}
}

func TestTransfer(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Transfer(ctx, "g1", "alice", "bob", 1, "thanks")
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if result != TransferOK {
		t.Fatalf("Transfer() = %q, want ok", result)
	}

	balances, err := svc.Balances(ctx, "g1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Balances() error: %v", err)
	}
	if balances["alice"] != domain.SeedBalance-1 {
		t.Errorf("alice = %d, want %d", balances["alice"], domain.SeedBalance-1)
	}
	if balances["bob"] != domain.SeedBalance+1 {
		t.Errorf("bob = %d, want %d", balances["bob"], domain.SeedBalance+1)
	}
}

func TestTransferFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		from   string
		to     string
		amount int64
		want   TransferResult
	}{
		{"zero amount", "alice", "bob", 0, TransferInvalid},
		{"negative amount", "alice", "bob", -3, TransferInvalid},
		{"self transfer", "alice", "alice", 1, TransferSameAccount},
		{"more than balance", "alice", "bob", domain.SeedBalance + 1, TransferInsufficient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.Transfer(ctx, "g1", tt.from, tt.to, tt.amount, "")
			if err != nil {
				t.Fatalf("Transfer() error: %v", err)
			}
			if result != tt.want {
				t.Errorf("Transfer() = %q, want %q", result, tt.want)
			}
		})
	}

	// Failed transfers move nothing.
	balance, err := svc.Balance(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != domain.SeedBalance {
		t.Errorf("alice = %d after failed transfers, want %d", balance, domain.SeedBalance)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Transfer(ctx, "g1", "alice", "bob", 1, "first"); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.History(ctx, "g1", "alice", 10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	// Transfer debit then the seed, newest first.
	if len(entries) != 2 {
		t.Fatalf("History() = %d entries, want 2", len(entries))
	}
	if entries[0].EntryType != domain.EntryTransfer || entries[0].Delta != -1 {
		t.Errorf("entries[0] = %+v, want transfer debit", entries[0])
	}
	if entries[1].EntryType != domain.EntrySeed {
		t.Errorf("entries[1] = %+v, want seed", entries[1])
	}
}

func TestHistoryUnknownWallet(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.History(context.Background(), "g1", "nobody", 10)
	if !errors.Is(err, domain.ErrWalletNotFound) {
		t.Errorf("History(unknown) error = %v, want ErrWalletNotFound", err)
	}
}
