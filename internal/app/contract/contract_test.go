package contract

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/app/lifecycle"
	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

type nullPlatform struct{}

func (nullPlatform) BanMember(context.Context, string, string, string) error { return nil }
func (nullPlatform) PostSettlement(context.Context, string, string) error { return nil }

type fixture struct {
	db   *sqlite.DB
	svc  *Service
	life *lifecycle.Service
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	f := &fixture{
		db:  db,
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(db)
	f.svc.Now = func() time.Time { return f.now }
	f.life = lifecycle.New(db, nullPlatform{})
	f.life.Now = f.svc.Now
	return f
}

func (f *fixture) enroll(t *testing.T, user string) {
	t.Helper()
	if _, err := f.life.EnrollMember(context.Background(), "g1", user); err != nil {
		t.Fatalf("EnrollMember(%s) error: %v", user, err)
	}
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	var balance int64
	err := f.db.WithTx(context.Background(), func(tx *sqlite.Tx) error {
		w, err := tx.GetWallet("g1", account)
		if err != nil {
			return err
		}
		if w != nil {
			balance = w.Balance
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return balance
}

var terms = Terms{Title: "ship the importer", DurationHours: 168}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	result, c, err := f.svc.Accept(ctx, "g1", "alice", terms)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if result != AcceptOK {
		t.Fatalf("Accept() = %q, want ok", result)
	}
	if want := f.now.Add(168 * time.Hour); !c.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", c.DueAt, want)
	}

	// A second accept while the first is active reports the holder.
	result, c2, err := f.svc.Accept(ctx, "g1", "alice", terms)
	if err != nil {
		t.Fatal(err)
	}
	if result != AcceptAlreadyActive {
		t.Errorf("Accept() = %q, want already_active", result)
	}
	if c2 == nil || c2.ID != c.ID {
		t.Errorf("already_active returned %+v, want the active contract", c2)
	}
}

func TestAcceptValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	tests := []struct {
		name  string
		user  string
		terms Terms
		want  AcceptResult
	}{
		{"empty title", "alice", Terms{DurationHours: 24}, AcceptInvalid},
		{"zero duration", "alice", Terms{Title: "x"}, AcceptInvalid},
		{"not enrolled", "ghost", terms, AcceptNotEnrolled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _, err := f.svc.Accept(ctx, "g1", tt.user, tt.terms)
			if err != nil {
				t.Fatalf("Accept() error: %v", err)
			}
			if result != tt.want {
				t.Errorf("Accept() = %q, want %q", result, tt.want)
			}
		})
	}
}

func TestAcceptClearsOverdueContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	_, first, err := f.svc.Accept(ctx, "g1", "alice", terms)
	if err != nil {
		t.Fatal(err)
	}

	// Past the due date the stale contract fails in the same breath as
	// the new acceptance.
	f.now = f.now.Add(200 * time.Hour)
	result, second, err := f.svc.Accept(ctx, "g1", "alice", terms)
	if err != nil {
		t.Fatal(err)
	}
	if result != AcceptOK {
		t.Fatalf("Accept() after overdue = %q, want ok", result)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh contract, got the stale one")
	}

	var old *domain.Contract
	err = f.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		old, err = tx.GetContract(first.ID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.ContractFailed || !old.PenaltyApplied {
		t.Errorf("stale contract = %q penalty %v, want failed with penalty", old.Status, old.PenaltyApplied)
	}
	if got := f.balance(t, "alice"); got != domain.SeedBalance-domain.ContractFailurePenalty {
		t.Errorf("balance = %d, want seed minus penalty", got)
	}
}

func TestSubmitDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	if _, _, err := f.svc.Accept(ctx, "g1", "alice", terms); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(50 * time.Hour)
	result, c, err := f.svc.SubmitDelivery(ctx, "g1", "alice", domain.DeliverySubmission{
		Attachments: []string{"https://repo/pr/42"},
		Notes:       "done",
	})
	if err != nil {
		t.Fatalf("SubmitDelivery() error: %v", err)
	}
	if result != DeliveryOK {
		t.Fatalf("SubmitDelivery() = %q, want ok", result)
	}
	if c.Status != domain.ContractDelivered {
		t.Errorf("Status = %q, want delivered", c.Status)
	}

	sub := domain.DecodeDeliveryPayload(c.DeliveryPayload)
	if len(sub.Attachments) != 1 || sub.Notes != "done" {
		t.Errorf("decoded payload = %+v, want the submission back", sub)
	}
}

func TestSubmitDeliveryOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	if _, _, err := f.svc.Accept(ctx, "g1", "alice", terms); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(169 * time.Hour)
	result, c, err := f.svc.SubmitDelivery(ctx, "g1", "alice", domain.DeliverySubmission{Notes: "too late"})
	if err != nil {
		t.Fatal(err)
	}
	if result != DeliveryOverdueFailed {
		t.Fatalf("SubmitDelivery() = %q, want overdue_failed", result)
	}
	if c.Status != domain.ContractFailed {
		t.Errorf("Status = %q, want failed", c.Status)
	}

	if got := f.balance(t, "alice"); got != domain.SeedBalance-domain.ContractFailurePenalty {
		t.Errorf("balance = %d, want penalty applied", got)
	}
}

func TestSubmitDeliveryResubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")

	if _, _, err := f.svc.Accept(ctx, "g1", "alice", terms); err != nil {
		t.Fatal(err)
	}
	if result, _, _ := f.svc.SubmitDelivery(ctx, "g1", "alice", domain.DeliverySubmission{Notes: "v1"}); result != DeliveryOK {
		t.Fatalf("first delivery = %q", result)
	}

	// No open session, so a second submission replaces the payload.
	result, c, err := f.svc.SubmitDelivery(ctx, "g1", "alice", domain.DeliverySubmission{Notes: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if result != DeliveryResubmitted {
		t.Fatalf("second delivery = %q, want resubmitted", result)
	}
	if sub := domain.DecodeDeliveryPayload(c.DeliveryPayload); sub.Notes != "v2" {
		t.Errorf("payload notes = %q, want v2", sub.Notes)
	}
}

func TestSubmitDeliveryNoActive(t *testing.T) {
	f := newFixture(t)

	result, _, err := f.svc.SubmitDelivery(context.Background(), "g1", "alice", domain.DeliverySubmission{})
	if err != nil {
		t.Fatal(err)
	}
	if result != DeliveryNoActive {
		t.Errorf("SubmitDelivery() = %q, want no_active_contract", result)
	}
}

func TestSettleExpiredContractsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "alice")
	f.enroll(t, "bob")

	if _, _, err := f.svc.Accept(ctx, "g1", "alice", terms); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.svc.Accept(ctx, "g1", "bob", Terms{Title: "short job", DurationHours: 24}); err != nil {
		t.Fatal(err)
	}

	// Only bob's 24h contract is overdue.
	f.now = f.now.Add(48 * time.Hour)
	n, err := f.svc.SettleExpiredContracts(ctx, "g1")
	if err != nil {
		t.Fatalf("SettleExpiredContracts() error: %v", err)
	}
	if n != 1 {
		t.Errorf("settled = %d, want 1", n)
	}

	// The sweep is safe to re-run: the penalty never doubles.
	n, err = f.svc.SettleExpiredContracts(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep settled %d, want 0", n)
	}
	if got := f.balance(t, "bob"); got != domain.SeedBalance-domain.ContractFailurePenalty {
		t.Errorf("bob = %d, want exactly one penalty", got)
	}
	if got := f.balance(t, "alice"); got != 0 {
		// Alice has no wallet yet; nothing was debited.
		t.Errorf("alice = %d, want untouched (no wallet)", got)
	}
}
