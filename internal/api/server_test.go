package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/app/contract"
	"github.com/tomoyo-network/tomoyo/internal/app/ledger"
	"github.com/tomoyo-network/tomoyo/internal/app/lifecycle"
	"github.com/tomoyo-network/tomoyo/internal/app/review"
	"github.com/tomoyo-network/tomoyo/internal/domain"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

type nullPlatform struct{}

func (nullPlatform) BanMember(context.Context, string, string, string) error { return nil }
func (nullPlatform) PostSettlement(context.Context, string, string) error { return nil }

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	led := ledger.New(db)
	led.Now = clock
	life := lifecycle.New(db, nullPlatform{})
	life.Now = clock
	con := contract.New(db)
	con.Now = clock
	rev := review.New(db)
	rev.Now = clock

	return NewServer(led, life, con, rev).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)

	w, body := doJSON(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestEnrollFreezeFlow(t *testing.T) {
	h := newTestHandler(t)

	w, body := doJSON(t, h, http.MethodPost, "/v1/tenants/g1/members/alice/enroll", map[string]interface{}{})
	if w.Code != http.StatusOK || body["kind"] != "ok" {
		t.Fatalf("enroll = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodPost, "/v1/tenants/g1/members/alice/freeze", map[string]interface{}{"days": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("freeze status = %d", w.Code)
	}
	if body["kind"] != string(lifecycle.FreezeOK) {
		t.Errorf("freeze kind = %v, want ok", body["kind"])
	}

	w, body = doJSON(t, h, http.MethodGet, "/v1/tenants/g1/members/alice/blackhole", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("blackhole status = %d", w.Code)
	}
	status := body["status"].(map[string]interface{})
	if status["frozen"] != true {
		t.Errorf("status = %v, want frozen", status)
	}
}

func TestTransferEndpoint(t *testing.T) {
	h := newTestHandler(t)

	w, body := doJSON(t, h, http.MethodPost, "/v1/tenants/g1/transfers", map[string]interface{}{
		"from": "alice", "to": "bob", "amount": 1, "note": "thanks",
	})
	if w.Code != http.StatusOK || body["kind"] != string(ledger.TransferOK) {
		t.Fatalf("transfer = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodGet, "/v1/tenants/g1/wallets/bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("wallet status = %d", w.Code)
	}
	wallet := body["wallet"].(map[string]interface{})
	if wallet["balance"] != float64(domain.SeedBalance+1) {
		t.Errorf("balance = %v, want %d", wallet["balance"], domain.SeedBalance+1)
	}
}

func TestContractAndReviewFlow(t *testing.T) {
	h := newTestHandler(t)

	for _, user := range []string{"alice", "bob"} {
		if w, _ := doJSON(t, h, http.MethodPost, "/v1/tenants/g1/members/"+user+"/enroll", map[string]interface{}{}); w.Code != http.StatusOK {
			t.Fatalf("enroll %s = %d", user, w.Code)
		}
	}

	w, body := doJSON(t, h, http.MethodPost, "/v1/tenants/g1/members/alice/contract", map[string]interface{}{
		"title": "ship it", "duration_hours": 168,
	})
	if w.Code != http.StatusOK || body["kind"] != string(contract.AcceptOK) {
		t.Fatalf("accept = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodPost, "/v1/tenants/g1/members/alice/delivery", map[string]interface{}{
		"attachments": []string{"https://repo/pr/1"}, "notes": "done",
	})
	if w.Code != http.StatusOK || body["kind"] != string(contract.DeliveryOK) {
		t.Fatalf("delivery = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodPost, "/v1/tenants/g1/reviews", map[string]interface{}{
		"evaluatee": "alice", "evaluator": "bob",
	})
	if w.Code != http.StatusOK || body["kind"] != string(review.CreateOK) {
		t.Fatalf("create session = %d %v", w.Code, body)
	}
	session := body["session"].(map[string]interface{})
	sessionID := session["id"].(string)

	w, body = doJSON(t, h, http.MethodPost, "/v1/tenants/g1/reviews/outcome", map[string]interface{}{
		"evaluator": "bob", "evaluatee": "alice", "score": 4, "difficulty": 3, "comment": "solid",
	})
	if w.Code != http.StatusOK || body["kind"] != string(review.OutcomeApproved) {
		t.Fatalf("outcome = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodPost, "/v1/tenants/g1/reviews/"+sessionID+"/rating", map[string]interface{}{
		"evaluatee": "alice", "evaluator": "bob", "rating": 5,
	})
	if w.Code != http.StatusOK || body["kind"] != string(review.RatingOK) {
		t.Fatalf("rating = %d %v", w.Code, body)
	}

	w, body = doJSON(t, h, http.MethodGet, "/v1/tenants/g1/reviews/"+sessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get session = %d", w.Code)
	}
	got := body["session"].(map[string]interface{})
	if got["stage"] != "approved" {
		t.Errorf("stage = %v, want approved", got["stage"])
	}
}

func TestNotFoundKinds(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		path string
		want string
	}{
		{"/v1/tenants/g1/members/ghost/blackhole", "not_enrolled"},
		{"/v1/tenants/g1/wallets/ghost/ledger", "wallet_not_found"},
		{"/v1/tenants/g1/members/ghost/contract", "no_contract"},
		{"/v1/tenants/g1/reviews/no-such-id", "session_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			w, body := doJSON(t, h, http.MethodGet, tt.path, nil)
			if w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", w.Code)
			}
			if body["kind"] != tt.want {
				t.Errorf("kind = %v, want %q", body["kind"], tt.want)
			}
		})
	}
}

func TestBadRequestBody(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/g1/transfers", bytes.NewBufferString(`{"nope":`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
