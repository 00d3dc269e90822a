package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

func testHash(t *testing.T, s string) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		t.Fatalf("NewHashFromStr(%q) error = %v", s, err)
	}
	return *h
}

func newTestCallback(t *testing.T, d *DB) *models.Callback {
	t.Helper()
	cb, err := d.AddCallback(context.Background(), "http://localhost:9999/hook")
	if err != nil {
		t.Fatalf("AddCallback() error = %v", err)
	}
	return cb
}

func newTestRule(t *testing.T, d *DB, cb *models.Callback) *models.TransactionRule {
	t.Helper()
	r := &models.TransactionRule{
		ID:               uuid.New(),
		TxHash:           testHash(t, "0000000000000000000000000000000000000000000000000000000000000001"),
		Confirmations:    3,
		OriginalTimeout:  10 * time.Minute,
		RemainingTimeout: 10 * time.Minute,
		SuccessPayload:   json.RawMessage(`{"order":"42"}`),
		TimeoutPayload:   json.RawMessage(`{"order":"42","late":true}`),
		CallbackID:       cb.ID,
		Status:           models.RuleStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := d.AddTransactionRule(context.Background(), r); err != nil {
		t.Fatalf("AddTransactionRule() error = %v", err)
	}
	return r
}

func newTestWatch(r *models.TransactionRule, height int32) *models.TransactionWatch {
	return &models.TransactionWatch{
		ID:          uuid.New(),
		RuleID:      r.ID,
		StartBlock:  chainhash.Hash{0x10, byte(height)},
		StartHeight: height,
		StartTime:   time.Now().UTC(),
		Status:      models.WatchStatusPending,
	}
}

func TestAddTransactionRule_And_Get(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)

	got, err := d.GetTransactionRule(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetTransactionRule() error = %v", err)
	}
	if got.TxHash != r.TxHash {
		t.Errorf("TxHash = %s, want %s", got.TxHash, r.TxHash)
	}
	if got.Confirmations != 3 {
		t.Errorf("Confirmations = %d, want 3", got.Confirmations)
	}
	if got.Status != models.RuleStatusPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}
	if got.CurrentWatchID != nil {
		t.Errorf("CurrentWatchID = %v, want nil", got.CurrentWatchID)
	}
	if string(got.SuccessPayload) != `{"order":"42"}` {
		t.Errorf("SuccessPayload = %s", got.SuccessPayload)
	}
}

func TestGetTransactionRule_NotFound(t *testing.T) {
	d := newTestDB(t)

	_, err := d.GetTransactionRule(context.Background(), uuid.New())
	if !errors.Is(err, config.ErrRuleNotFound) {
		t.Errorf("error = %v, want ErrRuleNotFound", err)
	}
}

func TestClaimTransactionWatch(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, 2*time.Minute); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}

	got, err := d.GetTransactionRule(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetTransactionRule() error = %v", err)
	}
	if got.CurrentWatchID == nil || *got.CurrentWatchID != w.ID {
		t.Errorf("CurrentWatchID = %v, want %s", got.CurrentWatchID, w.ID)
	}
	if got.RemainingTimeout != 8*time.Minute {
		t.Errorf("RemainingTimeout = %s, want 8m", got.RemainingTimeout)
	}

	// A second claim must fail: the rule already has a current watch.
	w2 := newTestWatch(r, 101)
	err = d.ClaimTransactionWatch(context.Background(), w2, 0)
	if !errors.Is(err, config.ErrAlreadyWatched) {
		t.Errorf("second claim error = %v, want ErrAlreadyWatched", err)
	}
}

func TestClaimTransactionWatch_ConsumedClampsAtZero(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, time.Hour); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}

	remaining, err := d.GetRemainingWaitingTime(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRemainingWaitingTime() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("RemainingTimeout = %s, want 0", remaining)
	}
}

func TestMarkTransactionRuleSuccess_OneWay(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, 0); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}

	ok, err := d.MarkTransactionRuleSuccess(context.Background(), r.ID, w.ID)
	if err != nil {
		t.Fatalf("MarkTransactionRuleSuccess() error = %v", err)
	}
	if !ok {
		t.Fatal("first success transition should report true")
	}

	// Second transition is a no-op.
	ok, err = d.MarkTransactionRuleSuccess(context.Background(), r.ID, w.ID)
	if err != nil {
		t.Fatalf("second MarkTransactionRuleSuccess() error = %v", err)
	}
	if ok {
		t.Error("second success transition should report false")
	}

	// Timeout after success must not flip the status.
	ok, err = d.MarkTransactionRuleTimeout(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("MarkTransactionRuleTimeout() error = %v", err)
	}
	if ok {
		t.Error("timeout after success should report false")
	}

	got, _ := d.GetTransactionRule(context.Background(), r.ID)
	if got.Status != models.RuleStatusSuccess {
		t.Errorf("Status = %q, want SUCCESS", got.Status)
	}

	watch, err := d.GetTransactionWatch(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetTransactionWatch() error = %v", err)
	}
	if watch.Status != models.WatchStatusSuccess {
		t.Errorf("watch Status = %q, want SUCCESS", watch.Status)
	}
}

func TestMarkTransactionRuleTimeout_BlockedByCurrentWatch(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, 0); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}

	// A rule with a live watch cannot time out.
	ok, err := d.MarkTransactionRuleTimeout(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("MarkTransactionRuleTimeout() error = %v", err)
	}
	if ok {
		t.Error("timeout should be blocked while a watch is pending")
	}
}

func TestRejectTransactionWatch_ReleasesRule(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, 0); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}
	if err := d.RejectTransactionWatch(context.Background(), r.ID, w.ID); err != nil {
		t.Fatalf("RejectTransactionWatch() error = %v", err)
	}

	got, _ := d.GetTransactionRule(context.Background(), r.ID)
	if got.CurrentWatchID != nil {
		t.Errorf("CurrentWatchID = %v, want nil after rejection", got.CurrentWatchID)
	}
	if got.Status != models.RuleStatusPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}

	watch, _ := d.GetTransactionWatch(context.Background(), w.ID)
	if watch.Status != models.WatchStatusRejected {
		t.Errorf("watch Status = %q, want REJECTED", watch.Status)
	}

	// The released rule can be claimed again.
	w2 := newTestWatch(r, 102)
	if err := d.ClaimTransactionWatch(context.Background(), w2, 0); err != nil {
		t.Errorf("re-claim after rejection error = %v", err)
	}
}

func TestListWaitingTransactionRulesByHash(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)

	rules, err := d.ListWaitingTransactionRulesByHash(context.Background(), r.TxHash)
	if err != nil {
		t.Fatalf("ListWaitingTransactionRulesByHash() error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != r.ID {
		t.Fatalf("got %d rules, want the one waiting rule", len(rules))
	}

	// A claimed rule no longer shows up as waiting.
	w := newTestWatch(r, 100)
	if err := d.ClaimTransactionWatch(context.Background(), w, 0); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}
	rules, err = d.ListWaitingTransactionRulesByHash(context.Background(), r.TxHash)
	if err != nil {
		t.Fatalf("second ListWaitingTransactionRulesByHash() error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("got %d waiting rules after claim, want 0", len(rules))
	}
}

func TestListPendingTransactionWatches_PopulatesRule(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)
	w := newTestWatch(r, 100)

	if err := d.ClaimTransactionWatch(context.Background(), w, 0); err != nil {
		t.Fatalf("ClaimTransactionWatch() error = %v", err)
	}

	watches, err := d.ListPendingTransactionWatches(context.Background())
	if err != nil {
		t.Fatalf("ListPendingTransactionWatches() error = %v", err)
	}
	if len(watches) != 1 {
		t.Fatalf("got %d watches, want 1", len(watches))
	}
	if watches[0].Rule == nil {
		t.Fatal("watch Rule not populated")
	}
	if watches[0].Rule.ID != r.ID {
		t.Errorf("Rule.ID = %s, want %s", watches[0].Rule.ID, r.ID)
	}
	if watches[0].StartHeight != 100 {
		t.Errorf("StartHeight = %d, want 100", watches[0].StartHeight)
	}
}

func TestSubtractRemainingWaitingTime(t *testing.T) {
	d := newTestDB(t)
	cb := newTestCallback(t, d)
	r := newTestRule(t, d, cb)

	if err := d.SubtractRemainingWaitingTime(context.Background(), r.ID, 4*time.Minute); err != nil {
		t.Fatalf("SubtractRemainingWaitingTime() error = %v", err)
	}
	remaining, err := d.GetRemainingWaitingTime(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRemainingWaitingTime() error = %v", err)
	}
	if remaining != 6*time.Minute {
		t.Errorf("remaining = %s, want 6m", remaining)
	}
}
