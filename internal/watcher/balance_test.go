package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/models"
)

func balanceRule(cb *models.Callback, address string, target int64, confirmation int32, timeout time.Duration) *models.BalanceRule {
	var cbID *uuid.UUID
	if cb != nil {
		cbID = &cb.ID
	}
	return &models.BalanceRule{
		ID:                 uuid.New(),
		Property:           models.PropertyNative,
		Address:            address,
		TargetAmount:       target,
		TargetConfirmation: confirmation,
		OriginalTimeout:    timeout,
		RemainingTimeout:   timeout,
		TimeoutStatus:      "expired",
		CallbackID:         cbID,
		Status:             models.BalanceRuleUncompleted,
		CreatedAt:          time.Now().UTC(),
	}
}

func creditTx(n byte, address string, amount int64) *models.Transaction {
	return &models.Transaction{
		Hash: chainhash.Hash{0xdd, n},
		Changes: []models.TokenChange{
			{Address: address, Property: models.PropertyNative, Amount: amount},
		},
	}
}

func TestBalanceWatcher_CumulativeSuccess(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()
	cb := addTestCallback(t, d)

	// Target 100 at 3 confirmations; paid as 60 then 50.
	rule := balanceRule(cb, "addr1", 100, 3, time.Hour)
	if err := w.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	if err := w.BlockAdded(ctx, blockWith(100, creditTx(1, "addr1", 60))); err != nil {
		t.Fatalf("BlockAdded(100) error = %v", err)
	}
	if err := w.BlockAdded(ctx, blockWith(101, creditTx(2, "addr1", 50))); err != nil {
		t.Fatalf("BlockAdded(101) error = %v", err)
	}
	if err := w.BlockAdded(ctx, blockWith(102)); err != nil {
		t.Fatalf("BlockAdded(102) error = %v", err)
	}

	// First transaction confirmed but only 60 of 100.
	got, err := d.GetBalanceRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetBalanceRule() error = %v", err)
	}
	if got.Status != models.BalanceRuleUncompleted {
		t.Fatalf("Status = %q, want UNCOMPLETED at 60 confirmed", got.Status)
	}

	if err := w.BlockAdded(ctx, blockWith(103)); err != nil {
		t.Fatalf("BlockAdded(103) error = %v", err)
	}

	got, _ = d.GetBalanceRule(ctx, rule.ID)
	if got.Status != models.BalanceRuleSucceeded {
		t.Fatalf("Status = %q, want SUCCEEDED once both transactions confirmed", got.Status)
	}

	results := notifier.all()
	if len(results) != 1 {
		t.Fatalf("got %d notifications, want exactly 1", len(results))
	}
	if results[0].result.Status != models.CallbackStatusSuccess {
		t.Errorf("status = %q, want success", results[0].result.Status)
	}
	var data models.BalanceRuleResult
	if err := json.Unmarshal(results[0].result.Data, &data); err != nil {
		t.Fatalf("failed to decode result data: %v", err)
	}
	if data.ConfirmedAmount != 110 || data.TargetAmount != 100 || data.Address != "addr1" {
		t.Errorf("result data = %+v", data)
	}
}

func TestBalanceWatcher_TimeoutWithCustomStatus(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()
	cb := addTestCallback(t, d)

	rule := balanceRule(cb, "addr1", 100, 3, 30*time.Millisecond)
	if err := w.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	waitFor(t, "timeout notification", func() bool {
		return len(notifier.all()) == 1
	})

	got, _ := d.GetBalanceRule(ctx, rule.ID)
	if got.Status != models.BalanceRuleTimedOut {
		t.Errorf("Status = %q, want TIMED_OUT", got.Status)
	}
	if s := notifier.all()[0].result.Status; s != "expired" {
		t.Errorf("status = %q, want the rule's custom timeout status", s)
	}
}

func TestBalanceWatcher_TimeoutWithoutCallback(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()

	rule := balanceRule(nil, "addr1", 100, 3, 30*time.Millisecond)
	if err := w.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	waitFor(t, "rule timeout", func() bool {
		r, err := d.GetBalanceRule(ctx, rule.ID)
		return err == nil && r.Status == models.BalanceRuleTimedOut
	})

	if n := len(notifier.all()); n != 0 {
		t.Errorf("got %d notifications, want none for a rule without callback", n)
	}
}

func TestBalanceWatcher_WatchSuspendsCountdown(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()
	cb := addTestCallback(t, d)

	rule := balanceRule(cb, "addr1", 100, 3, 80*time.Millisecond)
	if err := w.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	// A watch claims the rule before the countdown fires; the rule must not
	// time out while the watch is live.
	if err := w.BlockAdded(ctx, blockWith(100, creditTx(1, "addr1", 60))); err != nil {
		t.Fatalf("BlockAdded() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	got, _ := d.GetBalanceRule(ctx, rule.ID)
	if got.Status != models.BalanceRuleUncompleted {
		t.Errorf("Status = %q, want UNCOMPLETED while a watch is live", got.Status)
	}
	if n := len(notifier.all()); n != 0 {
		t.Errorf("got %d notifications, want none", n)
	}
}

func TestBalanceWatcher_ReorgResumesCountdown(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()
	cb := addTestCallback(t, d)

	rule := balanceRule(cb, "addr1", 100, 3, time.Hour)
	if err := w.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	anchor := blockWith(100, creditTx(1, "addr1", 60))
	if err := w.BlockAdded(ctx, anchor); err != nil {
		t.Fatalf("BlockAdded() error = %v", err)
	}
	count, err := d.CountUncompletedBalanceWatches(ctx, rule.ID)
	if err != nil {
		t.Fatalf("CountUncompletedBalanceWatches() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("watch count = %d, want 1", count)
	}

	// Disconnect the anchor: the watch is rejected and the countdown resumes.
	if err := w.BlockRemoving(ctx, &models.Block{Hash: anchor.Hash, Height: anchor.Height}); err != nil {
		t.Fatalf("BlockRemoving() error = %v", err)
	}

	count, _ = d.CountUncompletedBalanceWatches(ctx, rule.ID)
	if count != 0 {
		t.Errorf("watch count = %d, want 0 after reorg", count)
	}
	got, _ := d.GetBalanceRule(ctx, rule.ID)
	if got.Status != models.BalanceRuleUncompleted {
		t.Errorf("Status = %q, want UNCOMPLETED", got.Status)
	}
	if n := len(notifier.all()); n != 0 {
		t.Errorf("got %d notifications, want none on reorg", n)
	}

	// The countdown is live again: a second claim through a new block works.
	if err := w.BlockAdded(ctx, blockWith(200, creditTx(2, "addr1", 110))); err != nil {
		t.Fatalf("BlockAdded(200) error = %v", err)
	}
	count, _ = d.CountUncompletedBalanceWatches(ctx, rule.ID)
	if count != 1 {
		t.Errorf("watch count = %d, want 1 after re-anchor", count)
	}
}

func TestBalanceWatcher_MultipleRulesSameAddress(t *testing.T) {
	d := newTestStore(t)
	notifier := &fakeNotifier{}
	w := NewBalanceWatcher(models.PropertyNative, d, notifier)
	defer w.Shutdown(context.Background())
	ctx := context.Background()
	cb := addTestCallback(t, d)

	// The oldest uncompleted rule for the address receives the watch.
	oldest := balanceRule(cb, "addr1", 50, 1, time.Hour)
	if err := w.AddRule(ctx, oldest); err != nil {
		t.Fatalf("AddRule(oldest) error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	newer := balanceRule(cb, "addr1", 500, 1, time.Hour)
	if err := w.AddRule(ctx, newer); err != nil {
		t.Fatalf("AddRule(newer) error = %v", err)
	}

	if err := w.BlockAdded(ctx, blockWith(100, creditTx(1, "addr1", 60))); err != nil {
		t.Fatalf("BlockAdded() error = %v", err)
	}

	got, _ := d.GetBalanceRule(ctx, oldest.ID)
	if got.Status != models.BalanceRuleSucceeded {
		t.Errorf("oldest rule Status = %q, want SUCCEEDED", got.Status)
	}
	got, _ = d.GetBalanceRule(ctx, newer.ID)
	if got.Status != models.BalanceRuleUncompleted {
		t.Errorf("newer rule Status = %q, want UNCOMPLETED", got.Status)
	}
}
