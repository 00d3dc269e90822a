package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// BalanceStore is the persistence surface of the balance watcher.
type BalanceStore interface {
	AddBalanceRule(ctx context.Context, r *models.BalanceRule) error
	GetBalanceRule(ctx context.Context, id uuid.UUID) (*models.BalanceRule, error)
	ListUncompletedBalanceRules(ctx context.Context, property models.PropertyID) ([]*models.BalanceRule, error)
	ListUncompletedBalanceRulesByAddress(ctx context.Context, property models.PropertyID, address string) ([]*models.BalanceRule, error)
	GetBalanceRuleRemainingTime(ctx context.Context, id uuid.UUID) (time.Duration, error)
	SubtractBalanceRuleRemainingTime(ctx context.Context, id uuid.UUID, consumed time.Duration) error
	MarkBalanceRuleSucceeded(ctx context.Context, ruleID uuid.UUID) (bool, error)
	MarkBalanceRuleTimedOut(ctx context.Context, ruleID uuid.UUID) (bool, error)
	ClaimBalanceWatch(ctx context.Context, w *models.BalanceWatch, consumed time.Duration) error
	AddBalanceWatch(ctx context.Context, w *models.BalanceWatch) error
	ListUncompletedBalanceWatches(ctx context.Context) ([]*models.BalanceWatch, error)
	UpdateBalanceWatchConfirmation(ctx context.Context, id uuid.UUID, confirmation int32) error
	SumConfirmedBalance(ctx context.Context, ruleID uuid.UUID, minConfirmation int32) (int64, error)
	RejectUncompletedWatchesByBlock(ctx context.Context, property models.PropertyID, block chainhash.Hash) ([]uuid.UUID, error)
	CountUncompletedBalanceWatches(ctx context.Context, ruleID uuid.UUID) (int, error)
}

// BalanceWatcher tracks balance rules for one property: a rule succeeds once
// the watched address has received its target amount across transactions that
// each reached the rule's confirmation target, or times out otherwise. The
// countdown only runs while a rule has no uncompleted watch; any live watch
// suspends it.
type BalanceWatcher struct {
	property models.PropertyID
	store    BalanceStore
	notifier Notifier
	timers   *TimerSet
	engine   *BalanceEngine[*models.BalanceRule]
}

// NewBalanceWatcher wires a watcher for the given property. Call Resume before
// feeding block events.
func NewBalanceWatcher(property models.PropertyID, store BalanceStore, notifier Notifier) *BalanceWatcher {
	w := &BalanceWatcher{
		property: property,
		store:    store,
		notifier: notifier,
	}
	w.timers = NewTimerSet(w.onTimeout)
	w.engine = NewBalanceEngine[*models.BalanceRule](fmt.Sprintf("balance-%d", property), w)
	return w
}

// Property returns the property this watcher is bound to.
func (w *BalanceWatcher) Property() models.PropertyID {
	return w.property
}

func balanceTimerKey(r *models.BalanceRule) TimerKey {
	return TimerKey{Group: r.Address, Rule: r.ID}
}

// AddRule persists a new balance rule and starts its timeout countdown.
func (w *BalanceWatcher) AddRule(ctx context.Context, r *models.BalanceRule) error {
	if r.Property != w.property {
		return fmt.Errorf("rule property %d: %w", r.Property, config.ErrUnknownProperty)
	}
	if err := w.store.AddBalanceRule(ctx, r); err != nil {
		return err
	}
	if err := w.timers.Start(balanceTimerKey(r), r.RemainingTimeout); err != nil {
		return fmt.Errorf("failed to start timer for balance rule %s: %w", r.ID, err)
	}
	return nil
}

// Resume restores timers for uncompleted rules with no live watch. Rules with
// uncompleted watches have their countdown suspended and need no timer.
func (w *BalanceWatcher) Resume(ctx context.Context) error {
	rules, err := w.store.ListUncompletedBalanceRules(ctx, w.property)
	if err != nil {
		return fmt.Errorf("failed to load uncompleted balance rules: %w", err)
	}

	restored := 0
	for _, r := range rules {
		count, err := w.store.CountUncompletedBalanceWatches(ctx, r.ID)
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := w.timers.Start(balanceTimerKey(r), r.RemainingTimeout); err != nil {
			return fmt.Errorf("failed to restore timer for balance rule %s: %w", r.ID, err)
		}
		restored++
	}

	slog.Info("balance watcher resumed", "property", w.property, "restoredTimers", restored)
	return nil
}

// Shutdown stops unfired timers and persists the consumed countdown time.
func (w *BalanceWatcher) Shutdown(ctx context.Context) error {
	remainders, err := w.timers.Shutdown(ctx)
	for _, r := range remainders {
		if serr := w.store.SubtractBalanceRuleRemainingTime(ctx, r.Key.Rule, r.Elapsed); serr != nil {
			slog.Error("failed to persist balance timer remainder",
				"ruleID", r.Key.Rule.String(),
				"elapsed", r.Elapsed.String(),
				"error", serr,
			)
		}
	}
	return err
}

// BlockAdded processes a newly connected block.
func (w *BalanceWatcher) BlockAdded(ctx context.Context, block *models.Block) error {
	return w.engine.Execute(ctx, block, BlockEventAdded)
}

// BlockRemoving processes a block about to be disconnected.
func (w *BalanceWatcher) BlockRemoving(ctx context.Context, block *models.Block) error {
	return w.engine.Execute(ctx, block, BlockEventRemoving)
}

// onTimeout runs when a rule's countdown fires. The guarded transition decides
// the race against a concurrent watch creation.
func (w *BalanceWatcher) onTimeout(key TimerKey) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	ok, err := w.store.MarkBalanceRuleTimedOut(ctx, key.Rule)
	if err != nil {
		slog.Error("failed to time out balance rule", "ruleID", key.Rule.String(), "error", err)
		return
	}
	if !ok {
		slog.Debug("balance timeout lost to confirmation path", "ruleID", key.Rule.String())
		return
	}

	rule, err := w.store.GetBalanceRule(ctx, key.Rule)
	if err != nil {
		slog.Error("failed to load timed-out balance rule", "ruleID", key.Rule.String(), "error", err)
		return
	}
	if rule.CallbackID == nil {
		return
	}

	status := rule.TimeoutStatus
	if status == "" {
		status = models.CallbackStatusTimeout
	}
	confirmed, err := w.store.SumConfirmedBalance(ctx, rule.ID, rule.TargetConfirmation)
	if err != nil {
		slog.Error("failed to sum confirmed balance", "ruleID", rule.ID.String(), "error", err)
		confirmed = 0
	}
	if err := w.notify(ctx, rule, status, confirmed); err != nil {
		slog.Error("failed to notify balance timeout", "ruleID", rule.ID.String(), "error", err)
	}
}

func (w *BalanceWatcher) notify(ctx context.Context, rule *models.BalanceRule, status string, confirmed int64) error {
	data, err := json.Marshal(models.BalanceRuleResult{
		Property:        rule.Property,
		Address:         rule.Address,
		ConfirmedAmount: confirmed,
		TargetAmount:    rule.TargetAmount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal balance result: %w", err)
	}
	return w.notifier.Notify(ctx, *rule.CallbackID, models.CallbackResult{Status: status, Data: data})
}

// GetBalanceChanges nets the transaction's deltas per address for this
// property and attaches the oldest uncompleted rule watching each affected
// address. A zero net delta still counts: the resulting watch contributes
// nothing to the sum but its confirmation count tracks the chain like any
// other.
func (w *BalanceWatcher) GetBalanceChanges(ctx context.Context, tx *models.Transaction) (map[string]BalanceChange[*models.BalanceRule], error) {
	deltas := make(map[string]int64)
	touched := make(map[string]bool)
	for _, change := range tx.Changes {
		if change.Property != w.property {
			continue
		}
		deltas[change.Address] += change.Amount
		touched[change.Address] = true
	}

	changes := make(map[string]BalanceChange[*models.BalanceRule])
	for address := range touched {
		rules, err := w.store.ListUncompletedBalanceRulesByAddress(ctx, w.property, address)
		if err != nil {
			return nil, err
		}
		if len(rules) == 0 {
			continue
		}
		changes[address] = BalanceChange[*models.BalanceRule]{
			Context: rules[0],
			Amount:  deltas[address],
		}
	}
	return changes, nil
}

// AddWatches durably creates the given watches. A rule's first watch claims
// the rule by stopping its timer; later watches attach directly since the
// countdown is already suspended. A fired timer wins and its watch is skipped.
func (w *BalanceWatcher) AddWatches(ctx context.Context, watches []BalanceWatchRecord[*models.BalanceRule]) error {
	for _, watch := range watches {
		rule := watch.Context

		record := &models.BalanceWatch{
			ID:            watch.ID,
			RuleID:        rule.ID,
			TxHash:        watch.Transaction,
			StartBlock:    watch.StartBlock,
			StartHeight:   watch.StartHeight,
			StartTime:     watch.StartTime,
			BalanceChange: watch.Change,
			Confirmation:  1,
			Status:        models.BalanceWatchUncompleted,
		}

		elapsed, expired, err := w.timers.Stop(balanceTimerKey(rule))
		switch {
		case err == nil:
			if expired {
				slog.Info("balance rule timed out before its watch could start", "ruleID", rule.ID.String())
				continue
			}
			err = w.store.ClaimBalanceWatch(ctx, record, elapsed)
		case errors.Is(err, config.ErrTimerNotFound), errors.Is(err, config.ErrWatcherStopped):
			// Countdown already suspended by an earlier watch.
			err = w.store.AddBalanceWatch(ctx, record)
		default:
			return fmt.Errorf("failed to stop timer for balance rule %s: %w", rule.ID, err)
		}

		if err != nil {
			if errors.Is(err, config.ErrRuleAlreadyResolved) {
				slog.Warn("balance rule resolved concurrently, skipping watch", "ruleID", rule.ID.String())
				continue
			}
			return err
		}
	}
	return nil
}

// GetCurrentWatches returns every uncompleted watch with its rule as context.
func (w *BalanceWatcher) GetCurrentWatches(ctx context.Context) ([]BalanceWatchRecord[*models.BalanceRule], error) {
	records, err := w.store.ListUncompletedBalanceWatches(ctx)
	if err != nil {
		return nil, err
	}

	watches := make([]BalanceWatchRecord[*models.BalanceRule], 0, len(records))
	for _, r := range records {
		if r.Rule.Property != w.property {
			continue
		}
		watches = append(watches, BalanceWatchRecord[*models.BalanceRule]{
			Watch: Watch[*models.BalanceRule]{
				ID:          r.ID,
				Context:     r.Rule,
				StartBlock:  r.StartBlock,
				StartHeight: r.StartHeight,
				StartTime:   r.StartTime,
				Transaction: r.TxHash,
			},
			Change:        r.BalanceChange,
			Confirmations: r.Confirmation,
		})
	}
	return watches, nil
}

// ConfirmationUpdate persists the watch's new confirmation count and checks
// whether the rule's confirmed sum now reaches its target.
func (w *BalanceWatcher) ConfirmationUpdate(ctx context.Context, watch BalanceWatchRecord[*models.BalanceRule], confirmation int32, ctype ConfirmationType) (bool, error) {
	rule := watch.Context

	if err := w.store.UpdateBalanceWatchConfirmation(ctx, watch.ID, confirmation); err != nil {
		return false, err
	}

	if confirmation < rule.TargetConfirmation {
		return false, nil
	}

	confirmed, err := w.store.SumConfirmedBalance(ctx, rule.ID, rule.TargetConfirmation)
	if err != nil {
		return false, err
	}

	slog.Debug("balance watch confirmation",
		"ruleID", rule.ID.String(),
		"watchID", watch.ID.String(),
		"confirmation", confirmation,
		"confirmedAmount", confirmed,
		"targetAmount", rule.TargetAmount,
		"type", ctype.String(),
	)
	return confirmed >= rule.TargetAmount, nil
}

// RemoveWatch resolves the watch's rule to SUCCEEDED and fires the success
// callback if one is registered.
func (w *BalanceWatcher) RemoveWatch(ctx context.Context, watch BalanceWatchRecord[*models.BalanceRule], reason RemoveReason) error {
	rule := watch.Context

	ok, err := w.store.MarkBalanceRuleSucceeded(ctx, rule.ID)
	if err != nil {
		return err
	}
	if !ok || rule.CallbackID == nil {
		return nil
	}

	confirmed, err := w.store.SumConfirmedBalance(ctx, rule.ID, rule.TargetConfirmation)
	if err != nil {
		return err
	}
	if err := w.notify(ctx, rule, models.CallbackStatusSuccess, confirmed); err != nil {
		return fmt.Errorf("failed to notify balance success for rule %s: %w", rule.ID, err)
	}
	return nil
}

// RemoveUncompletedWatches rejects every uncompleted watch anchored at the
// removed block. Rules left with no live watch get their countdown resumed
// from the persisted remainder.
func (w *BalanceWatcher) RemoveUncompletedWatches(ctx context.Context, block *models.Block) error {
	ruleIDs, err := w.store.RejectUncompletedWatchesByBlock(ctx, w.property, block.Hash)
	if err != nil {
		return err
	}

	for _, ruleID := range ruleIDs {
		rule, err := w.store.GetBalanceRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if rule.Property != w.property || rule.Status != models.BalanceRuleUncompleted {
			continue
		}

		count, err := w.store.CountUncompletedBalanceWatches(ctx, ruleID)
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		remaining, err := w.store.GetBalanceRuleRemainingTime(ctx, ruleID)
		if err != nil {
			return err
		}
		if err := w.timers.Start(balanceTimerKey(rule), remaining); err != nil {
			if errors.Is(err, config.ErrTimerAlreadyStarted) {
				continue
			}
			return fmt.Errorf("failed to restart timer for balance rule %s: %w", ruleID, err)
		}

		slog.Info("balance rule countdown resumed after reorg",
			"ruleID", ruleID.String(),
			"remaining", remaining.String(),
		)
	}
	return nil
}
