package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// Notifier delivers a rule's result to its registered callback.
type Notifier interface {
	Notify(ctx context.Context, callbackID uuid.UUID, result models.CallbackResult) error
}

// TransactionStore is the persistence surface of the transaction watcher.
type TransactionStore interface {
	AddTransactionRule(ctx context.Context, r *models.TransactionRule) error
	GetTransactionRule(ctx context.Context, id uuid.UUID) (*models.TransactionRule, error)
	ListWaitingTransactionRules(ctx context.Context) ([]*models.TransactionRule, error)
	ListWaitingTransactionRulesByHash(ctx context.Context, hash chainhash.Hash) ([]*models.TransactionRule, error)
	ListPendingTransactionWatches(ctx context.Context) ([]*models.TransactionWatch, error)
	ClaimTransactionWatch(ctx context.Context, w *models.TransactionWatch, consumed time.Duration) error
	MarkTransactionRuleSuccess(ctx context.Context, ruleID, watchID uuid.UUID) (bool, error)
	MarkTransactionRuleTimeout(ctx context.Context, ruleID uuid.UUID) (bool, error)
	RejectTransactionWatch(ctx context.Context, ruleID, watchID uuid.UUID) error
	GetRemainingWaitingTime(ctx context.Context, id uuid.UUID) (time.Duration, error)
	SubtractRemainingWaitingTime(ctx context.Context, id uuid.UUID, consumed time.Duration) error
}

// TransactionConfirmationWatcher tracks transaction confirmation rules: each
// rule waits for its transaction to accrue a confirmation count before the
// rule's timeout elapses, then fires the success or timeout callback, exactly
// one of the two. The countdown only runs while the rule has no current watch;
// while a watch is pending the rule cannot time out.
type TransactionConfirmationWatcher struct {
	store    TransactionStore
	notifier Notifier
	timers   *TimerSet
	engine   *ConfirmationEngine[*models.TransactionRule]
}

// NewTransactionConfirmationWatcher wires a watcher over the given store and
// notifier. Call Resume before feeding block events.
func NewTransactionConfirmationWatcher(store TransactionStore, notifier Notifier) *TransactionConfirmationWatcher {
	w := &TransactionConfirmationWatcher{
		store:    store,
		notifier: notifier,
	}
	w.timers = NewTimerSet(w.onTimeout)
	w.engine = NewConfirmationEngine[*models.TransactionRule]("transaction", w)
	return w
}

func transactionTimerKey(r *models.TransactionRule) TimerKey {
	return TimerKey{Group: r.TxHash.String(), Rule: r.ID}
}

// AddRule persists a new rule and starts its timeout countdown.
func (w *TransactionConfirmationWatcher) AddRule(ctx context.Context, r *models.TransactionRule) error {
	if err := w.store.AddTransactionRule(ctx, r); err != nil {
		return err
	}
	if err := w.timers.Start(transactionTimerKey(r), r.RemainingTimeout); err != nil {
		return fmt.Errorf("failed to start timer for rule %s: %w", r.ID, err)
	}
	return nil
}

// Resume restores timers for rules that were waiting when the process last
// stopped. Rules with a pending watch need no timer; their countdown is
// suspended until the watch is rejected by a reorg.
func (w *TransactionConfirmationWatcher) Resume(ctx context.Context) error {
	rules, err := w.store.ListWaitingTransactionRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load waiting rules: %w", err)
	}

	for _, r := range rules {
		if err := w.timers.Start(transactionTimerKey(r), r.RemainingTimeout); err != nil {
			return fmt.Errorf("failed to restore timer for rule %s: %w", r.ID, err)
		}
	}

	slog.Info("transaction watcher resumed", "restoredTimers", len(rules))
	return nil
}

// Shutdown stops unfired timers and persists how much of each countdown was
// consumed, so a restart resumes rules with their correct remainders.
func (w *TransactionConfirmationWatcher) Shutdown(ctx context.Context) error {
	remainders, err := w.timers.Shutdown(ctx)
	for _, r := range remainders {
		if serr := w.store.SubtractRemainingWaitingTime(ctx, r.Key.Rule, r.Elapsed); serr != nil {
			slog.Error("failed to persist timer remainder",
				"ruleID", r.Key.Rule.String(),
				"elapsed", r.Elapsed.String(),
				"error", serr,
			)
		}
	}
	return err
}

// BlockAdded processes a newly connected block. Calls must arrive in
// ascending chain order.
func (w *TransactionConfirmationWatcher) BlockAdded(ctx context.Context, block *models.Block) error {
	return w.engine.Execute(ctx, block, BlockEventAdded)
}

// BlockRemoving processes a block about to be disconnected. Calls must arrive
// in descending chain order, tip first.
func (w *TransactionConfirmationWatcher) BlockRemoving(ctx context.Context, block *models.Block) error {
	return w.engine.Execute(ctx, block, BlockEventRemoving)
}

// onTimeout runs when a rule's countdown fires. The guarded status transition
// decides the race against a concurrent claim: if the confirmation path got
// there first the transition is a no-op and no callback fires.
func (w *TransactionConfirmationWatcher) onTimeout(key TimerKey) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	ok, err := w.store.MarkTransactionRuleTimeout(ctx, key.Rule)
	if err != nil {
		slog.Error("failed to time out transaction rule", "ruleID", key.Rule.String(), "error", err)
		return
	}
	if !ok {
		slog.Debug("timeout lost to confirmation path", "ruleID", key.Rule.String())
		return
	}

	rule, err := w.store.GetTransactionRule(ctx, key.Rule)
	if err != nil {
		slog.Error("failed to load timed-out rule", "ruleID", key.Rule.String(), "error", err)
		return
	}

	result := models.CallbackResult{
		Status: models.CallbackStatusTimeout,
		Data:   rule.TimeoutPayload,
	}
	if err := w.notifier.Notify(ctx, rule.CallbackID, result); err != nil {
		slog.Error("failed to notify timeout", "ruleID", rule.ID.String(), "error", err)
	}
}

// CreateContexts returns the waiting rules matched by the transaction's hash.
func (w *TransactionConfirmationWatcher) CreateContexts(ctx context.Context, tx *models.Transaction) ([]*models.TransactionRule, error) {
	return w.store.ListWaitingTransactionRulesByHash(ctx, tx.Hash)
}

// AddWatches claims each rule for the confirmation path: the rule's timer is
// stopped first, and only a successful stop may create the durable watch. A
// fired timer wins; its rule is skipped and times out.
func (w *TransactionConfirmationWatcher) AddWatches(ctx context.Context, watches []Watch[*models.TransactionRule]) error {
	for _, watch := range watches {
		rule := watch.Context

		elapsed, expired, err := w.timers.Stop(transactionTimerKey(rule))
		if errors.Is(err, config.ErrTimerNotFound) || errors.Is(err, config.ErrWatcherStopped) {
			slog.Warn("no timer for matched rule, skipping watch", "ruleID", rule.ID.String())
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stop timer for rule %s: %w", rule.ID, err)
		}
		if expired {
			slog.Info("rule timed out before its watch could start", "ruleID", rule.ID.String())
			continue
		}

		record := &models.TransactionWatch{
			ID:          watch.ID,
			RuleID:      rule.ID,
			StartBlock:  watch.StartBlock,
			StartHeight: watch.StartHeight,
			StartTime:   watch.StartTime,
			Status:      models.WatchStatusPending,
		}
		if err := w.store.ClaimTransactionWatch(ctx, record, elapsed); err != nil {
			if errors.Is(err, config.ErrAlreadyWatched) {
				slog.Warn("rule claimed concurrently, skipping watch", "ruleID", rule.ID.String())
				continue
			}
			// The timer is already stopped. Restart it with what was left so
			// the rule can still be claimed when the block is retried, or time
			// out if it never is.
			remaining := rule.RemainingTimeout - elapsed
			if remaining < 0 {
				remaining = 0
			}
			if rerr := w.timers.Start(transactionTimerKey(rule), remaining); rerr != nil {
				slog.Error("failed to restart timer after claim failure",
					"ruleID", rule.ID.String(),
					"error", rerr,
				)
			}
			return err
		}
	}
	return nil
}

// GetCurrentWatches returns every pending watch with its rule as context.
func (w *TransactionConfirmationWatcher) GetCurrentWatches(ctx context.Context) ([]Watch[*models.TransactionRule], error) {
	records, err := w.store.ListPendingTransactionWatches(ctx)
	if err != nil {
		return nil, err
	}

	watches := make([]Watch[*models.TransactionRule], 0, len(records))
	for _, r := range records {
		watches = append(watches, Watch[*models.TransactionRule]{
			ID:          r.ID,
			Context:     r.Rule,
			StartBlock:  r.StartBlock,
			StartHeight: r.StartHeight,
			StartTime:   r.StartTime,
			Transaction: r.Rule.TxHash,
		})
	}
	return watches, nil
}

// ConfirmationUpdate reports whether the watch reached its rule's target.
// Confirmation counts are derived from heights, so nothing is persisted here.
func (w *TransactionConfirmationWatcher) ConfirmationUpdate(ctx context.Context, watch Watch[*models.TransactionRule], confirmation int32, ctype ConfirmationType) (bool, error) {
	rule := watch.Context

	slog.Debug("transaction watch confirmation",
		"ruleID", rule.ID.String(),
		"watchID", watch.ID.String(),
		"confirmation", confirmation,
		"target", rule.Confirmations,
		"type", ctype.String(),
	)
	return confirmation >= rule.Confirmations, nil
}

// RemoveWatch finalizes a watch. A completed watch resolves its rule to
// SUCCESS and fires the success callback; a watch that merely lost its anchor
// block is rejected and the rule's countdown resumes from its remainder.
func (w *TransactionConfirmationWatcher) RemoveWatch(ctx context.Context, watch Watch[*models.TransactionRule], reason RemoveReason) error {
	rule := watch.Context

	if reason.Has(RemoveReasonCompleted) {
		ok, err := w.store.MarkTransactionRuleSuccess(ctx, rule.ID, watch.ID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		result := models.CallbackResult{
			Status: models.CallbackStatusSuccess,
			Data:   rule.SuccessPayload,
		}
		if err := w.notifier.Notify(ctx, rule.CallbackID, result); err != nil {
			return fmt.Errorf("failed to notify success for rule %s: %w", rule.ID, err)
		}
		return nil
	}

	// Anchor block removed: the observation restarts from scratch. Reject the
	// watch, release the rule and resume its countdown with the remainder.
	if err := w.store.RejectTransactionWatch(ctx, rule.ID, watch.ID); err != nil {
		return err
	}

	remaining, err := w.store.GetRemainingWaitingTime(ctx, rule.ID)
	if err != nil {
		return err
	}
	if err := w.timers.Start(transactionTimerKey(rule), remaining); err != nil {
		return fmt.Errorf("failed to restart timer for rule %s: %w", rule.ID, err)
	}

	slog.Info("transaction watch rejected by reorg, countdown resumed",
		"ruleID", rule.ID.String(),
		"watchID", watch.ID.String(),
		"remaining", remaining.String(),
	)
	return nil
}
