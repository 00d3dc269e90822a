package watcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Fantasim/chainwatch/internal/models"
)

// BalanceChange is one address's delta discovered in a transaction, together
// with the rule-type-specific context it belongs to.
type BalanceChange[C any] struct {
	Context C
	Amount  int64
}

// BalanceWatchRecord is a balance watch as seen by the engine: a generic watch
// plus the delta it contributes and the confirmation count persisted so far.
// The count lives in Confirmations so it does not shadow the embedded watch's
// Confirmation method.
type BalanceWatchRecord[C any] struct {
	Watch[C]
	Change        int64
	Confirmations int32
}

// BalanceHandler is the capability interface a balance watcher implements to
// drive the balance engine.
type BalanceHandler[C any] interface {
	// GetBalanceChanges returns the watched addresses affected by tx and by
	// how much, keyed by address. A zero delta is a valid change: it still
	// materializes a watch whose confirmation count tracks the chain.
	GetBalanceChanges(ctx context.Context, tx *models.Transaction) (map[string]BalanceChange[C], error)

	// AddWatches durably creates the given watches, skipping any whose rule
	// was claimed by a concurrently firing timer.
	AddWatches(ctx context.Context, watches []BalanceWatchRecord[C]) error

	// GetCurrentWatches returns every uncompleted watch.
	GetCurrentWatches(ctx context.Context) ([]BalanceWatchRecord[C], error)

	// ConfirmationUpdate persists the watch's new confirmation count and
	// returns true when the cumulative confirmed balance of the watch's rule
	// now reaches the rule's target.
	ConfirmationUpdate(ctx context.Context, watch BalanceWatchRecord[C], confirmation int32, ctype ConfirmationType) (bool, error)

	// RemoveWatch finalizes a watch that resolved its rule.
	RemoveWatch(ctx context.Context, watch BalanceWatchRecord[C], reason RemoveReason) error

	// RemoveUncompletedWatches bulk-rejects every uncompleted watch anchored
	// at the removed block. Called exactly once per reorg step.
	RemoveUncompletedWatches(ctx context.Context, block *models.Block) error
}

// BalanceEngine is the balance-rule specialization of the confirmation engine:
// watches are keyed by address and cumulative balance delta rather than by a
// single transaction hash, and several watches can serve one rule at once.
// Callers must serialize Execute invocations in chain order.
type BalanceEngine[C any] struct {
	name    string
	handler BalanceHandler[C]
}

// NewBalanceEngine creates a balance engine driven by the given handler.
func NewBalanceEngine[C any](name string, handler BalanceHandler[C]) *BalanceEngine[C] {
	return &BalanceEngine[C]{name: name, handler: handler}
}

// Execute processes one block event to completion.
func (e *BalanceEngine[C]) Execute(ctx context.Context, block *models.Block, event BlockEvent) error {
	slog.Debug("balance engine executing block event",
		"engine", e.name,
		"block", block.Hash.String(),
		"height", block.Height,
		"event", event.String(),
	)

	switch event {
	case BlockEventAdded:
		if err := e.createWatches(ctx, block); err != nil {
			return err
		}
		return e.confirmWatches(ctx, block)
	case BlockEventRemoving:
		if err := e.unconfirmWatches(ctx, block); err != nil {
			return err
		}
		return e.handler.RemoveUncompletedWatches(ctx, block)
	default:
		return fmt.Errorf("unknown block event %d", int(event))
	}
}

// createWatches asks the handler once per transaction which watched addresses
// it affects and anchors one watch per affected address at this block.
func (e *BalanceEngine[C]) createWatches(ctx context.Context, block *models.Block) error {
	var watches []BalanceWatchRecord[C]

	for _, tx := range block.Transactions {
		changes, err := e.handler.GetBalanceChanges(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to get balance changes for transaction %s: %w", tx.Hash, err)
		}
		for _, change := range changes {
			watches = append(watches, BalanceWatchRecord[C]{
				Watch:  NewWatch(change.Context, block.Hash, block.Height, tx.Hash),
				Change: change.Amount,
			})
		}
	}

	if len(watches) == 0 {
		return nil
	}

	if err := e.handler.AddWatches(ctx, watches); err != nil {
		return fmt.Errorf("failed to add %d balance watches at block %s: %w", len(watches), block.Hash, err)
	}

	slog.Info("balance watches created for new block",
		"engine", e.name,
		"block", block.Hash.String(),
		"height", block.Height,
		"count", len(watches),
	)
	return nil
}

func (e *BalanceEngine[C]) confirmWatches(ctx context.Context, block *models.Block) error {
	watches, err := e.handler.GetCurrentWatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current balance watches: %w", err)
	}

	for _, w := range watches {
		if w.StartHeight > block.Height {
			continue
		}

		confirmation := w.Confirmation(block.Height)
		resolved, err := e.handler.ConfirmationUpdate(ctx, w, confirmation, ConfirmationConfirmed)
		if err != nil {
			return fmt.Errorf("confirmation update failed for balance watch %s: %w", w.ID, err)
		}
		if !resolved {
			continue
		}

		if err := e.handler.RemoveWatch(ctx, w, RemoveReasonCompleted); err != nil {
			return fmt.Errorf("failed to remove completed balance watch %s: %w", w.ID, err)
		}
	}
	return nil
}

// unconfirmWatches decrements the confirmation count of watches affected by
// the removed block, never below zero. Watches anchored exactly at the removed
// block are skipped here; RemoveUncompletedWatches rejects them wholesale.
func (e *BalanceEngine[C]) unconfirmWatches(ctx context.Context, block *models.Block) error {
	watches, err := e.handler.GetCurrentWatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current balance watches: %w", err)
	}

	for _, w := range watches {
		if w.StartHeight > block.Height || w.StartBlock == block.Hash {
			continue
		}

		confirmation := w.Confirmation(block.Height) - 1
		if confirmation < 0 {
			confirmation = 0
		}

		resolved, err := e.handler.ConfirmationUpdate(ctx, w, confirmation, ConfirmationUnconfirming)
		if err != nil {
			return fmt.Errorf("unconfirming update failed for balance watch %s: %w", w.ID, err)
		}
		if !resolved {
			continue
		}

		if err := e.handler.RemoveWatch(ctx, w, RemoveReasonCompleted); err != nil {
			return fmt.Errorf("failed to remove balance watch %s: %w", w.ID, err)
		}
	}
	return nil
}
