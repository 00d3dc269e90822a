package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/models"
)

// BlockEvent tells the engine whether a block joined or is leaving the chain.
type BlockEvent int

const (
	BlockEventAdded BlockEvent = iota
	BlockEventRemoving
)

func (e BlockEvent) String() string {
	switch e {
	case BlockEventAdded:
		return "added"
	case BlockEventRemoving:
		return "removing"
	default:
		return fmt.Sprintf("BlockEvent(%d)", int(e))
	}
}

// ConfirmationType tells a handler whether a confirmation update raises or
// lowers a watch's confirmation count.
type ConfirmationType int

const (
	ConfirmationConfirmed ConfirmationType = iota
	ConfirmationUnconfirming
)

func (t ConfirmationType) String() string {
	switch t {
	case ConfirmationConfirmed:
		return "confirmed"
	case ConfirmationUnconfirming:
		return "unconfirming"
	default:
		return fmt.Sprintf("ConfirmationType(%d)", int(t))
	}
}

// RemoveReason is a bit set describing why a watch is being removed.
type RemoveReason int

const (
	// RemoveReasonCompleted means the watch resolved its rule.
	RemoveReasonCompleted RemoveReason = 1 << iota

	// RemoveReasonBlockRemoved means the watch's anchor block left the chain.
	RemoveReasonBlockRemoved
)

// Has reports whether all flags in f are set.
func (r RemoveReason) Has(f RemoveReason) bool {
	return r&f == f
}

// Watch is the engine-level record of one anchored observation, generic over
// the rule-type-specific context C.
type Watch[C any] struct {
	ID          uuid.UUID
	Context     C
	StartBlock  chainhash.Hash
	StartHeight int32
	StartTime   time.Time
	Transaction chainhash.Hash
}

// NewWatch creates a watch anchored at the given block with a fresh id.
// A watch restarted after a reorg gets a new id; there is no identity
// continuity across reorg restarts.
func NewWatch[C any](context C, startBlock chainhash.Hash, startHeight int32, tx chainhash.Hash) Watch[C] {
	return Watch[C]{
		ID:          uuid.New(),
		Context:     context,
		StartBlock:  startBlock,
		StartHeight: startHeight,
		StartTime:   time.Now().UTC(),
		Transaction: tx,
	}
}

// Confirmation returns the watch's confirmation count as of the given chain
// height: blocks since the anchor, inclusive.
func (w Watch[C]) Confirmation(height int32) int32 {
	return height - w.StartHeight + 1
}

// ConfirmationHandler is the capability interface a rule-type watcher
// implements to drive the generic engine.
type ConfirmationHandler[C any] interface {
	// CreateContexts returns the contexts of rules newly matched by tx,
	// in the order watches should be created for them.
	CreateContexts(ctx context.Context, tx *models.Transaction) ([]C, error)

	// AddWatches durably creates the given watches. Implementations must
	// only persist watches whose rule is still live (the timer for the rule
	// may fire concurrently; a fired timer wins).
	AddWatches(ctx context.Context, watches []Watch[C]) error

	// GetCurrentWatches returns every watch that is still pending.
	GetCurrentWatches(ctx context.Context) ([]Watch[C], error)

	// ConfirmationUpdate reports a watch's new confirmation count and returns
	// true when the watch is now resolved.
	ConfirmationUpdate(ctx context.Context, watch Watch[C], confirmation int32, ctype ConfirmationType) (bool, error)

	// RemoveWatch finalizes a watch for the given reason.
	RemoveWatch(ctx context.Context, watch Watch[C], reason RemoveReason) error
}

// ConfirmationEngine recomputes confirmation counts for in-flight watches as
// blocks are added and removed, delegating rule-type-specific decisions to a
// handler. Callers must serialize Execute invocations in chain order:
// ascending for added blocks, descending for removed ones. The engine holds
// no state of its own; restart safety comes from the handler's storage.
type ConfirmationEngine[C any] struct {
	name    string
	handler ConfirmationHandler[C]
}

// NewConfirmationEngine creates an engine driven by the given handler.
func NewConfirmationEngine[C any](name string, handler ConfirmationHandler[C]) *ConfirmationEngine[C] {
	return &ConfirmationEngine[C]{name: name, handler: handler}
}

// Execute processes one block event to completion.
func (e *ConfirmationEngine[C]) Execute(ctx context.Context, block *models.Block, event BlockEvent) error {
	slog.Debug("engine executing block event",
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
		return e.unconfirmWatches(ctx, block)
	default:
		return fmt.Errorf("unknown block event %d", int(event))
	}
}

// createWatches materializes fresh watches for rules newly matched by the
// block's transactions, anchored at this block. One watch per (rule, context)
// pair, in the handler's insertion order.
func (e *ConfirmationEngine[C]) createWatches(ctx context.Context, block *models.Block) error {
	var watches []Watch[C]

	for _, tx := range block.Transactions {
		contexts, err := e.handler.CreateContexts(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to create contexts for transaction %s: %w", tx.Hash, err)
		}
		for _, c := range contexts {
			watches = append(watches, NewWatch(c, block.Hash, block.Height, tx.Hash))
		}
	}

	if len(watches) == 0 {
		return nil
	}

	if err := e.handler.AddWatches(ctx, watches); err != nil {
		return fmt.Errorf("failed to add %d watches at block %s: %w", len(watches), block.Hash, err)
	}

	slog.Info("watches created for new block",
		"engine", e.name,
		"block", block.Hash.String(),
		"height", block.Height,
		"count", len(watches),
	)
	return nil
}

// confirmWatches raises the confirmation count of every pending watch anchored
// at or below the added block, removing watches the handler resolves.
func (e *ConfirmationEngine[C]) confirmWatches(ctx context.Context, block *models.Block) error {
	watches, err := e.handler.GetCurrentWatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current watches: %w", err)
	}

	for _, w := range watches {
		if w.StartHeight > block.Height {
			continue
		}

		confirmation := w.Confirmation(block.Height)
		resolved, err := e.handler.ConfirmationUpdate(ctx, w, confirmation, ConfirmationConfirmed)
		if err != nil {
			return fmt.Errorf("confirmation update failed for watch %s: %w", w.ID, err)
		}
		if !resolved {
			continue
		}

		if err := e.handler.RemoveWatch(ctx, w, RemoveReasonCompleted); err != nil {
			return fmt.Errorf("failed to remove completed watch %s: %w", w.ID, err)
		}
	}
	return nil
}

// unconfirmWatches lowers confirmation counts for watches affected by the
// removal of a block. Watches anchored exactly at the removed block are always
// removed: their anchor no longer exists, so observation must restart from
// scratch once the reorg settles.
func (e *ConfirmationEngine[C]) unconfirmWatches(ctx context.Context, block *models.Block) error {
	watches, err := e.handler.GetCurrentWatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current watches: %w", err)
	}

	for _, w := range watches {
		if w.StartHeight > block.Height {
			continue
		}

		confirmation := w.Confirmation(block.Height) - 1
		resolved, err := e.handler.ConfirmationUpdate(ctx, w, confirmation, ConfirmationUnconfirming)
		if err != nil {
			return fmt.Errorf("unconfirming update failed for watch %s: %w", w.ID, err)
		}

		var reason RemoveReason
		if resolved {
			reason |= RemoveReasonCompleted
		}
		if w.StartBlock == block.Hash {
			reason |= RemoveReasonBlockRemoved
		}
		if reason == 0 {
			continue
		}

		if err := e.handler.RemoveWatch(ctx, w, reason); err != nil {
			return fmt.Errorf("failed to remove watch %s during reorg: %w", w.ID, err)
		}

		slog.Info("watch removed on block removal",
			"engine", e.name,
			"watchID", w.ID.String(),
			"block", block.Hash.String(),
			"height", block.Height,
			"completed", reason.Has(RemoveReasonCompleted),
			"blockRemoved", reason.Has(RemoveReasonBlockRemoved),
		)
	}
	return nil
}
