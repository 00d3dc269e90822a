package nodesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// BlockListener consumes block events in chain order: BlockAdded calls arrive
// ascending, BlockRemoving calls descending from the stale tip. The
// synchronizer never overlaps calls to the same listener.
type BlockListener interface {
	BlockAdded(ctx context.Context, block *models.Block) error
	BlockRemoving(ctx context.Context, block *models.Block) error
}

// BlockStore is the local chain index the synchronizer compares the node
// against.
type BlockStore interface {
	BestBlock(ctx context.Context) (chainhash.Hash, int32, error)
	OldestBlockHeight(ctx context.Context) (int32, error)
	GetBlockHashAt(ctx context.Context, height int32) (chainhash.Hash, error)
	AddBlockIndex(ctx context.Context, hash chainhash.Hash, height int32, prev chainhash.Hash) error
	RemoveBlockIndex(ctx context.Context, hash chainhash.Hash) error
}

// Synchronizer polls the node, diffs its chain against the local block index
// and replays the difference to the listeners: disconnected blocks first,
// descending, then connected blocks ascending. All listener calls happen on
// the synchronizer's goroutine, which serializes the whole pipeline.
type Synchronizer struct {
	client    ChainClient
	store     BlockStore
	listeners []BlockListener
	interval  time.Duration
}

// NewSynchronizer creates a synchronizer polling at the given interval.
func NewSynchronizer(client ChainClient, store BlockStore, interval time.Duration, listeners ...BlockListener) *Synchronizer {
	return &Synchronizer{
		client:    client,
		store:     store,
		listeners: listeners,
		interval:  interval,
	}
}

// Run polls until ctx is cancelled. A failed sync round is logged and retried
// on the next tick; the local index is only advanced past blocks every
// listener fully processed, so a retry resumes exactly where the failure hit.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.syncOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("sync round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Synchronizer) syncOnce(ctx context.Context) error {
	nodeBest, err := s.client.BestBlockHash()
	if err != nil {
		return err
	}

	localBest, localHeight, err := s.store.BestBlock(ctx)
	if errors.Is(err, config.ErrBlockNotFound) {
		// Empty index: adopt the node's tip as the starting point. History
		// before it is not replayed; rules only see blocks from here on.
		block, err := s.client.GetBlock(nodeBest)
		if err != nil {
			return err
		}
		return s.connect(ctx, block)
	}
	if err != nil {
		return err
	}
	if nodeBest == localBest {
		return nil
	}

	path, forkHeight, err := s.findPath(ctx, nodeBest, localHeight)
	if err != nil {
		return err
	}

	if err := s.disconnectAbove(ctx, forkHeight, localHeight); err != nil {
		return err
	}

	for _, block := range path {
		if err := s.connect(ctx, block); err != nil {
			return err
		}
	}
	return nil
}

// findPath walks the node's chain backwards from its tip until it reaches a
// block the local index already has, collecting the blocks to connect in
// ascending order. Returns the fork height: the last height both chains agree
// on. The walk never descends below the lowest indexed height; if the chains
// still disagree there, that height is treated as the fork since nothing local
// below it exists to disconnect.
func (s *Synchronizer) findPath(ctx context.Context, nodeBest chainhash.Hash, localHeight int32) ([]*models.Block, int32, error) {
	floor, err := s.store.OldestBlockHeight(ctx)
	if err != nil {
		return nil, 0, err
	}

	var path []*models.Block
	cursor := nodeBest

	for {
		if len(path) > config.SyncMaxReorgDepth {
			return nil, 0, fmt.Errorf("walked %d blocks from node tip %s: %w",
				len(path), nodeBest, config.ErrReorgTooDeep)
		}

		block, err := s.client.GetBlock(cursor)
		if err != nil {
			return nil, 0, err
		}

		if block.Height <= localHeight {
			indexed, err := s.store.GetBlockHashAt(ctx, block.Height)
			if err != nil && !errors.Is(err, config.ErrBlockNotFound) {
				return nil, 0, err
			}
			if err == nil && indexed == block.Hash {
				// Already indexed: everything above it on our side is stale.
				return path, block.Height, nil
			}
		}

		path = append([]*models.Block{block}, path...)
		if block.Height <= floor {
			return path, block.Height - 1, nil
		}
		cursor = block.Previous
	}
}

// disconnectAbove emits BlockRemoving for every indexed block above the fork
// height, tip first, and drops each from the index once all listeners
// processed it. Removed blocks carry no transactions; only the hash and
// height matter on the way out.
func (s *Synchronizer) disconnectAbove(ctx context.Context, forkHeight, localHeight int32) error {
	for height := localHeight; height > forkHeight; height-- {
		hash, err := s.store.GetBlockHashAt(ctx, height)
		if errors.Is(err, config.ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		block := &models.Block{Hash: hash, Height: height}
		for _, l := range s.listeners {
			if err := l.BlockRemoving(ctx, block); err != nil {
				return fmt.Errorf("listener failed removing block %s at height %d: %w", hash, height, err)
			}
		}
		if err := s.store.RemoveBlockIndex(ctx, hash); err != nil {
			return err
		}

		slog.Info("block disconnected", "block", hash.String(), "height", height)
	}
	return nil
}

func (s *Synchronizer) connect(ctx context.Context, block *models.Block) error {
	for _, l := range s.listeners {
		if err := l.BlockAdded(ctx, block); err != nil {
			return fmt.Errorf("listener failed adding block %s at height %d: %w", block.Hash, block.Height, err)
		}
	}
	if err := s.store.AddBlockIndex(ctx, block.Hash, block.Height, block.Previous); err != nil {
		return err
	}

	slog.Info("block connected",
		"block", block.Hash.String(),
		"height", block.Height,
		"transactions", len(block.Transactions),
	)
	return nil
}
