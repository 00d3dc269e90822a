package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/chainwatch/internal/config"
)

// BestBlock returns the highest indexed block. Returns config.ErrBlockNotFound
// when the index is empty.
func (d *DB) BestBlock(ctx context.Context) (chainhash.Hash, int32, error) {
	var (
		hash   string
		height int32
	)
	err := d.conn.QueryRowContext(ctx,
		`SELECT hash, height FROM blocks ORDER BY height DESC LIMIT 1`,
	).Scan(&hash, &height)
	if err == sql.ErrNoRows {
		return chainhash.Hash{}, 0, config.ErrBlockNotFound
	}
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("failed to get best block: %w", err)
	}

	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("failed to parse block hash %q: %w", hash, err)
	}
	return *h, height, nil
}

// OldestBlockHeight returns the lowest indexed height. Returns
// config.ErrBlockNotFound when the index is empty.
func (d *DB) OldestBlockHeight(ctx context.Context) (int32, error) {
	var height int32
	err := d.conn.QueryRowContext(ctx,
		`SELECT height FROM blocks ORDER BY height ASC LIMIT 1`,
	).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, config.ErrBlockNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get oldest block height: %w", err)
	}
	return height, nil
}

// GetBlockHashAt returns the indexed block hash at the given height. Returns
// config.ErrBlockNotFound when the height is not indexed.
func (d *DB) GetBlockHashAt(ctx context.Context, height int32) (chainhash.Hash, error) {
	var hash string
	err := d.conn.QueryRowContext(ctx,
		`SELECT hash FROM blocks WHERE height = ?`, height).Scan(&hash)
	if err == sql.ErrNoRows {
		return chainhash.Hash{}, fmt.Errorf("height %d: %w", height, config.ErrBlockNotFound)
	}
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get block at height %d: %w", height, err)
	}

	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to parse block hash %q: %w", hash, err)
	}
	return *h, nil
}

// AddBlockIndex records a connected block. Replaces any stale entry left at
// the same height by a previous reorg.
func (d *DB) AddBlockIndex(ctx context.Context, hash chainhash.Hash, height int32, prev chainhash.Hash) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO blocks (height, hash, prev_hash) VALUES (?, ?, ?)
		ON CONFLICT(height) DO UPDATE SET hash = excluded.hash, prev_hash = excluded.prev_hash`,
		height, hash.String(), prev.String())
	if err != nil {
		return fmt.Errorf("failed to index block %s at height %d: %w", hash, height, err)
	}
	return nil
}

// RemoveBlockIndex drops a disconnected block from the index.
func (d *DB) RemoveBlockIndex(ctx context.Context, hash chainhash.Hash) error {
	_, err := d.conn.ExecContext(ctx,
		`DELETE FROM blocks WHERE hash = ?`, hash.String())
	if err != nil {
		return fmt.Errorf("failed to remove block %s from index: %w", hash, err)
	}
	return nil
}
