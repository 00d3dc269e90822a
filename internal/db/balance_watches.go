package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// ClaimBalanceWatch atomically claims a rule whose timer was just stopped:
// it subtracts the consumed waiting time and inserts the rule's first watch
// in one transaction. Returns config.ErrRuleAlreadyResolved if the rule is no
// longer uncompleted.
func (d *DB) ClaimBalanceWatch(ctx context.Context, w *models.BalanceWatch, consumed time.Duration) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin balance claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE balance_rules
		SET remaining_timeout_ms = MAX(0, remaining_timeout_ms - ?)
		WHERE id = ? AND status = ?`,
		consumed.Milliseconds(), w.RuleID.String(), models.BalanceRuleUncompleted)
	if err != nil {
		return fmt.Errorf("failed to claim balance rule %s: %w", w.RuleID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("balance rule %s: %w", w.RuleID, config.ErrRuleAlreadyResolved)
	}

	if err := insertBalanceWatch(ctx, tx, w); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balance watch claim: %w", err)
	}

	slog.Info("balance watch claimed",
		"watchID", w.ID.String(),
		"ruleID", w.RuleID.String(),
		"txHash", w.TxHash.String(),
		"balanceChange", w.BalanceChange,
	)
	return nil
}

// AddBalanceWatch inserts a further watch for a rule that is already
// watch-bound. Returns config.ErrRuleAlreadyResolved if the rule reached a
// terminal status in the meantime.
func (d *DB) AddBalanceWatch(ctx context.Context, w *models.BalanceWatch) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin balance watch transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.BalanceRuleStatus
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM balance_rules WHERE id = ?`, w.RuleID.String()).Scan(&status); err != nil {
		return fmt.Errorf("failed to check balance rule %s: %w", w.RuleID, err)
	}
	if status != models.BalanceRuleUncompleted {
		return fmt.Errorf("balance rule %s: %w", w.RuleID, config.ErrRuleAlreadyResolved)
	}

	if err := insertBalanceWatch(ctx, tx, w); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balance watch: %w", err)
	}

	slog.Info("balance watch added",
		"watchID", w.ID.String(),
		"ruleID", w.RuleID.String(),
		"txHash", w.TxHash.String(),
		"balanceChange", w.BalanceChange,
	)
	return nil
}

func insertBalanceWatch(ctx context.Context, tx *sql.Tx, w *models.BalanceWatch) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_watches
			(id, rule_id, tx_hash, start_block, start_height, start_time,
			 balance_change, confirmation, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.RuleID.String(), w.TxHash.String(),
		w.StartBlock.String(), w.StartHeight, formatTime(w.StartTime),
		w.BalanceChange, w.Confirmation, models.BalanceWatchUncompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance watch %s: %w", w.ID, err)
	}
	return nil
}

// ListUncompletedBalanceWatches returns every uncompleted watch with its
// owning rule populated, ordered by watch creation.
func (d *DB) ListUncompletedBalanceWatches(ctx context.Context) ([]*models.BalanceWatch, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT w.id, w.rule_id, w.tx_hash, w.start_block, w.start_height, w.start_time,
		       w.balance_change, w.confirmation, w.status,
		       r.id, r.property, r.address, r.target_amount, r.target_confirmation,
		       r.original_timeout_ms, r.remaining_timeout_ms, r.timeout_status,
		       r.callback_id, r.status, r.created_at
		FROM balance_watches w
		JOIN balance_rules r ON r.id = w.rule_id
		WHERE w.status = ?
		ORDER BY w.start_time`, models.BalanceWatchUncompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncompleted balance watches: %w", err)
	}
	defer rows.Close()

	var watches []*models.BalanceWatch
	for rows.Next() {
		var (
			id, ruleID, txHash, startBlock, startTime string
			startHeight                               int32
			balanceChange                             int64
			confirmation                              int32
			status                                    models.BalanceWatchStatus

			rule                    models.BalanceRule
			rid                     string
			originalMS, remainingMS int64
			callbackID              *string
			createdAt               string
		)
		if err := rows.Scan(
			&id, &ruleID, &txHash, &startBlock, &startHeight, &startTime,
			&balanceChange, &confirmation, &status,
			&rid, &rule.Property, &rule.Address, &rule.TargetAmount, &rule.TargetConfirmation,
			&originalMS, &remainingMS, &rule.TimeoutStatus, &callbackID, &rule.Status, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan balance watch row: %w", err)
		}

		w, err := buildBalanceWatch(id, ruleID, txHash, startBlock, startHeight, startTime, balanceChange, confirmation, status)
		if err != nil {
			return nil, err
		}

		if rule.ID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("failed to parse balance rule id %q: %w", rid, err)
		}
		rule.OriginalTimeout = time.Duration(originalMS) * time.Millisecond
		rule.RemainingTimeout = time.Duration(remainingMS) * time.Millisecond
		rule.CreatedAt = parseTime(createdAt)
		if callbackID != nil {
			cbID, err := uuid.Parse(*callbackID)
			if err != nil {
				return nil, fmt.Errorf("failed to parse callback id %q: %w", *callbackID, err)
			}
			rule.CallbackID = &cbID
		}

		w.Rule = &rule
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

// UpdateBalanceWatchConfirmation persists a watch's recomputed confirmation count.
func (d *DB) UpdateBalanceWatchConfirmation(ctx context.Context, id uuid.UUID, confirmation int32) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE balance_watches SET confirmation = ? WHERE id = ?`,
		confirmation, id.String())
	if err != nil {
		return fmt.Errorf("failed to update confirmation for balance watch %s: %w", id, err)
	}
	return nil
}

// SumConfirmedBalance sums balance changes across a rule's non-rejected
// watches whose confirmation reached the given threshold.
func (d *DB) SumConfirmedBalance(ctx context.Context, ruleID uuid.UUID, minConfirmation int32) (int64, error) {
	var sum int64
	err := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance_change), 0)
		FROM balance_watches
		WHERE rule_id = ? AND confirmation >= ? AND status IN (?, ?)`,
		ruleID.String(), minConfirmation,
		models.BalanceWatchUncompleted, models.BalanceWatchSucceeded,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum confirmed balance for rule %s: %w", ruleID, err)
	}
	return sum, nil
}

// RejectUncompletedWatchesByBlock bulk-transitions to REJECTED every
// uncompleted watch of the given property anchored at the removed block and
// returns the ids of the affected rules. Called exactly once per reorg step
// per property.
func (d *DB) RejectUncompletedWatchesByBlock(ctx context.Context, property models.PropertyID, block chainhash.Hash) ([]uuid.UUID, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT DISTINCT w.rule_id
		FROM balance_watches w
		JOIN balance_rules r ON r.id = w.rule_id
		WHERE w.start_block = ? AND w.status = ? AND r.property = ?`,
		block.String(), models.BalanceWatchUncompleted, property)
	if err != nil {
		return nil, fmt.Errorf("failed to find watches anchored at block %s: %w", block, err)
	}

	var ruleIDs []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan rule id: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to parse rule id %q: %w", s, err)
		}
		ruleIDs = append(ruleIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ruleIDs) == 0 {
		return nil, nil
	}

	res, err := d.conn.ExecContext(ctx, `
		UPDATE balance_watches SET status = ?
		WHERE start_block = ? AND status = ?
		  AND rule_id IN (SELECT id FROM balance_rules WHERE property = ?)`,
		models.BalanceWatchRejected, block.String(), models.BalanceWatchUncompleted, property)
	if err != nil {
		return nil, fmt.Errorf("failed to reject watches anchored at block %s: %w", block, err)
	}

	affected, _ := res.RowsAffected()
	slog.Info("balance watches rejected on block removal",
		"block", block.String(),
		"count", affected,
		"rules", len(ruleIDs),
	)
	return ruleIDs, nil
}

// CountUncompletedBalanceWatches returns how many watches of a rule are still
// uncompleted.
func (d *DB) CountUncompletedBalanceWatches(ctx context.Context, ruleID uuid.UUID) (int, error) {
	var count int
	err := d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM balance_watches WHERE rule_id = ? AND status = ?`,
		ruleID.String(), models.BalanceWatchUncompleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count uncompleted watches for rule %s: %w", ruleID, err)
	}
	return count, nil
}

func buildBalanceWatch(id, ruleID, txHash, startBlock string, startHeight int32, startTime string, balanceChange int64, confirmation int32, status models.BalanceWatchStatus) (*models.BalanceWatch, error) {
	watchID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance watch id %q: %w", id, err)
	}
	rid, err := uuid.Parse(ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance watch rule id %q: %w", ruleID, err)
	}
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx hash %q: %w", txHash, err)
	}
	block, err := chainhash.NewHashFromStr(startBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start block %q: %w", startBlock, err)
	}
	return &models.BalanceWatch{
		ID:            watchID,
		RuleID:        rid,
		TxHash:        *hash,
		StartBlock:    *block,
		StartHeight:   startHeight,
		StartTime:     parseTime(startTime),
		BalanceChange: balanceChange,
		Confirmation:  confirmation,
		Status:        status,
	}, nil
}
