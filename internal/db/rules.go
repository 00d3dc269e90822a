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

// AddTransactionRule inserts a new transaction confirmation rule.
func (d *DB) AddTransactionRule(ctx context.Context, r *models.TransactionRule) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO transaction_rules
			(id, tx_hash, confirmations, original_timeout_ms, remaining_timeout_ms,
			 success_payload, timeout_payload, callback_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.TxHash.String(), r.Confirmations,
		r.OriginalTimeout.Milliseconds(), r.RemainingTimeout.Milliseconds(),
		string(r.SuccessPayload), string(r.TimeoutPayload),
		r.CallbackID.String(), r.Status, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction rule %s: %w", r.ID, err)
	}

	slog.Info("transaction rule created",
		"ruleID", r.ID.String(),
		"txHash", r.TxHash.String(),
		"confirmations", r.Confirmations,
		"timeout", r.OriginalTimeout.String(),
	)
	return nil
}

const transactionRuleColumns = `
	id, tx_hash, confirmations, original_timeout_ms, remaining_timeout_ms,
	success_payload, timeout_payload, callback_id, status, current_watch_id, created_at`

// GetTransactionRule retrieves a rule by id. Returns config.ErrRuleNotFound
// when no rule exists; rules are never hard-deleted, so a miss is a logic
// error or a stale reference.
func (d *DB) GetTransactionRule(ctx context.Context, id uuid.UUID) (*models.TransactionRule, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+transactionRuleColumns+` FROM transaction_rules WHERE id = ?`, id.String())
	r, err := scanTransactionRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction rule %s: %w", id, config.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction rule %s: %w", id, err)
	}
	return r, nil
}

// ListWaitingTransactionRules returns pending rules with no current watch:
// the set whose timers must be restored at startup.
func (d *DB) ListWaitingTransactionRules(ctx context.Context) ([]*models.TransactionRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+transactionRuleColumns+`
		FROM transaction_rules
		WHERE status = ? AND current_watch_id IS NULL
		ORDER BY created_at`, models.RuleStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting transaction rules: %w", err)
	}
	defer rows.Close()
	return collectTransactionRules(rows)
}

// ListWaitingTransactionRulesByHash returns pending, unwatched rules that
// target the given transaction hash.
func (d *DB) ListWaitingTransactionRulesByHash(ctx context.Context, hash chainhash.Hash) ([]*models.TransactionRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+transactionRuleColumns+`
		FROM transaction_rules
		WHERE tx_hash = ? AND status = ? AND current_watch_id IS NULL
		ORDER BY created_at`, hash.String(), models.RuleStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting rules for transaction %s: %w", hash, err)
	}
	defer rows.Close()
	return collectTransactionRules(rows)
}

// GetRemainingWaitingTime returns the rule's persisted remaining timeout.
func (d *DB) GetRemainingWaitingTime(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	var ms int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT remaining_timeout_ms FROM transaction_rules WHERE id = ?`, id.String()).Scan(&ms)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("transaction rule %s: %w", id, config.ErrRuleNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining waiting time for rule %s: %w", id, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// SubtractRemainingWaitingTime decrements the rule's remaining timeout by the
// consumed duration, clamped at zero. Used when a timer is stopped before
// expiry so a restart resumes with the correct remainder.
func (d *DB) SubtractRemainingWaitingTime(ctx context.Context, id uuid.UUID, consumed time.Duration) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE transaction_rules
		SET remaining_timeout_ms = MAX(0, remaining_timeout_ms - ?)
		WHERE id = ?`,
		consumed.Milliseconds(), id.String())
	if err != nil {
		return fmt.Errorf("failed to subtract waiting time for rule %s: %w", id, err)
	}
	return nil
}

// ClaimTransactionWatch atomically claims the rule for the confirmation path:
// it subtracts the time its timer consumed, records the watch as the rule's
// current watch, and inserts the watch row, all in one transaction. Returns
// config.ErrAlreadyWatched if the rule is no longer pending or already has a
// current watch.
func (d *DB) ClaimTransactionWatch(ctx context.Context, w *models.TransactionWatch, consumed time.Duration) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transaction_rules
		SET remaining_timeout_ms = MAX(0, remaining_timeout_ms - ?), current_watch_id = ?
		WHERE id = ? AND status = ? AND current_watch_id IS NULL`,
		consumed.Milliseconds(), w.ID.String(), w.RuleID.String(), models.RuleStatusPending)
	if err != nil {
		return fmt.Errorf("failed to claim rule %s: %w", w.RuleID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", w.RuleID, config.ErrAlreadyWatched)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_watches (id, rule_id, start_block, start_height, start_time, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.RuleID.String(), w.StartBlock.String(), w.StartHeight,
		formatTime(w.StartTime), models.WatchStatusPending,
	); err != nil {
		return fmt.Errorf("failed to insert watch %s: %w", w.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit watch claim: %w", err)
	}

	slog.Info("transaction watch claimed",
		"watchID", w.ID.String(),
		"ruleID", w.RuleID.String(),
		"startBlock", w.StartBlock.String(),
		"startHeight", w.StartHeight,
	)
	return nil
}

// MarkTransactionRuleSuccess transitions the rule and its watch to SUCCESS.
// Returns false without mutating anything if the rule already reached a
// terminal status: terminal transitions are one-way and fire no second
// callback.
func (d *DB) MarkTransactionRuleSuccess(ctx context.Context, ruleID, watchID uuid.UUID) (bool, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin success transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transaction_rules
		SET status = ?, current_watch_id = NULL
		WHERE id = ? AND status = ?`,
		models.RuleStatusSuccess, ruleID.String(), models.RuleStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark rule %s success: %w", ruleID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transaction_watches SET status = ? WHERE id = ?`,
		models.WatchStatusSuccess, watchID.String(),
	); err != nil {
		return false, fmt.Errorf("failed to mark watch %s success: %w", watchID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rule success: %w", err)
	}

	slog.Info("transaction rule succeeded", "ruleID", ruleID.String(), "watchID", watchID.String())
	return true, nil
}

// MarkTransactionRuleTimeout transitions the rule to TIMEOUT. Returns false
// if the rule already reached a terminal status.
func (d *DB) MarkTransactionRuleTimeout(ctx context.Context, ruleID uuid.UUID) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE transaction_rules
		SET status = ?, remaining_timeout_ms = 0
		WHERE id = ? AND status = ? AND current_watch_id IS NULL`,
		models.RuleStatusTimeout, ruleID.String(), models.RuleStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark rule %s timeout: %w", ruleID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	slog.Info("transaction rule timed out", "ruleID", ruleID.String())
	return true, nil
}

// RejectTransactionWatch transitions the watch to REJECTED and releases the
// rule's current-watch pointer so a fresh watch can be created once the reorg
// settles.
func (d *DB) RejectTransactionWatch(ctx context.Context, ruleID, watchID uuid.UUID) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reject transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE transaction_watches SET status = ? WHERE id = ?`,
		models.WatchStatusRejected, watchID.String(),
	); err != nil {
		return fmt.Errorf("failed to reject watch %s: %w", watchID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transaction_rules
		SET current_watch_id = NULL
		WHERE id = ? AND status = ? AND current_watch_id = ?`,
		ruleID.String(), models.RuleStatusPending, watchID.String(),
	); err != nil {
		return fmt.Errorf("failed to release current watch for rule %s: %w", ruleID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit watch rejection: %w", err)
	}

	slog.Info("transaction watch rejected", "ruleID", ruleID.String(), "watchID", watchID.String())
	return nil
}

func scanTransactionRule(row interface{ Scan(...any) error }) (*models.TransactionRule, error) {
	var (
		r                            models.TransactionRule
		id, txHash, callbackID       string
		originalMS, remainingMS      int64
		successPayload, timeoutPayload string
		currentWatchID               *string
		createdAt                    string
	)
	if err := row.Scan(
		&id, &txHash, &r.Confirmations, &originalMS, &remainingMS,
		&successPayload, &timeoutPayload, &callbackID, &r.Status, &currentWatchID, &createdAt,
	); err != nil {
		return nil, err
	}

	ruleID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule id %q: %w", id, err)
	}
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx hash %q: %w", txHash, err)
	}
	cbID, err := uuid.Parse(callbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse callback id %q: %w", callbackID, err)
	}

	r.ID = ruleID
	r.TxHash = *hash
	r.OriginalTimeout = time.Duration(originalMS) * time.Millisecond
	r.RemainingTimeout = time.Duration(remainingMS) * time.Millisecond
	r.SuccessPayload = []byte(successPayload)
	r.TimeoutPayload = []byte(timeoutPayload)
	r.CallbackID = cbID
	r.CreatedAt = parseTime(createdAt)

	if currentWatchID != nil {
		wid, err := uuid.Parse(*currentWatchID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse current watch id %q: %w", *currentWatchID, err)
		}
		r.CurrentWatchID = &wid
	}
	return &r, nil
}

func collectTransactionRules(rows *sql.Rows) ([]*models.TransactionRule, error) {
	var rules []*models.TransactionRule
	for rows.Next() {
		r, err := scanTransactionRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction rule row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
