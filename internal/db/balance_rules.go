package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// AddBalanceRule inserts a new balance watch rule.
func (d *DB) AddBalanceRule(ctx context.Context, r *models.BalanceRule) error {
	var callbackID *string
	if r.CallbackID != nil {
		s := r.CallbackID.String()
		callbackID = &s
	}

	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO balance_rules
			(id, property, address, target_amount, target_confirmation,
			 original_timeout_ms, remaining_timeout_ms, timeout_status,
			 callback_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Property, r.Address, r.TargetAmount, r.TargetConfirmation,
		r.OriginalTimeout.Milliseconds(), r.RemainingTimeout.Milliseconds(),
		r.TimeoutStatus, callbackID, r.Status, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance rule %s: %w", r.ID, err)
	}

	slog.Info("balance rule created",
		"ruleID", r.ID.String(),
		"property", r.Property,
		"address", r.Address,
		"targetAmount", r.TargetAmount,
		"targetConfirmation", r.TargetConfirmation,
	)
	return nil
}

const balanceRuleColumns = `
	id, property, address, target_amount, target_confirmation,
	original_timeout_ms, remaining_timeout_ms, timeout_status,
	callback_id, status, created_at`

// GetBalanceRule retrieves a balance rule by id. Returns
// config.ErrRuleNotFound when no rule exists.
func (d *DB) GetBalanceRule(ctx context.Context, id uuid.UUID) (*models.BalanceRule, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+balanceRuleColumns+` FROM balance_rules WHERE id = ?`, id.String())
	r, err := scanBalanceRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("balance rule %s: %w", id, config.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance rule %s: %w", id, err)
	}
	return r, nil
}

// ListUncompletedBalanceRules returns every uncompleted rule for a property.
func (d *DB) ListUncompletedBalanceRules(ctx context.Context, property models.PropertyID) ([]*models.BalanceRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+balanceRuleColumns+`
		FROM balance_rules
		WHERE property = ? AND status = ?
		ORDER BY created_at`, property, models.BalanceRuleUncompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncompleted balance rules: %w", err)
	}
	defer rows.Close()
	return collectBalanceRules(rows)
}

// ListUncompletedBalanceRulesByAddress returns uncompleted rules watching the
// given address on a property, oldest first.
func (d *DB) ListUncompletedBalanceRulesByAddress(ctx context.Context, property models.PropertyID, address string) ([]*models.BalanceRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+balanceRuleColumns+`
		FROM balance_rules
		WHERE property = ? AND address = ? AND status = ?
		ORDER BY created_at`, property, address, models.BalanceRuleUncompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance rules for address %s: %w", address, err)
	}
	defer rows.Close()
	return collectBalanceRules(rows)
}

// GetBalanceRuleRemainingTime returns the rule's persisted remaining timeout.
func (d *DB) GetBalanceRuleRemainingTime(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	var ms int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT remaining_timeout_ms FROM balance_rules WHERE id = ?`, id.String()).Scan(&ms)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("balance rule %s: %w", id, config.ErrRuleNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining time for balance rule %s: %w", id, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// SubtractBalanceRuleRemainingTime decrements the rule's remaining timeout by
// the consumed duration, clamped at zero.
func (d *DB) SubtractBalanceRuleRemainingTime(ctx context.Context, id uuid.UUID, consumed time.Duration) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE balance_rules
		SET remaining_timeout_ms = MAX(0, remaining_timeout_ms - ?)
		WHERE id = ?`,
		consumed.Milliseconds(), id.String())
	if err != nil {
		return fmt.Errorf("failed to subtract remaining time for balance rule %s: %w", id, err)
	}
	return nil
}

// MarkBalanceRuleSucceeded transitions the rule to SUCCEEDED and completes
// its remaining uncompleted watches. Returns false without mutating anything
// if the rule already reached a terminal status.
func (d *DB) MarkBalanceRuleSucceeded(ctx context.Context, ruleID uuid.UUID) (bool, error) {
	return d.markBalanceRuleTerminal(ctx, ruleID, models.BalanceRuleSucceeded, models.BalanceWatchSucceeded)
}

// MarkBalanceRuleTimedOut transitions the rule to TIMED_OUT and times out its
// remaining uncompleted watches. Returns false if the rule already reached a
// terminal status.
func (d *DB) MarkBalanceRuleTimedOut(ctx context.Context, ruleID uuid.UUID) (bool, error) {
	return d.markBalanceRuleTerminal(ctx, ruleID, models.BalanceRuleTimedOut, models.BalanceWatchTimedOut)
}

func (d *DB) markBalanceRuleTerminal(ctx context.Context, ruleID uuid.UUID, ruleStatus models.BalanceRuleStatus, watchStatus models.BalanceWatchStatus) (bool, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin terminal transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE balance_rules SET status = ? WHERE id = ? AND status = ?`,
		ruleStatus, ruleID.String(), models.BalanceRuleUncompleted)
	if err != nil {
		return false, fmt.Errorf("failed to mark balance rule %s %s: %w", ruleID, ruleStatus, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balance_watches SET status = ? WHERE rule_id = ? AND status = ?`,
		watchStatus, ruleID.String(), models.BalanceWatchUncompleted,
	); err != nil {
		return false, fmt.Errorf("failed to finalize watches for balance rule %s: %w", ruleID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit balance rule %s transition: %w", ruleID, err)
	}

	slog.Info("balance rule resolved", "ruleID", ruleID.String(), "status", string(ruleStatus))
	return true, nil
}

func scanBalanceRule(row interface{ Scan(...any) error }) (*models.BalanceRule, error) {
	var (
		r                       models.BalanceRule
		id                      string
		originalMS, remainingMS int64
		callbackID              *string
		createdAt               string
	)
	if err := row.Scan(
		&id, &r.Property, &r.Address, &r.TargetAmount, &r.TargetConfirmation,
		&originalMS, &remainingMS, &r.TimeoutStatus, &callbackID, &r.Status, &createdAt,
	); err != nil {
		return nil, err
	}

	ruleID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance rule id %q: %w", id, err)
	}
	r.ID = ruleID
	r.OriginalTimeout = time.Duration(originalMS) * time.Millisecond
	r.RemainingTimeout = time.Duration(remainingMS) * time.Millisecond
	r.CreatedAt = parseTime(createdAt)

	if callbackID != nil {
		cbID, err := uuid.Parse(*callbackID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse callback id %q: %w", *callbackID, err)
		}
		r.CallbackID = &cbID
	}
	return &r, nil
}

func collectBalanceRules(rows *sql.Rows) ([]*models.BalanceRule, error) {
	var rules []*models.BalanceRule
	for rows.Next() {
		r, err := scanBalanceRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance rule row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
