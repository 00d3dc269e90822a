package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// GetTransactionWatch retrieves a watch by id. Returns config.ErrWatchNotFound
// when no watch exists.
func (d *DB) GetTransactionWatch(ctx context.Context, id uuid.UUID) (*models.TransactionWatch, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, rule_id, start_block, start_height, start_time, status
		FROM transaction_watches WHERE id = ?`, id.String())
	w, err := scanTransactionWatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction watch %s: %w", id, config.ErrWatchNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction watch %s: %w", id, err)
	}
	return w, nil
}

// ListPendingTransactionWatches returns every pending watch with its owning
// rule populated, ordered by watch creation.
func (d *DB) ListPendingTransactionWatches(ctx context.Context) ([]*models.TransactionWatch, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT w.id, w.rule_id, w.start_block, w.start_height, w.start_time, w.status,
		       `+prefixedTransactionRuleColumns("r")+`
		FROM transaction_watches w
		JOIN transaction_rules r ON r.id = w.rule_id
		WHERE w.status = ?
		ORDER BY w.start_time`, models.WatchStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transaction watches: %w", err)
	}
	defer rows.Close()

	var watches []*models.TransactionWatch
	for rows.Next() {
		var (
			id, ruleID, startBlock, startTime string
			startHeight                       int32
			status                            models.WatchStatus

			rid, txHash, callbackID        string
			confirmations                  int32
			originalMS, remainingMS        int64
			successPayload, timeoutPayload string
			ruleStatus                     models.RuleStatus
			currentWatchID                 *string
			createdAt                      string
		)
		if err := rows.Scan(
			&id, &ruleID, &startBlock, &startHeight, &startTime, &status,
			&rid, &txHash, &confirmations, &originalMS, &remainingMS,
			&successPayload, &timeoutPayload, &callbackID, &ruleStatus, &currentWatchID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending watch row: %w", err)
		}

		w, err := buildTransactionWatch(id, ruleID, startBlock, startHeight, startTime, status)
		if err != nil {
			return nil, err
		}

		rule := &models.TransactionRule{
			Confirmations:    confirmations,
			OriginalTimeout:  time.Duration(originalMS) * time.Millisecond,
			RemainingTimeout: time.Duration(remainingMS) * time.Millisecond,
			SuccessPayload:   []byte(successPayload),
			TimeoutPayload:   []byte(timeoutPayload),
			Status:           ruleStatus,
			CreatedAt:        parseTime(createdAt),
		}
		if rule.ID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("failed to parse rule id %q: %w", rid, err)
		}
		hash, err := chainhash.NewHashFromStr(txHash)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tx hash %q: %w", txHash, err)
		}
		rule.TxHash = *hash
		if rule.CallbackID, err = uuid.Parse(callbackID); err != nil {
			return nil, fmt.Errorf("failed to parse callback id %q: %w", callbackID, err)
		}
		if currentWatchID != nil {
			wid, err := uuid.Parse(*currentWatchID)
			if err != nil {
				return nil, fmt.Errorf("failed to parse current watch id %q: %w", *currentWatchID, err)
			}
			rule.CurrentWatchID = &wid
		}

		w.Rule = rule
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

func prefixedTransactionRuleColumns(alias string) string {
	return alias + `.id, ` + alias + `.tx_hash, ` + alias + `.confirmations, ` +
		alias + `.original_timeout_ms, ` + alias + `.remaining_timeout_ms, ` +
		alias + `.success_payload, ` + alias + `.timeout_payload, ` +
		alias + `.callback_id, ` + alias + `.status, ` + alias + `.current_watch_id, ` +
		alias + `.created_at`
}

func scanTransactionWatch(row interface{ Scan(...any) error }) (*models.TransactionWatch, error) {
	var (
		id, ruleID, startBlock, startTime string
		startHeight                       int32
		status                            models.WatchStatus
	)
	if err := row.Scan(&id, &ruleID, &startBlock, &startHeight, &startTime, &status); err != nil {
		return nil, err
	}
	return buildTransactionWatch(id, ruleID, startBlock, startHeight, startTime, status)
}

func buildTransactionWatch(id, ruleID, startBlock string, startHeight int32, startTime string, status models.WatchStatus) (*models.TransactionWatch, error) {
	watchID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watch id %q: %w", id, err)
	}
	rid, err := uuid.Parse(ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watch rule id %q: %w", ruleID, err)
	}
	block, err := chainhash.NewHashFromStr(startBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start block %q: %w", startBlock, err)
	}
	return &models.TransactionWatch{
		ID:          watchID,
		RuleID:      rid,
		StartBlock:  *block,
		StartHeight: startHeight,
		StartTime:   parseTime(startTime),
		Status:      status,
	}, nil
}
