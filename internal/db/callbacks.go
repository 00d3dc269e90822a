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

// AddCallback registers a callback URL and returns the stored record.
func (d *DB) AddCallback(ctx context.Context, url string) (*models.Callback, error) {
	cb := &models.Callback{
		ID:        uuid.New(),
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}

	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO callbacks (id, url, created_at) VALUES (?, ?, ?)`,
		cb.ID.String(), cb.URL, formatTime(cb.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert callback: %w", err)
	}

	slog.Info("callback registered", "callbackID", cb.ID.String(), "url", cb.URL)
	return cb, nil
}

// GetCallback retrieves a callback by id. Returns config.ErrCallbackNotFound
// when no callback exists.
func (d *DB) GetCallback(ctx context.Context, id uuid.UUID) (*models.Callback, error) {
	var (
		rawID, url, createdAt string
	)
	err := d.conn.QueryRowContext(ctx,
		`SELECT id, url, created_at FROM callbacks WHERE id = ?`, id.String(),
	).Scan(&rawID, &url, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("callback %s: %w", id, config.ErrCallbackNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get callback %s: %w", id, err)
	}

	cbID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse callback id %q: %w", rawID, err)
	}
	return &models.Callback{ID: cbID, URL: url, CreatedAt: parseTime(createdAt)}, nil
}

// AddCallbackInvocation appends a delivery-attempt record before the attempt
// is made. The history is append-only; the outcome is recorded afterwards via
// MarkCallbackInvocation.
func (d *DB) AddCallbackInvocation(ctx context.Context, callbackID uuid.UUID, status string, payload []byte) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO callback_invocations (callback_id, status, payload, invoked_at)
		VALUES (?, ?, ?, ?)`,
		callbackID.String(), status, payload, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to record callback invocation for %s: %w", callbackID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read invocation id: %w", err)
	}
	return id, nil
}

// MarkCallbackInvocation records the outcome of a delivery attempt.
func (d *DB) MarkCallbackInvocation(ctx context.Context, invocationID int64, delivered bool, errMsg *string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE callback_invocations SET delivered = ?, error = ? WHERE id = ?`,
		delivered, errMsg, invocationID)
	if err != nil {
		return fmt.Errorf("failed to mark callback invocation %d: %w", invocationID, err)
	}
	return nil
}

// ListCallbackInvocations returns one page of the delivery history for a
// callback, oldest first.
func (d *DB) ListCallbackInvocations(ctx context.Context, callbackID uuid.UUID, limit, offset int) ([]*models.CallbackInvocation, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, callback_id, status, payload, delivered, error, invoked_at
		FROM callback_invocations
		WHERE callback_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?`, callbackID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations for callback %s: %w", callbackID, err)
	}
	defer rows.Close()

	var invocations []*models.CallbackInvocation
	for rows.Next() {
		var (
			inv       models.CallbackInvocation
			rawID     string
			invokedAt string
		)
		if err := rows.Scan(&inv.ID, &rawID, &inv.Status, &inv.Payload, &inv.Delivered, &inv.Error, &invokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan callback invocation row: %w", err)
		}
		cbID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse callback id %q: %w", rawID, err)
		}
		inv.CallbackID = cbID
		inv.InvokedAt = parseTime(invokedAt)
		invocations = append(invocations, &inv)
	}
	return invocations, rows.Err()
}
