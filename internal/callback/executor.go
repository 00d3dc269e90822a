package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// Store is the persistence surface the executor needs: callback lookup plus
// the append-only invocation history.
type Store interface {
	GetCallback(ctx context.Context, id uuid.UUID) (*models.Callback, error)
	AddCallbackInvocation(ctx context.Context, callbackID uuid.UUID, status string, payload []byte) (int64, error)
	MarkCallbackInvocation(ctx context.Context, invocationID int64, delivered bool, errMsg *string) error
}

// Executor delivers rule results to registered callback endpoints. Each result
// gets exactly one POST attempt; the outcome lands in the invocation history
// either way. Delivery runs off the caller's goroutine so block processing is
// never blocked on a slow endpoint, globally rate limited across callbacks.
type Executor struct {
	store   Store
	client  *http.Client
	limiter *rate.Limiter

	wg sync.WaitGroup
}

// NewExecutor creates an executor limited to rps deliveries per second, each
// bounded by the given per-request timeout.
func NewExecutor(store Store, rps int, timeout time.Duration) *Executor {
	return &Executor{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Notify schedules delivery of a result to the given callback and returns
// immediately. Failures are recorded in the invocation history and logged,
// never retried.
func (e *Executor) Notify(ctx context.Context, callbackID uuid.UUID, result models.CallbackResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal callback result: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.deliver(context.Background(), callbackID, result.Status, payload); err != nil {
			slog.Error("callback delivery failed",
				"callbackID", callbackID.String(),
				"status", result.Status,
				"error", err,
			)
		}
	}()
	return nil
}

// Close waits for in-flight deliveries to finish, bounded by ctx.
func (e *Executor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) deliver(ctx context.Context, callbackID uuid.UUID, status string, payload []byte) error {
	cb, err := e.store.GetCallback(ctx, callbackID)
	if err != nil {
		return err
	}

	invocationID, err := e.store.AddCallbackInvocation(ctx, callbackID, status, payload)
	if err != nil {
		return err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return e.record(ctx, invocationID, fmt.Errorf("rate limit wait aborted: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(payload))
	if err != nil {
		return e.record(ctx, invocationID, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.CallbackUserAgent)
	req.Header.Set(config.CallbackStatusHeader, status)
	req.Header.Set(config.CallbackIDHeader, callbackID.String())

	resp, err := e.client.Do(req)
	if err != nil {
		return e.record(ctx, invocationID, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return e.record(ctx, invocationID, fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}

	if err := e.store.MarkCallbackInvocation(ctx, invocationID, true, nil); err != nil {
		return err
	}

	slog.Info("callback delivered",
		"callbackID", callbackID.String(),
		"url", cb.URL,
		"status", status,
	)
	return nil
}

// record stores a failed attempt's outcome and returns the delivery error.
func (e *Executor) record(ctx context.Context, invocationID int64, deliveryErr error) error {
	msg := deliveryErr.Error()
	if err := e.store.MarkCallbackInvocation(ctx, invocationID, false, &msg); err != nil {
		return fmt.Errorf("failed to record delivery failure (%v): %w", deliveryErr, err)
	}
	return deliveryErr
}
