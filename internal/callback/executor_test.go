package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/models"
)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

type received struct {
	body   []byte
	header http.Header
}

func TestExecutor_DeliversResult(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{body: body, header: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cb, err := store.AddCallback(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("AddCallback() error = %v", err)
	}

	e := NewExecutor(store, 10, 2*time.Second)
	result := models.CallbackResult{
		Status: models.CallbackStatusSuccess,
		Data:   json.RawMessage(`{"order":"42"}`),
	}
	if err := e.Notify(context.Background(), cb.ID, result); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("endpoint received %d requests, want 1", len(got))
	}
	if h := got[0].header.Get(config.CallbackStatusHeader); h != models.CallbackStatusSuccess {
		t.Errorf("%s = %q, want success", config.CallbackStatusHeader, h)
	}
	if h := got[0].header.Get(config.CallbackIDHeader); h != cb.ID.String() {
		t.Errorf("%s = %q, want %s", config.CallbackIDHeader, h, cb.ID)
	}
	if h := got[0].header.Get("User-Agent"); h != config.CallbackUserAgent {
		t.Errorf("User-Agent = %q, want %q", h, config.CallbackUserAgent)
	}

	var decoded models.CallbackResult
	if err := json.Unmarshal(got[0].body, &decoded); err != nil {
		t.Fatalf("failed to decode delivered body: %v", err)
	}
	if decoded.Status != models.CallbackStatusSuccess || string(decoded.Data) != `{"order":"42"}` {
		t.Errorf("delivered body = %s", got[0].body)
	}

	invocations, err := store.ListCallbackInvocations(context.Background(), cb.ID, config.DefaultPageSize, 0)
	if err != nil {
		t.Fatalf("ListCallbackInvocations() error = %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invocations))
	}
	if !invocations[0].Delivered {
		t.Error("invocation should be marked delivered")
	}
}

func TestExecutor_RecordsFailure(t *testing.T) {
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb, err := store.AddCallback(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("AddCallback() error = %v", err)
	}

	e := NewExecutor(store, 10, 2*time.Second)
	result := models.CallbackResult{Status: models.CallbackStatusTimeout}
	if err := e.Notify(context.Background(), cb.ID, result); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	invocations, err := store.ListCallbackInvocations(context.Background(), cb.ID, config.DefaultPageSize, 0)
	if err != nil {
		t.Fatalf("ListCallbackInvocations() error = %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("got %d invocations, want 1: failures are not retried", len(invocations))
	}
	if invocations[0].Delivered {
		t.Error("invocation should not be marked delivered")
	}
	if invocations[0].Error == nil {
		t.Error("invocation should carry the delivery error")
	}
}
