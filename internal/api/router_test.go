package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/models"
	"github.com/Fantasim/chainwatch/internal/watcher"
)

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, callbackID uuid.UUID, result models.CallbackResult) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *db.DB) {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	cfg := &config.Config{
		Network:          "mainnet",
		Port:             8080,
		PollIntervalSec:  5,
		CallbackRPS:      10,
		MaxRuleTimeoutHr: 24,
		Properties:       "0",
	}
	txw := watcher.NewTransactionConfirmationWatcher(d, noopNotifier{})
	bw := watcher.NewBalanceWatcher(models.PropertyNative, d, noopNotifier{})
	t.Cleanup(func() {
		txw.Shutdown(context.Background())
		bw.Shutdown(context.Background())
		d.Close()
	})

	srv := httptest.NewServer(NewRouter(&Dependencies{
		DB:        d,
		TxWatcher: txw,
		BalanceWatchers: map[models.PropertyID]*watcher.BalanceWatcher{
			models.PropertyNative: bw,
		},
		Config: cfg,
	}))
	t.Cleanup(srv.Close)
	return srv, d
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func registerCallback(t *testing.T, srv *httptest.Server) uuid.UUID {
	t.Helper()
	resp := postJSON(t, srv, "/api/callbacks", map[string]string{"url": "https://example.com/hook"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register callback status = %d, want 201", resp.StatusCode)
	}
	var cb models.Callback
	decodeData(t, resp, &cb)
	return cb.ID
}

const validTxHash = "ababababababababababababababababababababababababababababababab00"

func TestAPI_CreateAndGetRule(t *testing.T) {
	srv, _ := newTestServer(t)
	cbID := registerCallback(t, srv)

	resp := postJSON(t, srv, "/api/rules", map[string]any{
		"transaction_hash": validTxHash,
		"confirmations":    3,
		"timeout_ms":       600000,
		"success_payload":  json.RawMessage(`{"order":"42"}`),
		"timeout_payload":  json.RawMessage(`{"order":"42","late":true}`),
		"callback_id":      cbID.String(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		RuleID          string `json:"rule_id"`
		TransactionHash string `json:"transaction_hash"`
		Status          string `json:"status"`
		TimeoutMS       int64  `json:"timeout_ms"`
	}
	decodeData(t, resp, &created)
	if created.Status != string(models.RuleStatusPending) {
		t.Errorf("Status = %q, want PENDING", created.Status)
	}
	if created.TransactionHash != validTxHash {
		t.Errorf("TransactionHash = %q, want %q", created.TransactionHash, validTxHash)
	}
	if created.TimeoutMS != 600000 {
		t.Errorf("TimeoutMS = %d, want 600000", created.TimeoutMS)
	}

	getResp, err := http.Get(srv.URL + "/api/rules/" + created.RuleID)
	if err != nil {
		t.Fatalf("GET rule error = %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get rule status = %d, want 200", getResp.StatusCode)
	}
	var rule models.TransactionRule
	decodeData(t, getResp, &rule)
	if rule.ID.String() != created.RuleID || rule.Confirmations != 3 {
		t.Errorf("rule = %+v", rule)
	}
}

func TestAPI_CreateRuleValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	cbID := registerCallback(t, srv)

	base := func() map[string]any {
		return map[string]any{
			"transaction_hash": validTxHash,
			"confirmations":    3,
			"timeout_ms":       600000,
			"callback_id":      cbID.String(),
		}
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"malformed hash", func(m map[string]any) { m["transaction_hash"] = "not-a-hash" }},
		{"zero confirmations", func(m map[string]any) { m["confirmations"] = 0 }},
		{"timeout below minimum", func(m map[string]any) { m["timeout_ms"] = 1 }},
		{"timeout above maximum", func(m map[string]any) { m["timeout_ms"] = int64(25) * 3600 * 1000 }},
		{"callback id not a uuid", func(m map[string]any) { m["callback_id"] = "nope" }},
		{"unknown callback", func(m map[string]any) { m["callback_id"] = uuid.NewString() }},
		{"oversized payload", func(m map[string]any) {
			m["success_payload"] = json.RawMessage(`"` + strings.Repeat("x", 70000) + `"`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := base()
			tt.mutate(body)
			resp := postJSON(t, srv, "/api/rules", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if code := errorCode(t, resp); code != config.ErrorCodeValidation {
				t.Errorf("error code = %q, want %q", code, config.ErrorCodeValidation)
			}
		})
	}
}

func TestAPI_GetRuleNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/rules/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != config.ErrorCodeNotFound {
		t.Errorf("error code = %q, want %q", code, config.ErrorCodeNotFound)
	}
}

const mainnetAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestAPI_CreateAndGetBalanceRule(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/api/balance-rules", map[string]any{
		"property":            0,
		"address":             mainnetAddress,
		"target_amount":       100000,
		"target_confirmation": 3,
		"timeout_ms":          600000,
		"timeout_status":      "expired",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create balance rule status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		RuleID  string `json:"rule_id"`
		Address string `json:"address"`
		Status  string `json:"status"`
	}
	decodeData(t, resp, &created)
	if created.Address != mainnetAddress {
		t.Errorf("Address = %q, want %q", created.Address, mainnetAddress)
	}
	if created.Status != string(models.BalanceRuleUncompleted) {
		t.Errorf("Status = %q, want UNCOMPLETED", created.Status)
	}

	getResp, err := http.Get(srv.URL + "/api/balance-rules/" + created.RuleID)
	if err != nil {
		t.Fatalf("GET balance rule error = %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get balance rule status = %d, want 200", getResp.StatusCode)
	}
	var detail struct {
		Rule            *models.BalanceRule `json:"rule"`
		ConfirmedAmount int64               `json:"confirmed_amount"`
	}
	decodeData(t, getResp, &detail)
	if detail.Rule == nil || detail.Rule.ID.String() != created.RuleID {
		t.Fatalf("detail rule = %+v", detail.Rule)
	}
	if detail.ConfirmedAmount != 0 {
		t.Errorf("ConfirmedAmount = %d, want 0", detail.ConfirmedAmount)
	}
}

func TestAPI_CreateBalanceRuleValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	base := func() map[string]any {
		return map[string]any{
			"property":            0,
			"address":             mainnetAddress,
			"target_amount":       100000,
			"target_confirmation": 3,
			"timeout_ms":          600000,
		}
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"unknown property", func(m map[string]any) { m["property"] = 31 }},
		{"malformed address", func(m map[string]any) { m["address"] = "not-an-address" }},
		{"zero target amount", func(m map[string]any) { m["target_amount"] = 0 }},
		{"negative target amount", func(m map[string]any) { m["target_amount"] = -5 }},
		{"zero confirmations", func(m map[string]any) { m["target_confirmation"] = 0 }},
		{"timeout status too long", func(m map[string]any) { m["timeout_status"] = strings.Repeat("x", 300) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := base()
			tt.mutate(body)
			resp := postJSON(t, srv, "/api/balance-rules", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if code := errorCode(t, resp); code != config.ErrorCodeValidation {
				t.Errorf("error code = %q, want %q", code, config.ErrorCodeValidation)
			}
		})
	}
}

func TestAPI_RegisterCallbackValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, u := range []string{"", "ftp://example.com", "not a url", "https://"} {
		resp := postJSON(t, srv, "/api/callbacks", map[string]string{"url": u})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("url %q: status = %d, want 400", u, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPI_ListInvocationsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	cbID := registerCallback(t, srv)

	resp, err := http.Get(srv.URL + "/api/callbacks/" + cbID.String() + "/invocations")
	if err != nil {
		t.Fatalf("GET invocations error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var invocations []models.CallbackInvocation
	decodeData(t, resp, &invocations)
	if len(invocations) != 0 {
		t.Errorf("got %d invocations, want 0", len(invocations))
	}

	// Out-of-range paging parameters fall back to sane defaults.
	paged, err := http.Get(srv.URL + "/api/callbacks/" + cbID.String() + "/invocations?page=0&pageSize=999999")
	if err != nil {
		t.Fatalf("GET paged invocations error = %v", err)
	}
	if paged.StatusCode != http.StatusOK {
		t.Errorf("paged status = %d, want 200", paged.StatusCode)
	}
	paged.Body.Close()

	missing, err := http.Get(srv.URL + "/api/callbacks/" + uuid.NewString() + "/invocations")
	if err != nil {
		t.Fatalf("GET missing callback error = %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing callback status = %d, want 404", missing.StatusCode)
	}
	missing.Body.Close()
}

func TestAPI_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status  string `json:"status"`
		Network string `json:"network"`
	}
	decodeData(t, resp, &health)
	if health.Status != "ok" || health.Network != "mainnet" {
		t.Errorf("health = %+v", health)
	}
}
