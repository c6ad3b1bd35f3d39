package broadcast

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("secret")
	return client
}

func TestPreviewSendsBase64AndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/pending" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["tx_base64"] != base64.StdEncoding.EncodeToString([]byte("raw")) {
			t.Fatalf("unexpected tx_base64 %v", body["tx_base64"])
		}
		if body["ttl_ms"] != float64(30000) {
			t.Fatalf("unexpected ttl_ms %v", body["ttl_ms"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Preview{
			PendingConfirmationID: "evm_confirm_abc",
			ContentHash:           "abc",
			Network:               "sepolia",
			NextAction:            &NextAction{Tool: "confirm", Args: map[string]any{"id": "evm_confirm_abc"}},
		})
	})

	res, err := client.Preview(context.Background(), PreviewRequest{
		Network: "sepolia",
		Tx:      []byte("raw"),
		Summary: Summary{Kind: "transfer"},
		TTL:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if res.PendingConfirmationID != "evm_confirm_abc" || res.NextAction == nil || res.NextAction.Tool != "confirm" {
		t.Fatalf("unexpected preview %+v", res)
	}
}

func TestConfirmDecodesRefusal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pending/evm_confirm_abc/confirm" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      false,
			"tool":    "confirm",
			"code":    "TOKEN_REQUIRED",
			"message": "confirm token required",
			"next_action": map[string]any{
				"tool": "confirm",
				"args": map[string]any{"confirm_token": "tok"},
			},
		})
	})

	_, err := client.Confirm(context.Background(), ConfirmRequest{ID: "evm_confirm_abc", ContentHash: "abc"})
	if !IsCode(err, "TOKEN_REQUIRED") {
		t.Fatalf("expected TOKEN_REQUIRED, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
	if apiErr.NextAction == nil || apiErr.NextAction.Args["confirm_token"] != "tok" {
		t.Fatalf("next action not decoded: %+v", apiErr.NextAction)
	}
}

func TestConfirmTimedOut(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["commitment"] != "finalized" || body["timeout_ms"] != float64(5000) || body["allow_preflight_failure"] != true {
			t.Fatalf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Outcome{Status: "timed_out", TxHash: "0x01", Error: "TIMEOUT", PreflightError: "EXECUTION_REVERTED"})
	})

	out, err := client.Confirm(context.Background(), ConfirmRequest{
		ID:                    "id-1",
		ContentHash:           "abc",
		Commitment:            "finalized",
		Timeout:               5 * time.Second,
		AllowPreflightFailure: true,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !out.TimedOut() || out.TxHash != "0x01" || out.PreflightError == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestListGetRemoveCleanup(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/pending":
			if got := r.URL.Query().Get("status"); got != "pending,timed_out" {
				t.Fatalf("unexpected status filter %q", got)
			}
			if got := r.URL.Query().Get("limit"); got != "5" {
				t.Fatalf("unexpected limit %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []Entry{{ID: "a", Status: "pending"}},
				"count": 1,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/pending/a":
			_ = json.NewEncoder(w).Encode(Record{Entry: Entry{ID: "a"}, TxBase64: "cmF3"})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/pending/a":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/pending/cleanup":
			_ = json.NewEncoder(w).Encode(CleanupResult{Removed: 2, Kept: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "code": "NOT_FOUND", "message": "missing"})
		}
	})
	ctx := context.Background()

	entries, err := client.List(ctx, ListOptions{Limit: 5, Statuses: []string{"pending", "timed_out"}})
	if err != nil || len(entries) != 1 || entries[0].ID != "a" {
		t.Fatalf("list: %v %+v", err, entries)
	}
	rec, err := client.Get(ctx, "a")
	if err != nil || rec.ID != "a" || rec.TxBase64 != "cmF3" {
		t.Fatalf("get: %v %+v", err, rec)
	}
	if err := client.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	res, err := client.Cleanup(ctx, time.Hour)
	if err != nil || res.Removed != 2 {
		t.Fatalf("cleanup: %v %+v", err, res)
	}
	if _, err := client.Get(ctx, "b"); !IsCode(err, "NOT_FOUND") {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
