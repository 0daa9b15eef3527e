package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tower-arena/server/internal/oracle"
)

type gateway struct {
	methods []string
	auth    []string
	reply   func(method string, params []json.RawMessage) (any, *Error)
	status  int
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.status != 0 {
		w.WriteHeader(g.status)
		return
	}
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.methods = append(g.methods, req.Method)
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	result, rpcErr := g.reply(req.Method, req.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClientCallsLedgerMethods(t *testing.T) {
	gw := &gateway{reply: func(method string, params []json.RawMessage) (any, *Error) {
		if method == MethodVerifyPayment {
			var player string
			_ = json.Unmarshal(params[1], &player)
			return player == "0xabc", nil
		}
		return "0xtxhash", nil
	}}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := client.CompleteTurn(ctx, "s1"); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	if err := client.TimeoutTurn(ctx, "s1"); err != nil {
		t.Fatalf("TimeoutTurn: %v", err)
	}
	if err := client.ReportCollapse(ctx, "s1"); err != nil {
		t.Fatalf("ReportCollapse: %v", err)
	}
	ok, err := client.VerifyPayment(ctx, "s1", "0xabc", 5)
	if err != nil || !ok {
		t.Fatalf("VerifyPayment = %v, %v", ok, err)
	}

	want := []string{MethodCompleteTurn, MethodTimeoutTurn, MethodReportCollapse, MethodVerifyPayment}
	if strings.Join(gw.methods, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected methods: %v", gw.methods)
	}
}

func TestClientErrorsClassify(t *testing.T) {
	gw := &gateway{reply: func(string, []json.RawMessage) (any, *Error) {
		return nil, &Error{Code: 3, Message: "execution reverted: collapse already reported"}
	}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	client, _ := New(Config{Endpoint: srv.URL})

	err := client.ReportCollapse(context.Background(), "s1")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != 3 {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if oracle.Classify(err) != oracle.ClassPermanent {
		t.Fatalf("revert should be permanent: %v", err)
	}

	gw.status = http.StatusBadGateway
	err = client.ReportCollapse(context.Background(), "s1")
	if err == nil || oracle.Classify(err) != oracle.ClassRetryable {
		t.Fatalf("gateway failure should be retryable: %v", err)
	}
}

func TestClientSendsBearerKey(t *testing.T) {
	gw := &gateway{reply: func(string, []json.RawMessage) (any, *Error) { return false, nil }}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err := client.VerifyPayment(context.Background(), "s1", "0xabc", 5)
	if err != nil || ok {
		t.Fatalf("VerifyPayment = %v, %v", ok, err)
	}
	if len(gw.auth) != 1 || gw.auth[0] != "Bearer secret" {
		t.Fatalf("expected bearer key, got %q", gw.auth)
	}

	anon, _ := New(Config{Endpoint: srv.URL})
	if err := anon.CompleteTurn(context.Background(), "s1"); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	if gw.auth[1] != "" {
		t.Fatalf("no key configured, got %q", gw.auth[1])
	}
}

func TestClientNotFoundIsPermanent(t *testing.T) {
	gw := &gateway{reply: func(string, []json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32000, Message: "session not found"}
	}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	client, _ := New(Config{Endpoint: srv.URL})

	_, err := client.VerifyPayment(context.Background(), "s9", "0xabc", 5)
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("ledger message should pass through: %v", err)
	}
	if oracle.Classify(err) != oracle.ClassPermanent {
		t.Fatalf("not found should be permanent: %v", err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
