package clients

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcHandler func(params []json.RawMessage) (any, *rpcErr)

// fakeRPC is a minimal JSON-RPC 2.0 server for endpoint tests.
type fakeRPC struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
}

func newFakeRPC(t *testing.T, handlers map[string]rpcHandler) *fakeRPC {
	t.Helper()
	f := &fakeRPC{handlers: handlers, calls: map[string]int{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRPC) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls[req.Method]++
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = rpcErr{Code: -32601, Message: "method not found"}
	} else if res, e := h(req.Params); e != nil {
		resp["error"] = e
	} else {
		resp["result"] = res
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func result(v any) rpcHandler {
	return func([]json.RawMessage) (any, *rpcErr) { return v, nil }
}
