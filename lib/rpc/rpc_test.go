// rpc_test.go tests endpoint failover using mock JSON-RPC servers
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/celora/custody/lib/chain"
	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/config"
)

// newEthNode returns a mock ethereum JSON-RPC endpoint and a counter of requests served
func newEthNode(t *testing.T) (*httptest.Server, *int32) {
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("mock node cannot decode request:%e", err)
		}

		var result string

		switch req.Method {
		case "eth_blockNumber":
			result = "0x10"
		case "eth_getBalance":
			result = "0xde0b6b3a7640000"
		default:
			t.Errorf("mock node got unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"` + result + `"}`))
	}))

	return srv, &hits
}

func newManager(eps []config.EndpointConfig, timeoutMs int) *Manager {
	return New(chain.Init(), eps, timeoutMs)
}

const testAddr = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"

// TestFailover checks the pool moves past a broken endpoint and stops at the first healthy one
func TestFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good, hits := newEthNode(t)
	defer good.Close()

	m := newManager([]config.EndpointConfig{
		{Name: "broken", URL: bad.URL, Blockchain: "ethereum", Network: "mainnet"},
		{Name: "healthy", URL: good.URL, Blockchain: "ethereum", Network: "mainnet"},
	}, 2000)

	bal, err := m.Balance(context.Background(), "ethereum", "mainnet", testAddr)
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	if bal.String() != "1000000000000000000" {
		t.Errorf("got balance %s", bal)
	}

	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("healthy endpoint served %d requests", *hits)
	}
}

// TestCustomFirst checks custom endpoints are tried ahead of the defaults
func TestCustomFirst(t *testing.T) {
	def, defHits := newEthNode(t)
	defer def.Close()

	custom, customHits := newEthNode(t)
	defer custom.Close()

	m := newManager([]config.EndpointConfig{
		{Name: "default", URL: def.URL, Blockchain: "ethereum", Network: "mainnet"},
		{Name: "custom", URL: custom.URL, Blockchain: "ethereum", Network: "mainnet", IsCustom: true},
	}, 2000)

	if _, err := m.Balance(context.Background(), "ethereum", "mainnet", testAddr); err != nil {
		t.Fatalf("err:%e", err)
	}

	if atomic.LoadInt32(customHits) != 1 || atomic.LoadInt32(defHits) != 0 {
		t.Errorf("custom endpoint not preferred: custom=%d default=%d", *customHits, *defHits)
	}
}

// TestExhausted checks ErrNetworkUnavailable after the whole pool fails
func TestExhausted(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	m := newManager([]config.EndpointConfig{
		{Name: "broken1", URL: bad.URL, Blockchain: "ethereum", Network: "mainnet"},
		{Name: "broken2", URL: bad.URL, Blockchain: "ethereum", Network: "mainnet"},
	}, 2000)

	if _, err := m.Balance(context.Background(), "ethereum", "mainnet", testAddr); err != ErrNetworkUnavailable {
		t.Errorf("expected ErrNetworkUnavailable, got %v", err)
	}
}

// TestTimeout checks a hanging endpoint is abandoned after the configured timeout
func TestTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	good, _ := newEthNode(t)
	defer good.Close()

	m := newManager([]config.EndpointConfig{
		{Name: "slow", URL: slow.URL, Blockchain: "ethereum", Network: "mainnet"},
		{Name: "healthy", URL: good.URL, Blockchain: "ethereum", Network: "mainnet"},
	}, 100)

	start := time.Now()

	if _, err := m.Balance(context.Background(), "ethereum", "mainnet", testAddr); err != nil {
		t.Fatalf("err:%e", err)
	}

	if time.Since(start) > 450*time.Millisecond {
		t.Errorf("slow endpoint was not abandoned at the timeout")
	}
}

// TestInvalidAddress checks bad input does not burn through the pool
func TestInvalidAddress(t *testing.T) {
	good, hits := newEthNode(t)
	defer good.Close()

	m := newManager([]config.EndpointConfig{
		{Name: "healthy", URL: good.URL, Blockchain: "ethereum", Network: "mainnet"},
	}, 2000)

	if _, err := m.Balance(context.Background(), "ethereum", "mainnet", "nonsense"); err != types.ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}

	if atomic.LoadInt32(hits) != 0 {
		t.Errorf("endpoint was called %d times for invalid input", *hits)
	}
}

// TestUnknownBlockchain checks pools only exist for configured blockchains
func TestUnknownBlockchain(t *testing.T) {
	m := newManager(nil, 2000)

	if _, err := m.Balance(context.Background(), "dogecoin", "mainnet", testAddr); err != types.ErrUnknownNet {
		t.Errorf("expected ErrUnknownNet, got %v", err)
	}

	if err := m.TestConnection(context.Background(), "dogecoin", "http://localhost:1"); err != types.ErrUnknownNet {
		t.Errorf("expected ErrUnknownNet, got %v", err)
	}
}
