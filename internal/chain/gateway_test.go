package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcHandler func(method string) (result any, rpcErr map[string]any)

func newRPCServer(t *testing.T, calls *atomic.Int32, handle rpcHandler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req.Method)
		response := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			response["error"] = rpcErr
		} else {
			response["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)
	return server
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	return url
}

func newTestGateway(t *testing.T, rpcURLs []string, wsURLs []string) (*Gateway, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics("test")
	g, err := New(Config{
		RPCEndpoints:       rpcURLs,
		WSEndpoints:        wsURLs,
		Commitment:         rpc.CommitmentConfirmed,
		CallTimeout:        2 * time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, logging.Discard(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, m
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{}, logging.Discard(), nil)
	require.Error(t, err)
}

func TestGateway_RotatesAwayFromBrokenEndpoint(t *testing.T) {
	healthy := newRPCServer(t, nil, func(method string) (any, map[string]any) {
		if method == "getSlot" {
			return 42, nil
		}
		return nil, map[string]any{"code": -32601, "message": "Method not found"}
	})
	g, _ := newTestGateway(t, []string{closedServerURL(t), healthy.URL}, nil)

	_, err := g.GetSlot(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, KindOf(err))

	slot, err := g.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), slot)

	idx, _ := g.endpoints.pick()
	assert.Equal(t, 1, idx)
	assert.Zero(t, g.endpoints.endpoints[1].errors.Load())
	assert.Equal(t, int64(1), g.endpoints.endpoints[0].errors.Load())
}

func TestGateway_RotatesOnUnhealthyNode(t *testing.T) {
	var unhealthyCalls, healthyCalls atomic.Int32
	unhealthy := newRPCServer(t, &unhealthyCalls, func(string) (any, map[string]any) {
		return nil, map[string]any{"code": -32005, "message": "Node is unhealthy"}
	})
	healthy := newRPCServer(t, &healthyCalls, func(string) (any, map[string]any) {
		return 7, nil
	})
	g, _ := newTestGateway(t, []string{unhealthy.URL, healthy.URL}, nil)

	_, err := g.GetBlockHeight(context.Background())
	assert.Equal(t, domain.KindTransient, KindOf(err))

	height, err := g.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), height)
	assert.Equal(t, int32(1), unhealthyCalls.Load())
	assert.Equal(t, int32(1), healthyCalls.Load())
}

func TestGateway_NotFoundDoesNotRotate(t *testing.T) {
	var calls atomic.Int32
	primary := newRPCServer(t, &calls, func(string) (any, map[string]any) {
		return map[string]any{"context": map[string]any{"slot": 9}, "value": nil}, nil
	})
	secondary := newRPCServer(t, nil, func(string) (any, map[string]any) {
		return nil, nil
	})
	g, _ := newTestGateway(t, []string{primary.URL, secondary.URL}, nil)

	for range 2 {
		_, err := g.GetAccount(context.Background(), solana.NewWallet().PublicKey())
		require.Error(t, err)
		assert.Equal(t, domain.KindNotFound, KindOf(err))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestGateway_ParsesResponses(t *testing.T) {
	hash := solana.Hash{1, 2, 3}
	signature := solana.Signature{9}
	server := newRPCServer(t, nil, func(method string) (any, map[string]any) {
		switch method {
		case "getLatestBlockhash":
			return map[string]any{
				"context": map[string]any{"slot": 10},
				"value":   map[string]any{"blockhash": hash.String(), "lastValidBlockHeight": 150},
			}, nil
		case "getBalance":
			return map[string]any{"context": map[string]any{"slot": 10}, "value": 5_000_000_000}, nil
		case "getSignatureStatuses":
			return map[string]any{
				"context": map[string]any{"slot": 10},
				"value": []any{map[string]any{
					"slot":               11,
					"confirmations":      nil,
					"err":                nil,
					"confirmationStatus": "confirmed",
				}},
			}, nil
		case "getRecentPrioritizationFees":
			return []any{
				map[string]any{"slot": 1, "prioritizationFee": 0},
				map[string]any{"slot": 2, "prioritizationFee": 5000},
			}, nil
		case "sendTransaction":
			return signature.String(), nil
		}
		return nil, map[string]any{"code": -32601, "message": "Method not found"}
	})
	g, _ := newTestGateway(t, []string{server.URL}, nil)
	ctx := context.Background()

	blockhash, err := g.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, Blockhash{Hash: hash, LastValidBlockHeight: 150}, blockhash)

	balance, err := g.GetBalance(ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), balance)

	status, err := g.GetSignatureStatus(ctx, signature)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.Landed())
	assert.Equal(t, uint64(11), status.Slot)

	fees, err := g.GetRecentPrioritizationFees(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 5000}, fees)

	payer := solana.NewWallet().PrivateKey
	payload, err := signedTx(t, payer, 1).MarshalBinary()
	require.NoError(t, err)
	sent, err := g.SendTransaction(ctx, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, signature, sent)
}

func TestGateway_CallAfterClose(t *testing.T) {
	server := newRPCServer(t, nil, func(string) (any, map[string]any) { return 1, nil })
	g, _ := newTestGateway(t, []string{server.URL}, nil)
	require.NoError(t, g.Close())

	_, err := g.GetSlot(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, domain.KindClientBad, KindOf(err))
}

func value(t *testing.T, metric prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, metric.Write(&out))
	return out.GetCounter().GetValue()
}
