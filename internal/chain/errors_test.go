package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "nil", err: nil, want: domain.KindNone},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: domain.KindTransient},
		{name: "not found", err: rpc.ErrNotFound, want: domain.KindNotFound},
		{name: "closed", err: ErrClosed, want: domain.KindClientBad},
		{name: "node unhealthy", err: &jsonrpc.RPCError{Code: -32005, Message: "Node is unhealthy"}, want: domain.KindTransient},
		{name: "rate limited", err: &jsonrpc.RPCError{Code: 429, Message: "Too many requests"}, want: domain.KindTransient},
		{name: "invalid params", err: &jsonrpc.RPCError{Code: -32602, Message: "Invalid params"}, want: domain.KindClientBad},
		{name: "slot skipped", err: &jsonrpc.RPCError{Code: -32007, Message: "Slot 1 was skipped"}, want: domain.KindNotFound},
		{
			name: "blockhash message",
			err:  &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			want: domain.KindBlockhashExpired,
		},
		{
			name: "preflight insufficient funds",
			err: &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed", Data: map[string]any{
				"err": "InsufficientFundsForFee",
			}},
			want: domain.KindInsufficientFunds,
		},
		{name: "http 503 text", err: errors.New("rpc call getSlot(): 503 Service Unavailable"), want: domain.KindTransient},
		{name: "connection refused text", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: domain.KindTransient},
		{name: "anything else", err: errors.New("boom"), want: domain.KindUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestClassify_KeepsExistingKind(t *testing.T) {
	inner := &Error{Kind: domain.KindInsufficientFunds, Op: "sendTransaction", Err: errors.New("no lamports")}
	wrapped := Classify("getBalance", "https://rpc.example", fmt.Errorf("outer: %w", inner))

	assert.Equal(t, domain.KindInsufficientFunds, KindOf(wrapped))
	assert.Nil(t, Classify("getSlot", "", nil))

	fresh := Classify("getSlot", "https://rpc.example", context.DeadlineExceeded)
	var chainErr *Error
	assert.ErrorAs(t, fresh, &chainErr)
	assert.Equal(t, "getSlot", chainErr.Op)
	assert.ErrorIs(t, fresh, context.DeadlineExceeded)
}

func TestClassifyTransactionError(t *testing.T) {
	var decoded any
	// Status errors arrive JSON-decoded with float64 numbers.
	assert.NoError(t, json.Unmarshal([]byte(`{"InstructionError":[2,{"Custom":30}]}`), &decoded))

	tests := []struct {
		name  string
		txErr any
		want  domain.ErrorKind
	}{
		{name: "none", txErr: nil, want: domain.KindNone},
		{name: "blockhash", txErr: "BlockhashNotFound", want: domain.KindBlockhashExpired},
		{name: "fee payer", txErr: "InsufficientFundsForFee", want: domain.KindInsufficientFunds},
		{name: "rent", txErr: map[string]any{"InsufficientFundsForRent": map[string]any{"account_index": 0.0}}, want: domain.KindInsufficientFunds},
		{name: "slippage", txErr: decoded, want: domain.KindSlippageExceeded},
		{name: "token insufficient funds", txErr: map[string]any{"InstructionError": []any{2.0, map[string]any{"Custom": 1.0}}}, want: domain.KindInsufficientFunds},
		{name: "instruction insufficient funds", txErr: map[string]any{"InstructionError": []any{0.0, "InsufficientFunds"}}, want: domain.KindInsufficientFunds},
		{name: "other custom", txErr: map[string]any{"InstructionError": []any{2.0, map[string]any{"Custom": 7.0}}}, want: domain.KindProgramError},
		{name: "unknown string", txErr: "AccountInUse", want: domain.KindProgramError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyTransactionError(tc.txErr, 30))
		})
	}
}

func TestRedactEndpoint(t *testing.T) {
	assert.Equal(t, "https://mainnet.example", redactEndpoint("https://mainnet.example/?api-key=secret"))
	assert.Equal(t, "wss://node.example:8900", redactEndpoint("wss://node.example:8900/token/abc"))
	assert.Equal(t, "endpoint", redactEndpoint("not a url"))
}
