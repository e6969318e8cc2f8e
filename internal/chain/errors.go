package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var ErrClosed = errors.New("chain gateway closed")

// Error tags a gateway failure with its taxonomy kind.
type Error struct {
	Kind     domain.ErrorKind
	Op       string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s on %s (%s): %v", e.Op, e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the taxonomy kind of err, classifying untagged errors on the fly.
func KindOf(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindNone
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Kind
	}
	return classifyKind(err)
}

// Classify wraps err in an *Error unless it already carries a kind.
func Classify(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return err
	}
	return &Error{Kind: classifyKind(err), Op: op, Endpoint: endpoint, Err: err}
}

// JSON-RPC error codes returned by Solana validators.
const (
	codeSendTransactionPreflightFailure = -32002
	codeSignatureVerificationFailure    = -32003
	codeBlockNotAvailable               = -32004
	codeNodeUnhealthy                   = -32005
	codeSlotSkipped                     = -32007
	codeLongTermStorageSlotSkipped      = -32009
	codeBlockStatusNotAvailableYet      = -32014
	codeMinContextSlotNotReached        = -32016
	codeInvalidRequest                  = -32600
	codeMethodNotFound                  = -32601
	codeInvalidParams                   = -32602
	codeInternalError                   = -32603
	codeRateLimited                     = 429
)

func classifyKind(err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.KindTransient
	}
	if errors.Is(err, ErrClosed) {
		return domain.KindClientBad
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return domain.KindNotFound
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCError(rpcErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.KindTransient
	}

	return classifyMessage(err.Error())
}

func classifyRPCError(rpcErr *jsonrpc.RPCError) domain.ErrorKind {
	if kind := classifyMessage(rpcErr.Message); kind == domain.KindBlockhashExpired || kind == domain.KindInsufficientFunds {
		return kind
	}

	switch rpcErr.Code {
	case codeSendTransactionPreflightFailure:
		if data, ok := rpcErr.Data.(map[string]any); ok {
			if txErr, present := data["err"]; present && txErr != nil {
				return transactionErrorKind(txErr, -1)
			}
		}
		return domain.KindProgramError
	case codeSignatureVerificationFailure, codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
		return domain.KindClientBad
	case codeSlotSkipped, codeLongTermStorageSlotSkipped:
		return domain.KindNotFound
	case codeBlockNotAvailable, codeNodeUnhealthy, codeBlockStatusNotAvailableYet,
		codeMinContextSlotNotReached, codeInternalError, codeRateLimited:
		return domain.KindTransient
	}
	return classifyMessage(rpcErr.Message)
}

var transientStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// classifyMessage is the fallback for errors that only surface as text, such
// as HTTP status failures from the JSON-RPC transport.
func classifyMessage(message string) domain.ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "blockhash not found"), strings.Contains(lower, "block height exceeded"):
		return domain.KindBlockhashExpired
	case strings.Contains(lower, "insufficient funds"), strings.Contains(lower, "insufficient lamports"):
		return domain.KindInsufficientFunds
	case strings.Contains(lower, "not found"):
		return domain.KindNotFound
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "timeout"), strings.Contains(lower, "rate limit"):
		return domain.KindTransient
	}
	for _, status := range transientStatuses {
		if strings.Contains(lower, strings.ToLower(http.StatusText(status))) ||
			strings.Contains(lower, "status code: "+strconv.Itoa(status)) {
			return domain.KindTransient
		}
	}
	return domain.KindUnknown
}

// rotates reports whether a failure should move the gateway off the endpoint
// that produced it.
func rotates(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == domain.KindTransient
}

// ClassifyTransactionError maps the status error of a processed transaction
// onto the failure taxonomy. slippageCode is the AMM program's custom error
// for a violated minimum output.
func ClassifyTransactionError(txErr any, slippageCode uint32) domain.ErrorKind {
	return transactionErrorKind(txErr, int64(slippageCode))
}

func transactionErrorKind(txErr any, slippageCode int64) domain.ErrorKind {
	switch value := txErr.(type) {
	case nil:
		return domain.KindNone
	case string:
		switch value {
		case "BlockhashNotFound":
			return domain.KindBlockhashExpired
		case "InsufficientFundsForFee", "InsufficientFundsForRent", "AccountNotFound":
			return domain.KindInsufficientFunds
		}
		return domain.KindProgramError
	case map[string]any:
		if _, ok := value["InsufficientFundsForRent"]; ok {
			return domain.KindInsufficientFunds
		}
		if instructionErr, ok := value["InstructionError"].([]any); ok && len(instructionErr) == 2 {
			return instructionErrorKind(instructionErr[1], slippageCode)
		}
		return domain.KindProgramError
	}
	return domain.KindProgramError
}

// splTokenInsufficientFunds is the SPL Token program's custom error 1.
const splTokenInsufficientFunds = 1

func instructionErrorKind(detail any, slippageCode int64) domain.ErrorKind {
	switch value := detail.(type) {
	case string:
		if value == "InsufficientFunds" {
			return domain.KindInsufficientFunds
		}
	case map[string]any:
		code, ok := customCode(value["Custom"])
		if !ok {
			break
		}
		if slippageCode >= 0 && code == slippageCode {
			return domain.KindSlippageExceeded
		}
		if code == splTokenInsufficientFunds {
			return domain.KindInsufficientFunds
		}
	}
	return domain.KindProgramError
}

func customCode(raw any) (int64, bool) {
	switch value := raw.(type) {
	case float64:
		return int64(value), true
	case int:
		return int64(value), true
	case int64:
		return value, true
	case uint32:
		return int64(value), true
	case uint64:
		return int64(value), true
	case json.Number:
		code, err := value.Int64()
		return code, err == nil
	}
	return 0, false
}
