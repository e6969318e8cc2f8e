// Package chain wraps the Solana RPC and websocket endpoints behind a small
// deadline-bound interface with endpoint rotation and a closed error taxonomy.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/swapmirror/internal/config"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type Config struct {
	RPCEndpoints       []string
	WSEndpoints        []string
	Commitment         rpc.CommitmentType
	CallTimeout        time.Duration
	RateLimit          float64
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func ConfigFrom(cfg config.MirrorConfig) Config {
	return Config{
		RPCEndpoints:       cfg.RPCEndpoints,
		WSEndpoints:        cfg.WSEndpoints,
		Commitment:         cfg.Commitment,
		CallTimeout:        cfg.RPCTimeout,
		RateLimit:          cfg.RPCRateLimit,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
	}
}

// Account is a fetched or streamed account.
type Account struct {
	Pubkey   solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	Slot     uint64
}

type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is a node's view of one submitted signature.
type SignatureStatus struct {
	Slot               uint64
	Err                any
	ConfirmationStatus rpc.ConfirmationStatusType
}

func (s SignatureStatus) Landed() bool {
	return s.Err == nil && (s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		s.ConfirmationStatus == rpc.ConfirmationStatusFinalized)
}

type Gateway struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	endpoints *endpointSet

	closed  atomic.Bool
	streams sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	if len(cfg.RPCEndpoints) == 0 {
		return nil, errors.New("chain gateway requires at least one rpc endpoint")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 250 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}

	return &Gateway{
		cfg:       cfg,
		logger:    logging.Component(logger, "gateway"),
		metrics:   m,
		endpoints: newEndpointSet(cfg.RPCEndpoints, cfg.RateLimit),
		stop:      make(chan struct{}),
	}, nil
}

// Close stops every subscription and waits for their goroutines to exit.
func (g *Gateway) Close() error {
	g.once.Do(func() {
		g.closed.Store(true)
		close(g.stop)
	})
	g.streams.Wait()
	g.endpoints.close()
	return nil
}

// call runs fn against the current endpoint under the call deadline and
// rotates away from the endpoint when the failure is transient.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context, *rpc.Client) error) error {
	if g.closed.Load() {
		return &Error{Kind: domain.KindClientBad, Op: op, Err: ErrClosed}
	}

	idx, ep := g.endpoints.pick()
	if err := ep.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindOf(err), Op: op, Endpoint: ep.name, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	started := time.Now()
	err := fn(callCtx, ep.client)
	g.metrics.ObserveRPC(op, time.Since(started).Seconds())
	if err == nil {
		g.endpoints.succeed(idx)
		return nil
	}

	classified := Classify(op, ep.name, err)
	if ctx.Err() == nil && rotates(classified) {
		if next, rotated := g.endpoints.fail(idx); rotated {
			g.metrics.EndpointRotated()
			g.logger.Warn(
				"rotating rpc endpoint",
				"op", op,
				"from", ep.name,
				"to", g.endpoints.endpoints[next].name,
				"errors", ep.errors.Load(),
				"err", err,
			)
		}
	}
	return classified
}

func (g *Gateway) GetAccount(ctx context.Context, key solana.PublicKey) (Account, error) {
	var account Account
	err := g.call(ctx, "getAccountInfo", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
			Commitment: g.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return rpc.ErrNotFound
		}
		account = Account{
			Pubkey:   key,
			Owner:    out.Value.Owner,
			Lamports: out.Value.Lamports,
			Slot:     out.Context.Slot,
		}
		if out.Value.Data != nil {
			account.Data = out.Value.Data.GetBinary()
		}
		return nil
	})
	return account, err
}

func (g *Gateway) GetBalance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	var lamports uint64
	err := g.call(ctx, "getBalance", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetBalance(ctx, key, g.cfg.Commitment)
		if err != nil {
			return err
		}
		lamports = out.Value
		return nil
	})
	return lamports, err
}

func (g *Gateway) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := g.call(ctx, "getSlot", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetSlot(ctx, rpc.CommitmentProcessed)
		slot = out
		return err
	})
	return slot, err
}

func (g *Gateway) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := g.call(ctx, "getBlockHeight", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetBlockHeight(ctx, rpc.CommitmentProcessed)
		height = out
		return err
	})
	return height, err
}

// GetLatestBlockhash always reads at processed commitment.
func (g *Gateway) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	var hash Blockhash
	err := g.call(ctx, "getLatestBlockhash", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetLatestBlockhash(ctx, rpc.CommitmentProcessed)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return fmt.Errorf("empty blockhash response")
		}
		hash = Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}
		return nil
	})
	return hash, err
}

func (g *Gateway) GetRecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error) {
	var fees []uint64
	err := g.call(ctx, "getRecentPrioritizationFees", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetRecentPrioritizationFees(ctx, solana.PublicKeySlice(accounts))
		if err != nil {
			return err
		}
		fees = make([]uint64, 0, len(out))
		for _, sample := range out {
			fees = append(fees, sample.PrioritizationFee)
		}
		return nil
	})
	return fees, err
}

// GetTransaction fetches a landed transaction at confirmed commitment.
func (g *Gateway) GetTransaction(ctx context.Context, signature solana.Signature) (TxEvent, error) {
	var event TxEvent
	err := g.call(ctx, "getTransaction", func(ctx context.Context, client *rpc.Client) error {
		version := uint64(0)
		out, err := client.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
			MaxSupportedTransactionVersion: &version,
			Commitment:                     rpc.CommitmentConfirmed,
			Encoding:                       solana.EncodingBase64,
		})
		if err != nil {
			return err
		}
		if out == nil || out.Transaction == nil {
			return rpc.ErrNotFound
		}
		tx, err := out.Transaction.GetTransaction()
		if err != nil {
			return fmt.Errorf("decode transaction %s: %w", signature, err)
		}
		event = TxEvent{
			Signature:   signature,
			Slot:        out.Slot,
			Transaction: tx,
			Failed:      out.Meta != nil && out.Meta.Err != nil,
		}
		return nil
	})
	return event, err
}

// SendTransaction submits a signed wire payload without preflight and with
// node-side retries disabled. A non-zero minContextSlot is forwarded.
func (g *Gateway) SendTransaction(ctx context.Context, payload []byte, minContextSlot uint64) (solana.Signature, error) {
	var signature solana.Signature
	err := g.call(ctx, "sendTransaction", func(ctx context.Context, client *rpc.Client) error {
		noRetries := uint(0)
		opts := rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentProcessed,
			MaxRetries:          &noRetries,
		}
		if minContextSlot > 0 {
			opts.MinContextSlot = &minContextSlot
		}
		sig, err := client.SendRawTransactionWithOpts(ctx, payload, opts)
		signature = sig
		return err
	})
	return signature, err
}

// GetSignatureStatus returns nil when the node does not know the signature.
func (g *Gateway) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error) {
	var status *SignatureStatus
	err := g.call(ctx, "getSignatureStatuses", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetSignatureStatuses(ctx, false, signature)
		if err != nil {
			return err
		}
		if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
			return nil
		}
		value := out.Value[0]
		status = &SignatureStatus{
			Slot:               value.Slot,
			Err:                value.Err,
			ConfirmationStatus: value.ConfirmationStatus,
		}
		return nil
	})
	return status, err
}
