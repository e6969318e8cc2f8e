package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/coldbell/swapmirror/internal/amm"
	"github.com/coldbell/swapmirror/internal/chain"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/engine"
	"github.com/coldbell/swapmirror/internal/risk"
	"github.com/gagliardetto/solana-go"
)

var errStreamClosed = errors.New("leader transaction stream closed")

// dispatch is the single consumer of gateway events and commands. Intents
// are handed to their own goroutine, bound to workCtx so they can finish
// after ctx is cancelled.
func (s *Supervisor) dispatch(ctx, workCtx context.Context, txs, accounts <-chan chain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-txs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errStreamClosed
			}
			s.onEvent(workCtx, ev)
		case ev, ok := <-accounts:
			if !ok {
				accounts = nil
				continue
			}
			s.onEvent(workCtx, ev)
		case cmd := <-s.deps.Commands:
			if err := s.handleCommand(ctx, workCtx, cmd); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) onEvent(workCtx context.Context, ev chain.Event) {
	switch ev.Kind {
	case chain.EventTx:
		if ev.Tx != nil {
			s.onTransaction(workCtx, *ev.Tx)
		}
	case chain.EventAccount:
		if ev.Account != nil {
			s.onAccount(*ev.Account)
		}
	case chain.EventReconnected:
		// Pool updates may have been missed while disconnected. Token
		// account mints never change, so that cache is kept.
		s.pools.Purge()
		s.logger.Info("stream resubscribed; pool snapshots flushed")
	}
}

func (s *Supervisor) onTransaction(workCtx context.Context, ev chain.TxEvent) {
	if s.seen.Contains(ev.Signature) {
		s.deps.Metrics.TransactionSeen(true)
		return
	}
	s.seen.Add(ev.Signature, struct{}{})
	s.deps.Metrics.TransactionSeen(false)

	if ev.Failed {
		return
	}
	intent, ok := amm.DecodeSwap(ev.Transaction, ev.Slot, s.cfg.AMMProgramID, s.leaders)
	if !ok {
		s.logger.Debug("transaction is not a tracked swap", "signature", ev.Signature)
		return
	}
	s.deps.Metrics.IntentDecoded()
	s.deps.Registry.Observe(intent)
	s.lastIntent[intent.Leader] = intent

	s.spawn(workCtx, intent, false)
}

// onAccount refreshes the caches from streamed account updates.
func (s *Supervisor) onAccount(account chain.Account) {
	switch {
	case account.Owner.Equals(s.cfg.AMMProgramID) && len(account.Data) >= amm.PoolAccountSize:
		snapshot, err := amm.DecodePool(account.Pubkey, account.Data, s.now())
		if err != nil {
			s.logger.Debug("pool update not decodable", "pool", account.Pubkey, "err", err)
			return
		}
		s.pools.Add(account.Pubkey, snapshot)
	case len(account.Data) == amm.TokenAccountSize:
		if mint, err := amm.TokenAccountMint(account.Data); err == nil {
			s.mints.Add(account.Pubkey, mint)
		}
	}
}

// spawn runs one intent through sizing and submission. When every handler
// slot is busy the intent is shed.
func (s *Supervisor) spawn(workCtx context.Context, intent domain.SwapIntent, manual bool) {
	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Warn("handler slots exhausted; intent dropped", "leader", intent.Leader, "signature", intent.Signature)
		return
	}
	s.handlers.Go(func() {
		defer func() { <-s.slots }()
		s.handleIntent(workCtx, intent, manual)
	})
}

func (s *Supervisor) handleIntent(ctx context.Context, intent domain.SwapIntent, manual bool) {
	state := s.deps.Registry.Snapshot(intent.Leader)
	declined := !follows(s.strategy, state)

	pool := s.poolSnapshot(ctx, intent.Pool)
	intent.MintIn, intent.MintOut = s.resolveMints(ctx, intent, pool)
	balance, err := s.balanceOf(ctx, intent.MintIn)
	if err != nil {
		s.logger.Warn("balance lookup failed", "leader", intent.Leader, "mint", intent.MintIn, "err", err)
	}

	decision := s.deps.Gate.Evaluate(risk.Input{
		Intent:           intent,
		Leader:           state,
		Pool:             pool,
		Balance:          balance,
		Manual:           manual,
		Now:              s.now(),
		StrategyDeclined: declined,
	})
	s.deps.Metrics.ObserveDecision(decision)
	if !decision.Accepted() {
		s.logger.Debug("intent rejected", "leader", intent.Leader, "pool", intent.Pool, "reason", decision.Reason)
		return
	}

	outcome, err := s.deps.Executor.Submit(ctx, decision.Swap)
	if err != nil {
		if !errors.Is(err, engine.ErrHalted) {
			s.logger.Warn("copy not submitted", "leader", intent.Leader, "err", err)
		}
		return
	}
	if outcome.Kind == domain.KindInsufficientFunds {
		s.enqueue(domain.Command{
			Kind:   domain.CommandCheckBalanceFloor,
			Leader: intent.Leader,
			Reason: outcome.Detail,
		})
	}
}

// follows applies the active strategy to a leader snapshot.
func follows(strategy domain.Strategy, state domain.LeaderState) bool {
	switch strategy.Kind {
	case domain.StrategyCopyLeader:
		return true
	case domain.StrategyVolumeFollow:
		return state.Volume24h >= strategy.MinVolume24h
	default:
		return false
	}
}

// poolSnapshot returns a fresh snapshot, refetching when the cached one is
// older than the gate tolerates. Nil means the pool could not be read.
func (s *Supervisor) poolSnapshot(ctx context.Context, pool solana.PublicKey) *domain.PoolSnapshot {
	if cached, ok := s.pools.Get(pool); ok && !cached.Stale(s.now(), s.cfg.PoolSnapshotTTL) {
		return &cached
	}
	account, err := s.deps.Gateway.GetAccount(ctx, pool)
	if err != nil {
		s.logger.Debug("pool fetch failed", "pool", pool, "err", err)
		return nil
	}
	snapshot, err := amm.DecodePool(pool, account.Data, s.now())
	if err != nil {
		s.logger.Debug("pool decode failed", "pool", pool, "err", err)
		return nil
	}
	s.pools.Add(pool, snapshot)
	return &snapshot
}

// resolveMints finds the mints behind the leader's token accounts: from the
// cache, then by matching the pool mints' associated accounts, then by
// reading the token accounts.
func (s *Supervisor) resolveMints(ctx context.Context, intent domain.SwapIntent, pool *domain.PoolSnapshot) (solana.PublicKey, solana.PublicKey) {
	mintIn, okIn := s.mints.Get(intent.TokenIn)
	mintOut, okOut := s.mints.Get(intent.TokenOut)
	if okIn && okOut {
		return mintIn, mintOut
	}

	if pool != nil {
		for _, mint := range []solana.PublicKey{pool.BaseMint, pool.QuoteMint} {
			ata, err := amm.DeriveAssociatedTokenAccount(intent.Leader, mint)
			if err != nil {
				continue
			}
			if !okIn && ata.Equals(intent.TokenIn) {
				mintIn, okIn = mint, true
				s.mints.Add(intent.TokenIn, mint)
			}
			if !okOut && ata.Equals(intent.TokenOut) {
				mintOut, okOut = mint, true
				s.mints.Add(intent.TokenOut, mint)
			}
		}
	}

	if !okIn {
		mintIn = s.fetchMint(ctx, intent.TokenIn)
	}
	if !okOut {
		mintOut = s.fetchMint(ctx, intent.TokenOut)
	}
	return mintIn, mintOut
}

func (s *Supervisor) fetchMint(ctx context.Context, tokenAccount solana.PublicKey) solana.PublicKey {
	account, err := s.deps.Gateway.GetAccount(ctx, tokenAccount)
	if err != nil {
		s.logger.Debug("token account fetch failed", "account", tokenAccount, "err", err)
		return solana.PublicKey{}
	}
	mint, err := amm.TokenAccountMint(account.Data)
	if err != nil {
		s.logger.Debug("token account decode failed", "account", tokenAccount, "err", err)
		return solana.PublicKey{}
	}
	s.mints.Add(tokenAccount, mint)
	return mint
}

// balanceOf is the payer's spendable balance in mint: lamports for the
// native mint, otherwise the associated token account amount. A missing
// token account is a zero balance.
func (s *Supervisor) balanceOf(ctx context.Context, mint solana.PublicKey) (uint64, error) {
	payer := s.deps.Executor.Payer()
	if mint.IsZero() {
		return 0, nil
	}
	if mint.Equals(amm.NativeMint) {
		return s.deps.Gateway.GetBalance(ctx, payer)
	}
	ata, err := amm.DeriveAssociatedTokenAccount(payer, mint)
	if err != nil {
		return 0, err
	}
	account, err := s.deps.Gateway.GetAccount(ctx, ata)
	if err != nil {
		if chain.KindOf(err) == domain.KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	return amm.TokenAccountAmount(account.Data)
}

// subscribeAccounts keeps the mint cache warm with the leaders' token
// accounts and, when enabled, the pool cache with AMM pool updates. The
// streams are best effort; failures only cost cache hits.
func (s *Supervisor) subscribeAccounts(ctx context.Context) <-chan chain.Event {
	var streams []<-chan chain.Event
	for _, leader := range s.cfg.TrackedLeaders {
		ch, err := s.deps.Gateway.SubscribeAccounts(ctx, chain.AccountFilter{
			ProgramID: solana.TokenProgramID,
			DataSize:  amm.TokenAccountSize,
			Memcmp:    []chain.Memcmp{{Offset: amm.TokenOwnerOffset, Bytes: leader.Bytes()}},
		})
		if err != nil {
			s.logger.Warn("token account subscription failed", "leader", leader, "err", err)
			continue
		}
		streams = append(streams, ch)
	}
	if s.cfg.StreamPoolAccounts {
		ch, err := s.deps.Gateway.SubscribeAccounts(ctx, chain.AccountFilter{
			ProgramID: s.cfg.AMMProgramID,
			DataSize:  s.cfg.PoolAccountSize,
		})
		if err != nil {
			s.logger.Warn("pool account subscription failed", "err", err)
		} else {
			streams = append(streams, ch)
		}
	}
	return merge(ctx, streams)
}

// merge fans several event streams into one that closes when all inputs do.
func merge(ctx context.Context, streams []<-chan chain.Event) <-chan chain.Event {
	out := make(chan chain.Event, 64)
	if len(streams) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Go(func() {
			for ev := range stream {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
