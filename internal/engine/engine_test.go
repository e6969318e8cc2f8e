package engine

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/swapmirror/internal/amm"
	"github.com/coldbell/swapmirror/internal/chain"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

const testBaseFee = 1_000

// fakeChain lands, fails or ignores submissions according to its hooks.
type fakeChain struct {
	mu         sync.Mutex
	sent       []*solana.Transaction
	sendErrs   []error
	blockhash  int
	height     uint64
	status     func(sig solana.Signature, sendIndex int) *chain.SignatureStatus
	sentSignal chan solana.Signature

	// Landed signatures are removed from active; maxActive tracks the
	// largest number of live submissions per fee payer/leader pair.
	active    map[solana.PublicKey]int
	maxActive map[solana.PublicKey]int
	owner     map[solana.Signature]solana.PublicKey
	leaderOf  func(tx *solana.Transaction) solana.PublicKey
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		active:    make(map[solana.PublicKey]int),
		maxActive: make(map[solana.PublicKey]int),
		owner:     make(map[solana.Signature]solana.PublicKey),
	}
}

func (f *fakeChain) GetLatestBlockhash(context.Context) (chain.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhash++
	return chain.Blockhash{Hash: solana.Hash{byte(f.blockhash)}, LastValidBlockHeight: 1_000}, nil
}

func (f *fakeChain) GetBlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) GetSlot(context.Context) (uint64, error) {
	return 500, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, payload []byte, _ uint64) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(payload))
	if err != nil {
		return solana.Signature{}, err
	}

	f.mu.Lock()
	index := len(f.sent)
	f.sent = append(f.sent, tx)
	var sendErr error
	if index < len(f.sendErrs) {
		sendErr = f.sendErrs[index]
	}
	if sendErr == nil && f.leaderOf != nil {
		leader := f.leaderOf(tx)
		f.owner[tx.Signatures[0]] = leader
		f.active[leader]++
		f.maxActive[leader] = max(f.maxActive[leader], f.active[leader])
	}
	signal := f.sentSignal
	f.mu.Unlock()

	if signal != nil {
		signal <- tx.Signatures[0]
	}
	return tx.Signatures[0], sendErr
}

func (f *fakeChain) GetSignatureStatus(_ context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	f.mu.Lock()
	index := -1
	for i, tx := range f.sent {
		if tx.Signatures[0] == sig {
			index = i
		}
	}
	statusFn := f.status
	f.mu.Unlock()

	if statusFn == nil {
		return nil, nil
	}
	status := statusFn(sig, index)
	if status != nil && status.Landed() {
		f.mu.Lock()
		if leader, ok := f.owner[sig]; ok {
			f.active[leader]--
			delete(f.owner, sig)
		}
		f.mu.Unlock()
	}
	return status, nil
}

func (f *fakeChain) sentTransactions() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

func landed(solana.Signature, int) *chain.SignatureStatus {
	return &chain.SignatureStatus{Slot: 77, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
}

type fixedQuoter struct{ quote domain.PriorityQuote }

func (q fixedQuoter) Quote() domain.PriorityQuote { return q.quote }

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (r *memoryRecorder) Append(outcome domain.Outcome) domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome.Seq = uint64(len(r.outcomes) + 1)
	r.outcomes = append(r.outcomes, outcome)
	return outcome
}

func (r *memoryRecorder) all() []domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Outcome(nil), r.outcomes...)
}

func testConfig() Config {
	return Config{
		ProgramID:            testProgramID,
		ComputeUnits:         1_400_000,
		FeeCeilingMultiplier: 5,
		MaxRetries:           3,
		LandingTimeout:       60 * time.Millisecond,
		PollInterval:         2 * time.Millisecond,
		BackoffBase:          5 * time.Millisecond,
		BackoffCap:           20 * time.Millisecond,
		GlobalConcurrency:    8,
		SlippageErrorCode:    30,
	}
}

func newTestEngine(t *testing.T, cfg Config, fake *fakeChain) (*Engine, *memoryRecorder) {
	t.Helper()
	recorder := &memoryRecorder{}
	quoter := fixedQuoter{quote: domain.PriorityQuote{Base: testBaseFee, P75: testBaseFee, Tier: domain.LoadMedium}}
	e := New(cfg, solana.NewWallet().PrivateKey, fake, quoter, recorder, logging.Discard(), nil)
	e.jitter = func() float64 { return 1 }
	return e, recorder
}

func sizedSwap(leader solana.PublicKey) domain.SizedSwap {
	accounts := []solana.AccountMeta{
		{PublicKey: leader, IsSigner: true, IsWritable: true},
		{PublicKey: solana.NewWallet().PublicKey(), IsWritable: true},
		{PublicKey: solana.NewWallet().PublicKey()},
		{PublicKey: solana.NewWallet().PublicKey(), IsWritable: true},
		{PublicKey: solana.NewWallet().PublicKey(), IsWritable: true},
	}
	return domain.SizedSwap{
		Intent: domain.SwapIntent{
			Leader:    leader,
			Pool:      accounts[1].PublicKey,
			TokenIn:   accounts[3].PublicKey,
			TokenOut:  accounts[4].PublicKey,
			AmountIn:  1_000_000,
			MinOut:    950_000,
			Signature: solana.Signature{1},
			Accounts:  accounts,
			MintIn:    amm.NativeMint,
			MintOut:   solana.NewWallet().PublicKey(),
		},
		OurAmountIn: 100_000_000,
		OurMinOut:   97_000_000,
		ExpectedOut: 99_000_000,
	}
}

// priceOf reads the compute unit price from a drafted transaction.
func priceOf(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	require.GreaterOrEqual(t, len(tx.Message.Instructions), 3)
	ix := tx.Message.Instructions[1]
	require.Equal(t, computebudget.ProgramID, tx.Message.AccountKeys[ix.ProgramIDIndex])
	require.Len(t, ix.Data, 9)
	require.Equal(t, byte(3), ix.Data[0])
	return binary.LittleEndian.Uint64(ix.Data[1:])
}

func TestSubmit_CopySuccess(t *testing.T) {
	fake := newFakeChain()
	fake.status = landed
	e, recorder := newTestEngine(t, testConfig(), fake)
	swap := sizedSwap(solana.NewWallet().PublicKey())

	outcome, err := e.Submit(context.Background(), swap)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeLanded, outcome.State)
	assert.Equal(t, domain.KindNone, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, uint64(77), outcome.LandedSlot)
	assert.Equal(t, uint64(1), outcome.Seq)
	assert.Equal(t, swap.Intent.Signature, outcome.SourceSignature)
	require.Len(t, recorder.all(), 1)

	sent := fake.sentTransactions()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, outcome.Signature, tx.Signatures[0])
	assert.Equal(t, e.Payer(), tx.Message.AccountKeys[0])

	limit := tx.Message.Instructions[0]
	assert.Equal(t, computebudget.ProgramID, tx.Message.AccountKeys[limit.ProgramIDIndex])
	assert.Equal(t, byte(2), limit.Data[0])
	assert.Equal(t, uint32(1_400_000), binary.LittleEndian.Uint32(limit.Data[1:5]))

	assert.Equal(t, uint64(2*testBaseFee), priceOf(t, tx))
	assert.Equal(t, uint64(2*testBaseFee), outcome.PriorityFee)

	swapIx := tx.Message.Instructions[2]
	assert.Equal(t, testProgramID, tx.Message.AccountKeys[swapIx.ProgramIDIndex])
	assert.Equal(t, uint64(100_000_000), binary.LittleEndian.Uint64(swapIx.Data[0:8]))
	assert.Equal(t, uint64(97_000_000), binary.LittleEndian.Uint64(swapIx.Data[8:16]))
}

func TestSubmit_RetryThenLand(t *testing.T) {
	fake := newFakeChain()
	fake.sendErrs = []error{&chain.Error{Kind: domain.KindTransient, Op: "sendTransaction", Err: context.DeadlineExceeded}}
	fake.status = landed
	e, recorder := newTestEngine(t, testConfig(), fake)

	started := time.Now()
	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(started), testConfig().BackoffBase)
	assert.Equal(t, domain.OutcomeLanded, outcome.State)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, uint64(4*testBaseFee), outcome.PriorityFee)
	require.Len(t, recorder.all(), 1)

	sent := fake.sentTransactions()
	require.Len(t, sent, 2)
	assert.Equal(t, 2*priceOf(t, sent[0]), priceOf(t, sent[1]))
	assert.NotEqual(t, sent[0].Message.RecentBlockhash, sent[1].Message.RecentBlockhash)
}

func TestSubmit_BlockhashExpiryExhaustsRetries(t *testing.T) {
	fake := newFakeChain()
	e, recorder := newTestEngine(t, testConfig(), fake)

	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeExpired, outcome.State)
	assert.Equal(t, domain.KindBlockhashExpired, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.NotEmpty(t, outcome.Detail)
	assert.Len(t, fake.sentTransactions(), 3)
	assert.Equal(t, 3, fake.blockhash)
	require.Len(t, recorder.all(), 1)
}

func TestSubmit_ExpiresEarlyOnBlockHeight(t *testing.T) {
	fake := newFakeChain()
	fake.height = 2_000
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.LandingTimeout = 5 * time.Second
	e, _ := newTestEngine(t, cfg, fake)

	started := time.Now()
	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), cfg.LandingTimeout)
	assert.Equal(t, domain.OutcomeExpired, outcome.State)
}

func TestSubmit_DoesNotRetryInsufficientFunds(t *testing.T) {
	fake := newFakeChain()
	fake.sendErrs = []error{&chain.Error{Kind: domain.KindInsufficientFunds, Op: "sendTransaction", Err: assert.AnError}}
	e, recorder := newTestEngine(t, testConfig(), fake)

	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, outcome.State)
	assert.Equal(t, domain.KindInsufficientFunds, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Len(t, fake.sentTransactions(), 1)
	assert.Len(t, recorder.all(), 1)
}

func TestSubmit_OnChainSlippageIsTerminal(t *testing.T) {
	fake := newFakeChain()
	fake.status = func(solana.Signature, int) *chain.SignatureStatus {
		return &chain.SignatureStatus{
			Slot:               80,
			Err:                map[string]any{"InstructionError": []any{2.0, map[string]any{"Custom": 30.0}}},
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}
	}
	e, _ := newTestEngine(t, testConfig(), fake)

	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeError, outcome.State)
	assert.Equal(t, domain.KindSlippageExceeded, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestSubmit_FeeIsMonotoneAndCapped(t *testing.T) {
	fake := newFakeChain()
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.LandingTimeout = 10 * time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	e, _ := newTestEngine(t, cfg, fake)

	outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, 5, outcome.Attempts)

	sent := fake.sentTransactions()
	require.Len(t, sent, 5)
	previous := uint64(0)
	for _, tx := range sent {
		fee := priceOf(t, tx)
		assert.GreaterOrEqual(t, fee, previous)
		assert.LessOrEqual(t, fee, uint64(5*testBaseFee))
		previous = fee
	}
	assert.Equal(t, uint64(5*testBaseFee), outcome.PriorityFee)
}

func TestSubmit_SingleFlightPerLeader(t *testing.T) {
	fake := newFakeChain()
	leader := solana.NewWallet().PublicKey()
	fake.leaderOf = func(*solana.Transaction) solana.PublicKey { return leader }
	polls := make(map[solana.Signature]int)
	var pollMu sync.Mutex
	fake.status = func(sig solana.Signature, _ int) *chain.SignatureStatus {
		pollMu.Lock()
		defer pollMu.Unlock()
		polls[sig]++
		if polls[sig] < 3 {
			return nil
		}
		return landed(sig, 0)
	}
	e, recorder := newTestEngine(t, testConfig(), fake)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := e.Submit(context.Background(), sizedSwap(leader))
			assert.NoError(t, err)
			assert.Equal(t, domain.OutcomeLanded, outcome.State)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fake.maxActive[leader])
	assert.Len(t, recorder.all(), 4)
	assert.False(t, e.InFlight(leader))
}

func TestHalt_LetsInFlightFinishAndRefusesNewWork(t *testing.T) {
	fake := newFakeChain()
	fake.sentSignal = make(chan solana.Signature, 8)
	cfg := testConfig()
	e, recorder := newTestEngine(t, cfg, fake)

	type result struct {
		outcome domain.Outcome
		err     error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
			results <- result{outcome: outcome, err: err}
		}()
	}
	for range 2 {
		select {
		case <-fake.sentSignal:
		case <-time.After(2 * time.Second):
			t.Fatal("submissions were not sent")
		}
	}

	halted := time.Now()
	e.Halt()
	assert.True(t, e.Halted())

	_, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
	require.ErrorIs(t, err, ErrHalted)

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		assert.True(t, r.outcome.State.Failed())
		assert.Equal(t, 1, r.outcome.Attempts)
	}
	assert.Less(t, time.Since(halted), cfg.LandingTimeout+cfg.BackoffCap+time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
	assert.Len(t, recorder.all(), 2)
	assert.Len(t, fake.sentTransactions(), 2)
}

func TestHalt_DuringBackoffStopsRetries(t *testing.T) {
	fake := newFakeChain()
	fake.sendErrs = []error{&chain.Error{Kind: domain.KindTransient, Op: "sendTransaction", Err: context.DeadlineExceeded}}
	fake.status = landed
	fake.sentSignal = make(chan solana.Signature, 4)
	cfg := testConfig()
	cfg.BackoffBase = 200 * time.Millisecond
	cfg.BackoffCap = 200 * time.Millisecond
	e, recorder := newTestEngine(t, cfg, fake)

	done := make(chan domain.Outcome, 1)
	go func() {
		outcome, err := e.Submit(context.Background(), sizedSwap(solana.NewWallet().PublicKey()))
		assert.NoError(t, err)
		done <- outcome
	}()

	select {
	case <-fake.sentSignal:
	case <-time.After(2 * time.Second):
		t.Fatal("first attempt was not sent")
	}
	time.Sleep(50 * time.Millisecond)
	e.Halt()

	var outcome domain.Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after halt")
	}
	assert.Equal(t, domain.OutcomeError, outcome.State)
	assert.Equal(t, domain.KindTransient, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Len(t, fake.sentTransactions(), 1)
	require.Len(t, recorder.all(), 1)
}

func TestSubmit_WaitingForPermitHonoursContext(t *testing.T) {
	fake := newFakeChain()
	cfg := testConfig()
	cfg.LandingTimeout = time.Second
	e, recorder := newTestEngine(t, cfg, fake)
	leader := solana.NewWallet().PublicKey()

	release, err := e.acquire(context.Background(), leader)
	require.NoError(t, err)
	defer release()
	assert.True(t, e.InFlight(leader))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Submit(ctx, sizedSwap(leader))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, recorder.all())
	assert.Empty(t, fake.sentTransactions())
}

func TestBackoff(t *testing.T) {
	e, _ := newTestEngine(t, Config{BackoffBase: 50 * time.Millisecond, BackoffCap: 2 * time.Second}, newFakeChain())

	assert.Equal(t, 50*time.Millisecond, e.backoff(0))
	assert.Equal(t, 100*time.Millisecond, e.backoff(1))
	assert.Equal(t, 400*time.Millisecond, e.backoff(3))
	assert.Equal(t, 2*time.Second, e.backoff(10))

	e.jitter = func() float64 { return 1.2 }
	assert.Equal(t, 60*time.Millisecond, e.backoff(0))
}
