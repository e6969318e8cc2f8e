package priority

import (
	"context"
	"errors"
	"testing"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	fees []uint64
	err  error
	seen []solana.PublicKey
}

func (s *stubSource) GetRecentPrioritizationFees(_ context.Context, accounts []solana.PublicKey) ([]uint64, error) {
	s.seen = accounts
	return s.fees, s.err
}

func TestQuote_EmptyWindowReturnsFloorAtMediumLoad(t *testing.T) {
	oracle := NewOracle(1_000, 64, &stubSource{}, nil, logging.Discard())

	quote := oracle.Quote()
	assert.Equal(t, uint64(1_000), quote.Base)
	assert.Equal(t, uint64(1_000), quote.P75)
	assert.Equal(t, domain.LoadMedium, quote.Tier)
	assert.Zero(t, quote.Samples)
}

func TestQuote_LoadTiers(t *testing.T) {
	tests := []struct {
		name    string
		samples []uint64
		tier    domain.LoadTier
		base    uint64
		p75     uint64
	}{
		{name: "flat fees", samples: []uint64{100, 100, 100, 100}, tier: domain.LoadLow, base: 100, p75: 100},
		{name: "moderate dispersion", samples: []uint64{100, 100, 200, 200}, tier: domain.LoadMedium, base: 100, p75: 200},
		{name: "heavy dispersion", samples: []uint64{100, 100, 300, 900}, tier: domain.LoadHigh, base: 100, p75: 300},
		{name: "idle cluster", samples: []uint64{0, 0, 0, 0}, tier: domain.LoadLow, base: 10, p75: 10},
		{name: "mostly idle with spikes", samples: []uint64{0, 0, 50, 60}, tier: domain.LoadHigh, base: 10, p75: 50},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			oracle := NewOracle(10, 64, &stubSource{}, nil, logging.Discard())
			oracle.Observe(tc.samples...)

			quote := oracle.Quote()
			assert.Equal(t, tc.tier, quote.Tier)
			assert.Equal(t, tc.base, quote.Base)
			assert.Equal(t, tc.p75, quote.P75)
			assert.LessOrEqual(t, quote.Base, quote.P75)
		})
	}
}

func TestQuote_FloorDominatesLowFees(t *testing.T) {
	oracle := NewOracle(1_000_000, 64, &stubSource{}, nil, logging.Discard())
	oracle.Observe(5, 6, 7, 8)

	quote := oracle.Quote()
	assert.Equal(t, uint64(1_000_000), quote.Base)
	assert.Equal(t, quote.Base, quote.P75)
}

func TestObserve_WindowSlides(t *testing.T) {
	oracle := NewOracle(0, 4, &stubSource{}, nil, logging.Discard())
	oracle.Observe(1_000, 1_000, 1_000, 1_000)
	oracle.Observe(5, 5, 5, 5)

	quote := oracle.Quote()
	assert.Equal(t, 4, quote.Samples)
	assert.Equal(t, uint64(5), quote.Base)
}

func TestRefresh(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	source := &stubSource{fees: []uint64{10, 20, 30}}
	oracle := NewOracle(0, 64, source, []solana.PublicKey{payer}, logging.Discard())

	require.NoError(t, oracle.Refresh(context.Background()))
	assert.Equal(t, []solana.PublicKey{payer}, source.seen)
	assert.Equal(t, 3, oracle.Quote().Samples)

	source.err = errors.New("node unavailable")
	require.Error(t, oracle.Refresh(context.Background()))
	assert.Equal(t, 3, oracle.Quote().Samples)
}

func TestEscalation_MonotoneAndBounded(t *testing.T) {
	quote := domain.PriorityQuote{Base: 1_000, Tier: domain.LoadMedium}
	ceiling := Ceiling(quote, 5)

	fee := InitialFee(quote, 5)
	assert.Equal(t, uint64(2_000), fee)

	previous := fee
	for attempt := 1; attempt < 6; attempt++ {
		fee = Escalate(fee, ceiling)
		assert.GreaterOrEqual(t, fee, previous)
		assert.LessOrEqual(t, fee, ceiling)
		previous = fee
	}
	assert.Equal(t, uint64(5_000), fee)

	high := domain.PriorityQuote{Base: 1_000, Tier: domain.LoadHigh}
	assert.Equal(t, uint64(3_000), InitialFee(high, 5))
	assert.Equal(t, uint64(2_000), InitialFee(high, 2))
}
