// Package leader keeps per-leader trade history and copy eligibility.
package leader

import (
	"maps"
	"sync"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go"
)

const volumeWindow = 24 * time.Hour

type Config struct {
	RingSize       int
	MinSample      int
	MinSuccessRate float64
	IdleTTL        time.Duration
}

// Registry is written by the decode loop (sightings) and the ledger append
// path (outcomes). Readers only ever receive copies.
type Registry struct {
	cfg     Config
	tracked map[solana.PublicKey]struct{}
	now     func() time.Time

	mu      sync.Mutex
	leaders map[solana.PublicKey]*entry
}

type entry struct {
	sightings ring[domain.Sighting]
	outcomes  ring[domain.Outcome]

	successful     int
	amountSum      float64
	pools          map[solana.PublicKey]int
	lastActiveSlot uint64
	lastSeen       time.Time
}

func New(cfg Config, tracked []solana.PublicKey) *Registry {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}
	set := make(map[solana.PublicKey]struct{}, len(tracked))
	for _, key := range tracked {
		set[key] = struct{}{}
	}
	return &Registry{
		cfg:     cfg,
		tracked: set,
		now:     time.Now,
		leaders: make(map[solana.PublicKey]*entry),
	}
}

func (r *Registry) entryLocked(leader solana.PublicKey) *entry {
	e, ok := r.leaders[leader]
	if !ok {
		e = &entry{
			sightings: newRing[domain.Sighting](r.cfg.RingSize),
			outcomes:  newRing[domain.Outcome](r.cfg.RingSize),
			pools:     make(map[solana.PublicKey]int),
		}
		r.leaders[leader] = e
	}
	return e
}

// Observe records a leader swap whether or not it gets copied.
func (r *Registry) Observe(intent domain.SwapIntent) {
	now := r.now()
	sighting := domain.Sighting{Pool: intent.Pool, AmountIn: intent.AmountIn, Slot: intent.ObservedSlot, At: now}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(intent.Leader)
	if evicted, ok := e.sightings.push(sighting); ok {
		e.amountSum -= float64(evicted.AmountIn)
		if e.pools[evicted.Pool]--; e.pools[evicted.Pool] <= 0 {
			delete(e.pools, evicted.Pool)
		}
	}
	e.amountSum += float64(sighting.AmountIn)
	e.pools[sighting.Pool]++
	e.lastActiveSlot = max(e.lastActiveSlot, sighting.Slot)
	e.lastSeen = now
}

// Record folds a terminal outcome of one of our copies into the leader's stats.
func (r *Registry) Record(outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(outcome.Leader)
	if evicted, ok := e.outcomes.push(outcome); ok && evicted.State == domain.OutcomeLanded {
		e.successful--
	}
	if outcome.State == domain.OutcomeLanded {
		e.successful++
	}
}

// Snapshot returns a copy of the leader's state. Unknown leaders yield a
// zero-sample state.
func (r *Registry) Snapshot(leader solana.PublicKey) domain.LeaderState {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, tracked := r.tracked[leader]
	e, ok := r.leaders[leader]
	if !ok {
		return domain.LeaderState{Leader: leader, Tracked: tracked, PoolHistogram: map[solana.PublicKey]int{}}
	}
	return r.stateLocked(leader, tracked, e, now)
}

// Snapshots returns a copy of every known leader's state.
func (r *Registry) Snapshots() []domain.LeaderState {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.LeaderState, 0, len(r.leaders))
	for leader, e := range r.leaders {
		_, tracked := r.tracked[leader]
		out = append(out, r.stateLocked(leader, tracked, e, now))
	}
	return out
}

func (r *Registry) stateLocked(leader solana.PublicKey, tracked bool, e *entry, now time.Time) domain.LeaderState {
	state := domain.LeaderState{
		Leader:         leader,
		Tracked:        tracked,
		Trades:         e.sightings.count(),
		Copies:         e.outcomes.count(),
		Successful:     e.successful,
		PoolHistogram:  maps.Clone(e.pools),
		LastActiveSlot: e.lastActiveSlot,
		LastSeen:       e.lastSeen,
		Recent:         e.outcomes.items(),
	}
	if state.Trades > 0 {
		state.MeanAmountIn = e.amountSum / float64(state.Trades)
	}
	if state.Copies > 0 {
		state.SuccessRate = float64(state.Successful) / float64(state.Copies)
	}
	cutoff := now.Add(-volumeWindow)
	e.sightings.each(func(s domain.Sighting) {
		if s.At.After(cutoff) {
			state.Volume24h += s.AmountIn
		}
	})
	state.Eligible = r.eligible(state)
	return state
}

// eligible applies the sample and success thresholds. A leader we have never
// copied is judged on sample size alone.
func (r *Registry) eligible(state domain.LeaderState) bool {
	if state.Trades < r.cfg.MinSample {
		return false
	}
	if state.Copies == 0 {
		return true
	}
	return state.SuccessRate >= r.cfg.MinSuccessRate
}

// Sweep drops untracked leaders silent for longer than the idle TTL and
// returns how many were removed. Tracked leaders keep their history; their
// volume already ages out through the 24h window.
func (r *Registry) Sweep() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for leader, e := range r.leaders {
		if _, tracked := r.tracked[leader]; tracked {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			delete(r.leaders, leader)
			removed++
		}
	}
	return removed
}
