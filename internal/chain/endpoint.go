package chain

import (
	"net/url"
	"sync/atomic"

	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

type endpoint struct {
	name    string
	client  *rpc.Client
	limiter *rate.Limiter
	errors  atomic.Int64
}

// endpointSet is the ordered RPC endpoint list with a shared current index.
type endpointSet struct {
	endpoints []*endpoint
	current   atomic.Int64
}

func newEndpointSet(urls []string, perSecond float64) *endpointSet {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}

	set := &endpointSet{endpoints: make([]*endpoint, 0, len(urls))}
	for _, raw := range urls {
		set.endpoints = append(set.endpoints, &endpoint{
			name:    redactEndpoint(raw),
			client:  rpc.New(raw),
			limiter: rate.NewLimiter(limit, burst),
		})
	}
	return set
}

func (s *endpointSet) pick() (int, *endpoint) {
	idx := int(s.current.Load())
	return idx, s.endpoints[idx]
}

// fail counts an error against idx and advances the current index. Only the
// first caller that saw idx as current moves it, so concurrent failures on
// one endpoint rotate once.
func (s *endpointSet) fail(idx int) (next int, rotated bool) {
	s.endpoints[idx].errors.Add(1)
	if len(s.endpoints) < 2 {
		return idx, false
	}
	next = (idx + 1) % len(s.endpoints)
	if s.current.CompareAndSwap(int64(idx), int64(next)) {
		return next, true
	}
	return int(s.current.Load()), false
}

// succeed decays the endpoint's error count by one.
func (s *endpointSet) succeed(idx int) {
	counter := &s.endpoints[idx].errors
	for {
		n := counter.Load()
		if n == 0 || counter.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (s *endpointSet) close() {
	for _, ep := range s.endpoints {
		_ = ep.client.Close()
	}
}

// redactEndpoint keeps scheme and host so credentials in paths or query
// strings never reach logs.
func redactEndpoint(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "endpoint"
	}
	return parsed.Scheme + "://" + parsed.Host
}
