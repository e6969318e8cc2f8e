package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

const (
	defaultOutcomeLimit = 100
	maxOutcomeLimit     = 1000
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	OK           bool    `json:"ok"`
	Halted       bool    `json:"halted"`
	FailureRatio float64 `json:"failure_ratio"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Limit int `json:"limit,omitempty"`
}

type commandResponse struct {
	Accepted bool   `json:"accepted"`
	Command  string `json:"command"`
}

type outcomeRecord struct {
	Seq             uint64  `json:"seq"`
	Leader          string  `json:"leader"`
	Pool            string  `json:"pool"`
	SourceSignature string  `json:"source_signature"`
	Signature       string  `json:"signature,omitempty"`
	State           string  `json:"state"`
	Kind            string  `json:"kind,omitempty"`
	Attempts        int     `json:"attempts"`
	PriorityFee     uint64  `json:"priority_fee"`
	AmountIn        uint64  `json:"amount_in"`
	MinOut          uint64  `json:"min_out"`
	ExpectedOut     uint64  `json:"expected_out"`
	LandedSlot      uint64  `json:"landed_slot,omitempty"`
	LatencyMS       int64   `json:"latency_ms"`
	Detail          string  `json:"detail,omitempty"`
	Manual          bool    `json:"manual"`
	CompletedAt     int64   `json:"completed_at"`
	ExpectedPrice   float64 `json:"expected_price,omitempty"`
}

type leaderRecord struct {
	Leader         string         `json:"leader"`
	Tracked        bool           `json:"tracked"`
	Eligible       bool           `json:"eligible"`
	Trades         int            `json:"trades"`
	Copies         int            `json:"copies"`
	Successful     int            `json:"successful"`
	SuccessRate    float64        `json:"success_rate"`
	MeanAmountIn   float64        `json:"mean_amount_in"`
	Volume24h      uint64         `json:"volume_24h"`
	LastActiveSlot uint64         `json:"last_active_slot"`
	LastSeen       int64          `json:"last_seen,omitempty"`
	Pools          map[string]int `json:"pools"`
}

type fixedAmountRequest struct {
	Amount *uint64 `json:"amount"`
}

type haltRequest struct {
	Reason string `json:"reason"`
}

type manualSwapRequest struct {
	Leader string `json:"leader"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	ratio := 0.0
	if s.deps.Ledger != nil {
		ratio = s.deps.Ledger.FailureRatio(s.cfg.ReadinessWindow)
	}
	resp := healthResponse{Halted: s.deps.Halted(), FailureRatio: ratio}
	resp.OK = !resp.Halted && (s.cfg.MaxFailureRatio <= 0 || ratio <= s.cfg.MaxFailureRatio)

	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, resp)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.deps.Ledger == nil {
		s.respondError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	query, err := parseOutcomeQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes := s.deps.Ledger.Select(query)
	items := make([]outcomeRecord, 0, len(outcomes))
	// Newest first.
	for i := len(outcomes) - 1; i >= 0; i-- {
		items = append(items, newOutcomeRecord(outcomes[i]))
	}
	s.respondJSON(w, http.StatusOK, listResponse[outcomeRecord]{Items: items, Limit: query.Limit})
}

func parseOutcomeQuery(r *http.Request) (ledger.Query, error) {
	var query ledger.Query
	values := r.URL.Query()

	if raw := strings.TrimSpace(values.Get("leader")); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return query, fmt.Errorf("invalid leader: %w", err)
		}
		query.Leader = key
	}
	if raw := strings.TrimSpace(values.Get("state")); raw != "" {
		state := domain.OutcomeState(strings.ToLower(raw))
		switch state {
		case domain.OutcomeLanded, domain.OutcomeDropped, domain.OutcomeExpired, domain.OutcomeRejected, domain.OutcomeError:
		default:
			return query, fmt.Errorf("invalid state %q", raw)
		}
		query.State = state
	}
	since, err := parseOptionalInt64(r, "since", 0)
	if err != nil {
		return query, err
	}
	if since > 0 {
		query.Since = time.Unix(since, 0)
	}
	limit, err := parseOptionalInt(r, "limit", defaultOutcomeLimit)
	if err != nil {
		return query, err
	}
	if limit <= 0 {
		return query, fmt.Errorf("invalid limit: must be > 0")
	}
	query.Limit = min(limit, maxOutcomeLimit)
	return query, nil
}

func newOutcomeRecord(o domain.Outcome) outcomeRecord {
	record := outcomeRecord{
		Seq:             o.Seq,
		Leader:          o.Leader.String(),
		Pool:            o.Pool.String(),
		SourceSignature: o.SourceSignature.String(),
		State:           string(o.State),
		Kind:            string(o.Kind),
		Attempts:        o.Attempts,
		PriorityFee:     o.PriorityFee,
		AmountIn:        o.AmountIn,
		MinOut:          o.MinOut,
		ExpectedOut:     o.ExpectedOut,
		LandedSlot:      o.LandedSlot,
		LatencyMS:       o.Latency.Milliseconds(),
		Detail:          o.Detail,
		Manual:          o.Manual,
		CompletedAt:     o.CompletedAt.Unix(),
	}
	if !o.Signature.IsZero() {
		record.Signature = o.Signature.String()
	}
	if o.AmountIn > 0 {
		record.ExpectedPrice = float64(o.ExpectedOut) / float64(o.AmountIn)
	}
	return record
}

func (s *Server) handleLeaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.deps.Registry == nil {
		s.respondError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("leader")); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid leader: %v", err))
			return
		}
		s.respondJSON(w, http.StatusOK, newLeaderRecord(s.deps.Registry.Snapshot(key)))
		return
	}

	states := s.deps.Registry.Snapshots()
	slices.SortFunc(states, func(a, b domain.LeaderState) int {
		return strings.Compare(a.Leader.String(), b.Leader.String())
	})
	items := make([]leaderRecord, 0, len(states))
	for _, state := range states {
		items = append(items, newLeaderRecord(state))
	}
	s.respondJSON(w, http.StatusOK, listResponse[leaderRecord]{Items: items})
}

func newLeaderRecord(state domain.LeaderState) leaderRecord {
	pools := make(map[string]int, len(state.PoolHistogram))
	for pool, count := range state.PoolHistogram {
		pools[pool.String()] = count
	}
	record := leaderRecord{
		Leader:         state.Leader.String(),
		Tracked:        state.Tracked,
		Eligible:       state.Eligible,
		Trades:         state.Trades,
		Copies:         state.Copies,
		Successful:     state.Successful,
		SuccessRate:    state.SuccessRate,
		MeanAmountIn:   state.MeanAmountIn,
		Volume24h:      state.Volume24h,
		LastActiveSlot: state.LastActiveSlot,
		Pools:          pools,
	}
	if !state.LastSeen.IsZero() {
		record.LastSeen = state.LastSeen.Unix()
	}
	return record
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request haltRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &request); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = "operator"
	}
	s.sendCommand(w, r, domain.Command{Kind: domain.CommandHalt, Reason: reason})
}

func (s *Server) handleFixedAmount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request fixedAmountRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.Amount == nil {
		s.respondError(w, http.StatusBadRequest, "amount is required")
		return
	}
	s.sendCommand(w, r, domain.Command{Kind: domain.CommandSetFixedAmount, FixedAmount: *request.Amount})
}

func (s *Server) handleManualSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request manualSwapRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Leader))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid leader: %v", err))
		return
	}
	s.sendCommand(w, r, domain.Command{Kind: domain.CommandExecuteManual, Leader: key})
}

// sendCommand waits briefly for room on the command channel; a backed-up
// supervisor answers 503 instead of stalling the client.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request, cmd domain.Command) {
	if s.deps.Commands == nil {
		s.respondError(w, http.StatusServiceUnavailable, "commands unavailable")
		return
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s.deps.Commands <- cmd:
		s.logger.Info("command queued", "command", cmd.Kind, "remote", r.RemoteAddr)
		s.respondJSON(w, http.StatusAccepted, commandResponse{Accepted: true, Command: string(cmd.Kind)})
	case <-timer.C:
		s.respondError(w, http.StatusServiceUnavailable, "command queue full")
	case <-r.Context().Done():
		s.respondError(w, http.StatusServiceUnavailable, "request cancelled")
	}
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func (s *Server) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
