package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coldbell/swapmirror/internal/config"
	"github.com/coldbell/swapmirror/internal/domain"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer            = 1024
	websocketReadLimitBytes = 8 << 20
	websocketWriteTimeout   = 5 * time.Second
)

type EventKind int

const (
	EventTx EventKind = iota + 1
	EventAccount
	// EventReconnected precedes the first event of a resubscribed stream.
	EventReconnected
)

type Event struct {
	Kind    EventKind
	Tx      *TxEvent
	Account *Account
}

type TxEvent struct {
	Signature   solana.Signature
	Slot        uint64
	Transaction *solana.Transaction
	// Failed is set when the node already reports an execution error.
	Failed bool
}

type TxFilter struct {
	Leaders   []solana.PublicKey
	ProgramID solana.PublicKey
	Mode      config.SubscriptionMode
}

type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

type AccountFilter struct {
	ProgramID solana.PublicKey
	DataSize  uint64
	Memcmp    []Memcmp
}

func (f AccountFilter) rpcFilters() []rpc.RPCFilter {
	var filters []rpc.RPCFilter
	if f.DataSize > 0 {
		filters = append(filters, rpc.RPCFilter{DataSize: f.DataSize})
	}
	for _, m := range f.Memcmp {
		filters = append(filters, rpc.RPCFilter{Memcmp: &rpc.RPCFilterMemcmp{
			Offset: m.Offset,
			Bytes:  solana.Base58(m.Bytes),
		}})
	}
	return filters
}

// SubscribeTransactions streams transactions signed by any of the leaders.
// The channel closes when ctx ends or the gateway is closed.
func (g *Gateway) SubscribeTransactions(ctx context.Context, filter TxFilter) (<-chan Event, error) {
	if len(filter.Leaders) == 0 {
		return nil, &Error{Kind: domain.KindClientBad, Op: "subscribeTransactions", Err: errors.New("no leaders to follow")}
	}
	var session sessionFunc
	switch filter.Mode {
	case config.SubscriptionPending, "":
		session = func(ctx context.Context, endpoint string, subscribed func(), emit emitFunc) error {
			return g.pendingSession(ctx, endpoint, filter, subscribed, emit)
		}
	case config.SubscriptionConfirmed:
		session = func(ctx context.Context, endpoint string, subscribed func(), emit emitFunc) error {
			return g.confirmedSession(ctx, endpoint, filter, subscribed, emit)
		}
	default:
		return nil, &Error{Kind: domain.KindClientBad, Op: "subscribeTransactions", Err: fmt.Errorf("unknown subscription mode %q", filter.Mode)}
	}
	return g.startStream(ctx, "transactions", session)
}

// SubscribeAccounts streams program accounts matching every filter.
func (g *Gateway) SubscribeAccounts(ctx context.Context, filter AccountFilter) (<-chan Event, error) {
	if filter.ProgramID.IsZero() {
		return nil, &Error{Kind: domain.KindClientBad, Op: "subscribeAccounts", Err: errors.New("program id required")}
	}
	return g.startStream(ctx, "accounts", func(ctx context.Context, endpoint string, subscribed func(), emit emitFunc) error {
		return g.accountSession(ctx, endpoint, filter, subscribed, emit)
	})
}

type emitFunc func(Event) bool

// sessionFunc runs one connection until it fails. It calls subscribed once
// the node has acknowledged every subscription.
type sessionFunc func(ctx context.Context, endpoint string, subscribed func(), emit emitFunc) error

func (g *Gateway) startStream(ctx context.Context, name string, session sessionFunc) (<-chan Event, error) {
	if g.closed.Load() {
		return nil, &Error{Kind: domain.KindClientBad, Op: name, Err: ErrClosed}
	}
	if len(g.cfg.WSEndpoints) == 0 {
		return nil, &Error{Kind: domain.KindClientBad, Op: name, Err: errors.New("no websocket endpoints configured")}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, streamBuffer)
	g.streams.Add(1)
	go func() {
		defer g.streams.Done()
		defer cancel()
		stopOnClose := g.cancelOnClose(streamCtx, cancel)
		defer stopOnClose()
		g.runStream(streamCtx, name, session, out)
	}()
	return out, nil
}

func (g *Gateway) cancelOnClose(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-g.stop:
			cancel()
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}

// runStream reconnects with exponential backoff, rotating websocket
// endpoints, and emits one EventReconnected per successful resubscribe.
func (g *Gateway) runStream(ctx context.Context, name string, session sessionFunc, out chan<- Event) {
	defer close(out)

	emit := func(event Event) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var backoff time.Duration
	endpointIdx := 0
	reconnecting := false
	for {
		if ctx.Err() != nil {
			return
		}

		endpoint := g.cfg.WSEndpoints[endpointIdx%len(g.cfg.WSEndpoints)]
		subscribed := func() {
			backoff = 0
			if !reconnecting {
				return
			}
			reconnecting = false
			g.metrics.StreamReconnected(name)
			g.logger.Info("subscription restored", "stream", name, "endpoint", redactEndpoint(endpoint))
			emit(Event{Kind: EventReconnected})
		}

		err := session(ctx, endpoint, subscribed, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn(
				"subscription interrupted",
				"stream", name,
				"endpoint", redactEndpoint(endpoint),
				"err", err,
			)
		}

		reconnecting = true
		endpointIdx++
		backoff = nextBackoff(backoff, g.cfg.ReconnectBaseDelay, g.cfg.ReconnectMaxDelay)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if current < floor {
		return floor
	}
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

type transactionSubscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type transactionSubscribeFilter struct {
	Vote            bool     `json:"vote"`
	Failed          bool     `json:"failed"`
	AccountInclude  []string `json:"accountInclude"`
	AccountRequired []string `json:"accountRequired,omitempty"`
}

type transactionSubscribeOptions struct {
	Commitment                     rpc.CommitmentType  `json:"commitment"`
	Encoding                       solana.EncodingType `json:"encoding"`
	TransactionDetails             string              `json:"transactionDetails"`
	MaxSupportedTransactionVersion uint64              `json:"maxSupportedTransactionVersion"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notificationParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type websocketMessage struct {
	ID     *uint64            `json:"id"`
	Result json.RawMessage    `json:"result"`
	Error  *rpcErrorBody      `json:"error"`
	Method string             `json:"method"`
	Params notificationParams `json:"params"`
}

type notificationMeta struct {
	Err any `json:"err"`
}

type notificationTransaction struct {
	Transaction []string          `json:"transaction"`
	Meta        *notificationMeta `json:"meta"`
}

type transactionNotification struct {
	Signature   string                  `json:"signature"`
	Slot        uint64                  `json:"slot"`
	Transaction notificationTransaction `json:"transaction"`
}

const transactionSubscribeID = 1

// pendingSession uses the transactionSubscribe push stream at processed
// commitment, so swaps are seen before they land.
func (g *Gateway) pendingSession(ctx context.Context, endpoint string, filter TxFilter, subscribed func(), emit emitFunc) error {
	conn, _, err := dialWebsocket(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()
	stopClose := closeConnOnContextDone(ctx, conn)
	defer stopClose()

	include := make([]string, 0, len(filter.Leaders))
	for _, leader := range filter.Leaders {
		include = append(include, leader.String())
	}
	subscribeFilter := transactionSubscribeFilter{AccountInclude: include}
	if !filter.ProgramID.IsZero() {
		subscribeFilter.AccountRequired = []string{filter.ProgramID.String()}
	}
	request := transactionSubscribeRequest{
		JSONRPC: "2.0",
		ID:      transactionSubscribeID,
		Method:  "transactionSubscribe",
		Params: []any{
			subscribeFilter,
			transactionSubscribeOptions{
				Commitment:         rpc.CommitmentProcessed,
				Encoding:           solana.EncodingBase64,
				TransactionDetails: "full",
			},
		},
	}
	if err := writeWebsocketJSON(conn, request); err != nil {
		return fmt.Errorf("send transactionSubscribe: %w", err)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var message websocketMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}
		if message.ID != nil && *message.ID == transactionSubscribeID {
			if message.Error != nil {
				return fmt.Errorf("transactionSubscribe rejected: %d %s", message.Error.Code, message.Error.Message)
			}
			subscribed()
			continue
		}
		if message.Method != "transactionNotification" {
			continue
		}

		event, err := decodeTransactionNotification(message.Params.Result)
		if err != nil {
			g.logger.Debug("skipping undecodable transaction notification", "err", err)
			continue
		}
		if !emit(Event{Kind: EventTx, Tx: &event}) {
			return ctx.Err()
		}
	}
}

func decodeTransactionNotification(raw json.RawMessage) (TxEvent, error) {
	var notification transactionNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return TxEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if len(notification.Transaction.Transaction) == 0 {
		return TxEvent{}, errors.New("notification carries no transaction")
	}
	if len(notification.Transaction.Transaction) > 1 && notification.Transaction.Transaction[1] != string(solana.EncodingBase64) {
		return TxEvent{}, fmt.Errorf("unsupported transaction encoding %q", notification.Transaction.Transaction[1])
	}
	body, err := base64.StdEncoding.DecodeString(notification.Transaction.Transaction[0])
	if err != nil {
		return TxEvent{}, fmt.Errorf("decode transaction payload: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(body))
	if err != nil {
		return TxEvent{}, fmt.Errorf("decode transaction: %w", err)
	}

	event := TxEvent{
		Slot:        notification.Slot,
		Transaction: tx,
		Failed:      notification.Transaction.Meta != nil && notification.Transaction.Meta.Err != nil,
	}
	if notification.Signature != "" {
		if event.Signature, err = solana.SignatureFromBase58(notification.Signature); err != nil {
			return TxEvent{}, fmt.Errorf("decode signature: %w", err)
		}
	} else if len(tx.Signatures) > 0 {
		event.Signature = tx.Signatures[0]
	}
	return event, nil
}

// confirmedSession subscribes to logs mentioning each leader and fetches
// every reported transaction at confirmed commitment.
func (g *Gateway) confirmedSession(ctx context.Context, endpoint string, filter TxFilter, subscribed func(), emit emitFunc) error {
	client, err := ws.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	subs := make([]*ws.LogSubscription, 0, len(filter.Leaders))
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, leader := range filter.Leaders {
		sub, err := client.LogsSubscribeMentions(leader, rpc.CommitmentConfirmed)
		if err != nil {
			return fmt.Errorf("logsSubscribe %s: %w", leader, err)
		}
		subs = append(subs, sub)
	}
	subscribed()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *ws.LogSubscription) {
			defer wg.Done()
			err := g.consumeLogs(sessionCtx, sub, emit)
			errOnce.Do(func() {
				firstErr = err
				cancel()
			})
		}(sub)
	}
	wg.Wait()
	return firstErr
}

func (g *Gateway) consumeLogs(ctx context.Context, sub *ws.LogSubscription, emit emitFunc) error {
	for {
		result, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Value.Err != nil {
			continue
		}

		event, err := g.GetTransaction(ctx, result.Value.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Debug("fetch mentioned transaction failed", "signature", result.Value.Signature, "err", err)
			continue
		}
		if !emit(Event{Kind: EventTx, Tx: &event}) {
			return ctx.Err()
		}
	}
}

func (g *Gateway) accountSession(ctx context.Context, endpoint string, filter AccountFilter, subscribed func(), emit emitFunc) error {
	client, err := ws.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.ProgramSubscribeWithOpts(filter.ProgramID, g.cfg.Commitment, solana.EncodingBase64, filter.rpcFilters())
	if err != nil {
		return fmt.Errorf("programSubscribe %s: %w", filter.ProgramID, err)
	}
	defer sub.Unsubscribe()
	subscribed()

	for {
		result, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Value.Account == nil {
			continue
		}
		account := Account{
			Pubkey:   result.Value.Pubkey,
			Owner:    result.Value.Account.Owner,
			Lamports: result.Value.Account.Lamports,
			Slot:     result.Context.Slot,
		}
		if result.Value.Account.Data != nil {
			account.Data = result.Value.Account.Data.GetBinary()
		}
		if !emit(Event{Kind: EventAccount, Account: &account}) {
			return ctx.Err()
		}
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
