package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// NotificationKind distinguishes the two pubsub streams the watcher opens.
type NotificationKind string

const (
	NotifyAccount NotificationKind = "account"
	NotifyLogs    NotificationKind = "logs"
)

// AccountNotification is delivered for every change the node reports.
type AccountNotification struct {
	Kind      NotificationKind
	Address   string
	Slot      int64
	Signature string
}

// Watcher subscribes to account and log-mention notifications over the
// Solana pubsub websocket.
type Watcher struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWatcher(url string, logger *slog.Logger) *Watcher {
	return &Watcher{url: url, dialer: websocket.DefaultDialer, logger: logger}
}

type subscribeRequest struct {
	address string
	kind    NotificationKind
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context Context `json:"context"`
			Value   struct {
				Signature string `json:"signature"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Watch subscribes every address to accountSubscribe and logsSubscribe and
// calls onNotify for each notification. It blocks until ctx is done or the
// connection fails, and returns ctx.Err() on cancellation.
func (w *Watcher) Watch(ctx context.Context, addresses []string, onNotify func(AccountNotification)) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial solana ws: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-stop:
		}
	}()

	pending := make(map[int]subscribeRequest, 2*len(addresses))
	id := 0
	for _, addr := range addresses {
		for _, kind := range []NotificationKind{NotifyAccount, NotifyLogs} {
			id++
			req := Request{JSONRPC: "2.0", ID: id}
			switch kind {
			case NotifyAccount:
				req.Method = "accountSubscribe"
				req.Params = []any{addr, map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"}}
			case NotifyLogs:
				req.Method = "logsSubscribe"
				req.Params = []any{map[string][]string{"mentions": {addr}}, map[string]string{"commitment": "confirmed"}}
			}
			if err := conn.WriteJSON(req); err != nil {
				return w.exitErr(ctx, fmt.Errorf("write %s: %w", req.Method, err))
			}
			pending[id] = subscribeRequest{address: addr, kind: kind}
		}
	}

	subs := make(map[int64]subscribeRequest, len(pending))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return w.exitErr(ctx, fmt.Errorf("read: %w", err))
		}
		switch {
		case msg.ID != nil:
			req, ok := pending[*msg.ID]
			if !ok {
				continue
			}
			delete(pending, *msg.ID)
			if msg.Error != nil {
				return fmt.Errorf("subscribe %s %s: %w", req.kind, req.address, msg.Error)
			}
			var subID int64
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return fmt.Errorf("decode subscription id: %w", err)
			}
			subs[subID] = req
		case msg.Method == "accountNotification" || msg.Method == "logsNotification":
			req, ok := subs[msg.Params.Subscription]
			if !ok {
				w.logger.Debug("notification for unknown subscription", "subscription", msg.Params.Subscription)
				continue
			}
			onNotify(AccountNotification{
				Kind:      req.kind,
				Address:   req.address,
				Slot:      msg.Params.Result.Context.Slot,
				Signature: msg.Params.Result.Value.Signature,
			})
		}
	}
}

func (w *Watcher) exitErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
