package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pubsubServer acknowledges every subscribe request with id*10 and then
// sends one account and one logs notification for the first address.
func pubsubServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var methods []string
		for i := 0; i < 2; i++ {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			methods = append(methods, req.Method)
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.ID * 10})
		}
		assert.Equal(t, []string{"accountSubscribe", "logsSubscribe"}, methods)

		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "accountNotification",
			"params": map[string]any{
				"subscription": 10,
				"result":       map[string]any{"context": map[string]any{"slot": 77}, "value": map[string]any{}},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "logsNotification",
			"params": map[string]any{
				"subscription": 20,
				"result":       map[string]any{"context": map[string]any{"slot": 78}, "value": map[string]any{"signature": "5igSig"}},
			},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWatcher_DeliversNotifications(t *testing.T) {
	server := pubsubServer(t)
	defer server.Close()

	w := NewWatcher("ws"+strings.TrimPrefix(server.URL, "http"), slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan AccountNotification, 4)
	errc := make(chan error, 1)
	go func() { errc <- w.Watch(ctx, []string{"So1anaOwner"}, func(n AccountNotification) { got <- n }) }()

	var notes []AccountNotification
	for len(notes) < 2 {
		select {
		case n := <-got:
			notes = append(notes, n)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	assert.Equal(t, AccountNotification{Kind: NotifyAccount, Address: "So1anaOwner", Slot: 77}, notes[0])
	assert.Equal(t, AccountNotification{Kind: NotifyLogs, Address: "So1anaOwner", Slot: 78, Signature: "5igSig"}, notes[1])

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatcher_DialFailure(t *testing.T) {
	w := NewWatcher("ws://127.0.0.1:1", slog.New(slog.DiscardHandler))
	err := w.Watch(context.Background(), []string{"x"}, func(AccountNotification) {})
	assert.ErrorContains(t, err, "dial solana ws")
}
