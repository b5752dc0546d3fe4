package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:        AlertTypeSourceDegraded,
		ChainFamily: "solana",
		Title:       "source degraded",
		Message:     "serving cached balances",
		Fields:      map[string]string{"reason": "timeout", "addresses": "3"},
	}
}

func countingServer(t *testing.T, status int, counter *atomic.Int32, body *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		if body != nil {
			raw, _ := io.ReadAll(r.Body)
			body.Store(string(raw))
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMultiAlerter_FansOut(t *testing.T) {
	var slackHits, hookHits atomic.Int32
	slack := countingServer(t, http.StatusOK, &slackHits, nil)
	hook := countingServer(t, http.StatusOK, &hookHits, nil)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slack.URL), NewWebhookAlerter(hook.URL))
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), slackHits.Load())
	assert.Equal(t, int32(1), hookHits.Load())
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	multi.nowFn = func() time.Time { return now }

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), hits.Load())

	// A different family is not suppressed.
	other := testAlert()
	other.ChainFamily = "evm"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), hits.Load())

	now = now.Add(2 * time.Minute)
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), hits.Load())
}

func TestMultiAlerter_ReturnsFirstError(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := countingServer(t, http.StatusInternalServerError, &badHits, nil)
	good := countingServer(t, http.StatusOK, &goodHits, nil)

	multi := NewMultiAlerter(0, testLogger(), NewWebhookAlerter(bad.URL), NewWebhookAlerter(good.URL))
	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestWebhookAlerter_Payload(t *testing.T) {
	var hits atomic.Int32
	var body atomic.Value
	srv := countingServer(t, http.StatusOK, &hits, &body)

	require.NoError(t, NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert()))

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body.Load().(string)), &got))
	assert.Equal(t, "SOURCE_DEGRADED", got["type"])
	assert.Equal(t, "solana", got["chain_family"])
	assert.Equal(t, "source degraded", got["title"])
}

func TestSlackAlerter_FieldsSorted(t *testing.T) {
	var hits atomic.Int32
	var body atomic.Value
	srv := countingServer(t, http.StatusOK, &hits, &body)

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(body.Load().(string)), &got))
	text := got["text"]
	assert.True(t, strings.HasPrefix(text, ":warning: *[SOURCE_DEGRADED]* solana"))
	assert.Less(t, strings.Index(text, "addresses"), strings.Index(text, "reason"))
}

func TestLogAlerter(t *testing.T) {
	assert.NoError(t, NewLogAlerter(testLogger()).Send(context.Background(), testAlert()))
}
