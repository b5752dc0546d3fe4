package poller

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/mocks"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func balance(addr model.Address, amount int64) model.SourceResult {
	return model.SourceResult{
		ChainFamily: model.ChainFamilyBitcoin,
		Address:     addr,
		Assets: []model.Asset{{
			ChainID: "mainnet",
			AssetID: model.NativeAssetID,
			Symbol:  "BTC",
			Amount:  decimal.NewFromInt(amount),
		}},
	}
}

func newMockAdapter(ctrl *gomock.Controller) *mocks.MockAdapter {
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().ChainFamily().Return(model.ChainFamilyBitcoin).AnyTimes()
	m.EXPECT().SourceID().Return("btc-poll").AnyTimes()
	return m
}

func TestPoller_EmitsOnlyOnChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := newMockAdapter(ctrl)
	reqs := []model.AddressScope{{Address: "bc1a"}, {Address: "bc1b"}}

	gomock.InOrder(
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return([]model.SourceResult{balance("bc1a", 1), balance("bc1b", 5)}, nil),
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return([]model.SourceResult{balance("bc1a", 1), balance("bc1b", 5)}, nil),
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return([]model.SourceResult{balance("bc1a", 2), balance("bc1b", 5)}, nil).MinTimes(1),
	)

	p := New(adapter, Config{Interval: 10 * time.Millisecond}, slog.New(slog.DiscardHandler))
	sub, err := p.Subscribe(context.Background(), reqs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, chain.EventBalancePoll, ev.Kind)
		assert.Equal(t, "bc1a", ev.Address)
		assert.Equal(t, model.ChainFamilyBitcoin, ev.Family)
		assert.Equal(t, "btc-poll", ev.SourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected balance_poll event")
	}

	// Unchanged holdings after the change emit nothing further.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoller_ErrorKeepsBaseline(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := newMockAdapter(ctrl)
	reqs := []model.AddressScope{{Address: "bc1a"}}

	gomock.InOrder(
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return([]model.SourceResult{balance("bc1a", 1)}, nil),
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return(nil, errors.New("connection refused")),
		adapter.EXPECT().GetBalances(gomock.Any(), reqs).Return([]model.SourceResult{balance("bc1a", 3)}, nil).MinTimes(1),
	)

	p := New(adapter, Config{Interval: 10 * time.Millisecond}, slog.New(slog.DiscardHandler))
	sub, err := p.Subscribe(context.Background(), reqs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "bc1a", ev.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("expected balance_poll event")
	}
}

func TestPoller_StopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := newMockAdapter(ctrl)
	adapter.EXPECT().GetBalances(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	p := New(adapter, Config{Interval: 5 * time.Millisecond}, slog.New(slog.DiscardHandler))
	sub, err := p.Subscribe(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
		assert.NoError(t, sub.Err())
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}

func TestFingerprint_IgnoresValueAndOrder(t *testing.T) {
	a := balance("bc1a", 1)
	b := balance("bc1a", 1)
	b.Assets[0].Value = decimal.NewFromInt(60000)
	assert.Equal(t, Fingerprint([]model.SourceResult{a}), Fingerprint([]model.SourceResult{b}))

	c := balance("bc1a", 2)
	assert.NotEqual(t, Fingerprint([]model.SourceResult{a}), Fingerprint([]model.SourceResult{c}))
}
