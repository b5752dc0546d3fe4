package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/mocks"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []model.AddressKey
	err   error
}

func (f *fakeFetcher) FetchSlice(_ context.Context, family model.ChainFamily, address model.Address) (model.AddressSlice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model.AddressKey{Family: family, Address: address})
	if f.err != nil {
		return model.AddressSlice{}, f.err
	}
	return model.AddressSlice{ChainFamily: family, Address: address, UpdatedAt: time.Now()}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu      sync.Mutex
	applied map[model.AccountID]int
	err     error
}

func (s *fakeSink) ApplyIncrement(id model.AccountID, _ model.AddressSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied == nil {
		s.applied = make(map[model.AccountID]int)
	}
	s.applied[id]++
	return s.err
}

func (s *fakeSink) count(id model.AccountID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[id]
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func noDebounce() map[model.ChainFamily]time.Duration {
	out := make(map[model.ChainFamily]time.Duration)
	for _, f := range model.AllChainFamilies() {
		out[f] = 0
	}
	return out
}

func rawEvent(family model.ChainFamily, kind chain.EventKind, addr string) chain.RawSourceEvent {
	return chain.RawSourceEvent{SourceID: "test", Family: family, Kind: kind, Address: addr, ObservedAt: time.Now()}
}

func TestOrchestrator_TransferLogAndPollCollapseToOneMerge(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	id1, err := reg.TrackWalletAddress("conn1", model.ChainFamilyEVM, "0xABC", nil, "")
	require.NoError(t, err)
	id2, err := reg.TrackWalletAddress("conn2", model.ChainFamilyEVM, "0xabc", nil, "")
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	sink := &fakeSink{}
	o := New(reg, fetcher, sink, nil, Config{DebounceWindows: noDebounce()}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xABC"))
	time.Sleep(100 * time.Millisecond)
	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventBalancePoll, "0xabc"))

	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fetcher.count())
	assert.Equal(t, 1, sink.count(id1))
	assert.Equal(t, 1, sink.count(id2))
}

func TestOrchestrator_DedupWindowExpires(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWatchAddress(model.ChainFamilyEVM, "0xabc", nil, "")
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	o := New(reg, fetcher, &fakeSink{}, nil, Config{DebounceWindows: noDebounce(), DedupWindow: 50 * time.Millisecond}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xabc"))
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xabc"))
	require.Eventually(t, func() bool { return fetcher.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_DebounceCoalescesPerAddress(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWatchAddress(model.ChainFamilySolana, "So1", nil, "")
	require.NoError(t, err)
	_, err = reg.TrackWatchAddress(model.ChainFamilySolana, "So2", nil, "")
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	o := New(reg, fetcher, &fakeSink{}, nil, Config{
		DebounceWindows: map[model.ChainFamily]time.Duration{model.ChainFamilySolana: 100 * time.Millisecond},
	}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilySolana, chain.EventAccountNotification, "So1"))
	o.Ingest(rawEvent(model.ChainFamilySolana, chain.EventTxSignature, "So1"))
	o.Ingest(rawEvent(model.ChainFamilySolana, chain.EventAccountNotification, "So2"))
	assert.Equal(t, 0, fetcher.count(), "buffered until the window elapses")

	require.Eventually(t, func() bool { return fetcher.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, fetcher.count())
}

func TestOrchestrator_FamiliesAreIndependent(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWatchAddress(model.ChainFamilySolana, "So1", nil, "")
	require.NoError(t, err)
	_, err = reg.TrackWatchAddress(model.ChainFamilyBitcoin, "bc1q", nil, "")
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	o := New(reg, fetcher, &fakeSink{}, nil, Config{
		DebounceWindows: map[model.ChainFamily]time.Duration{model.ChainFamilySolana: time.Hour},
	}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilySolana, chain.EventAccountNotification, "So1"))
	o.Ingest(rawEvent(model.ChainFamilyBitcoin, chain.EventBalancePoll, "bc1q"))

	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)
	fetcher.mu.Lock()
	assert.Equal(t, model.ChainFamilyBitcoin, fetcher.calls[0].Family)
	fetcher.mu.Unlock()
}

func TestOrchestrator_DropsUnresolvableAndInvalid(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	fetcher := &fakeFetcher{}
	o := New(reg, fetcher, &fakeSink{}, nil, Config{DebounceWindows: noDebounce()}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xnobody"))
	o.Ingest(rawEvent("dogechain", chain.EventTransferLog, "D123"))
	o.Ingest(rawEvent(model.ChainFamilyEVM, "mystery", "0xabc"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fetcher.count())
}

func TestOrchestrator_MergeSkipsAccountsRemovedDuringFetch(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	id, err := reg.TrackWalletAddress("conn1", model.ChainFamilyEVM, "0xabc", nil, "")
	require.NoError(t, err)

	sink := &fakeSink{}
	fetcher := &removingFetcher{reg: reg, conn: "conn1"}
	o := New(reg, fetcher, sink, nil, Config{DebounceWindows: noDebounce()}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xabc"))
	require.Eventually(t, func() bool { return fetcher.called() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count(id))
}

type removingFetcher struct {
	reg  *identity.Registry
	conn model.ConnectionID
	mu   sync.Mutex
	done bool
}

func (f *removingFetcher) FetchSlice(_ context.Context, family model.ChainFamily, address model.Address) (model.AddressSlice, error) {
	f.reg.UnregisterConnection(f.conn)
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	return model.AddressSlice{ChainFamily: family, Address: address, UpdatedAt: time.Now()}, nil
}

func (f *removingFetcher) called() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func TestOrchestrator_StaleIncrementIsNotAnError(t *testing.T) {
	reg := identity.NewRegistry(testLogger())
	id, err := reg.TrackWatchAddress(model.ChainFamilyEVM, "0xabc", nil, "")
	require.NoError(t, err)

	sink := &fakeSink{err: model.ErrStaleIncrement}
	o := New(reg, &fakeFetcher{}, sink, nil, Config{DebounceWindows: noDebounce()}, testLogger())
	defer o.Close()

	o.Ingest(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xabc"))
	require.Eventually(t, func() bool { return sink.count(id) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SyncFallsBackToPolling(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWatchAddress(model.ChainFamilyBitcoin, "bc1q", nil, "")
	require.NoError(t, err)

	btc := mocks.NewMockAdapter(ctrl)
	btc.EXPECT().ChainFamily().Return(model.ChainFamilyBitcoin).AnyTimes()
	btc.EXPECT().SourceID().Return("btc").AnyTimes()
	btc.EXPECT().SubscribeToUpdates(gomock.Any(), gomock.Any()).Return(nil, chain.ErrSubscriptionUnsupported).Times(1)
	btc.EXPECT().GetBalances(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	o := New(reg, &fakeFetcher{}, &fakeSink{}, []chain.Adapter{btc}, Config{PollInterval: time.Hour}, testLogger())
	defer o.Close()

	o.Sync(context.Background())
	mode, ok := o.Mode(model.ChainFamilyBitcoin)
	require.True(t, ok)
	assert.Equal(t, modePoll, mode)

	// Unchanged address set keeps the subscription.
	o.Sync(context.Background())
}

func TestOrchestrator_PushStreamFeedsMergesAndFailsOverToPolling(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWatchAddress(model.ChainFamilyEVM, "0xabc", nil, "")
	require.NoError(t, err)

	var stream *chain.Stream
	evm := mocks.NewMockAdapter(ctrl)
	evm.EXPECT().ChainFamily().Return(model.ChainFamilyEVM).AnyTimes()
	evm.EXPECT().SourceID().Return("evm").AnyTimes()
	evm.EXPECT().SubscribeToUpdates(gomock.Any(), []model.AddressScope{{Address: "0xabc"}}).DoAndReturn(
		func(ctx context.Context, _ []model.AddressScope) (chain.Subscription, error) {
			stream, _ = chain.NewStream(ctx, 8)
			return stream, nil
		}).Times(1)
	evm.EXPECT().GetBalances(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	fetcher := &fakeFetcher{}
	o := New(reg, fetcher, &fakeSink{}, []chain.Adapter{evm}, Config{DebounceWindows: noDebounce(), PollInterval: time.Hour}, testLogger())
	defer o.Close()

	o.Sync(context.Background())
	mode, ok := o.Mode(model.ChainFamilyEVM)
	require.True(t, ok)
	assert.Equal(t, modePush, mode)

	require.True(t, stream.Emit(rawEvent(model.ChainFamilyEVM, chain.EventTransferLog, "0xabc")))
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)

	stream.Close(errors.New("websocket: close 1006"))
	require.Eventually(t, func() bool {
		m, ok := o.Mode(model.ChainFamilyEVM)
		return ok && m == modePoll
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SyncTearsDownEmptyFamily(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := identity.NewRegistry(testLogger())
	_, err := reg.TrackWalletAddress("conn1", model.ChainFamilyBitcoin, "bc1q", nil, "")
	require.NoError(t, err)

	btc := mocks.NewMockAdapter(ctrl)
	btc.EXPECT().ChainFamily().Return(model.ChainFamilyBitcoin).AnyTimes()
	btc.EXPECT().SourceID().Return("btc").AnyTimes()
	btc.EXPECT().SubscribeToUpdates(gomock.Any(), gomock.Any()).Return(nil, chain.ErrSubscriptionUnsupported)
	btc.EXPECT().GetBalances(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	o := New(reg, &fakeFetcher{}, &fakeSink{}, []chain.Adapter{btc}, Config{PollInterval: time.Hour}, testLogger())
	defer o.Close()

	o.Sync(context.Background())
	_, ok := o.Mode(model.ChainFamilyBitcoin)
	require.True(t, ok)

	reg.UnregisterConnection("conn1")
	o.Sync(context.Background())
	_, ok = o.Mode(model.ChainFamilyBitcoin)
	assert.False(t, ok)
}

func TestScopeFingerprint(t *testing.T) {
	a := scopeFingerprint([]model.AddressScope{{Address: "0xa", ChainScope: []model.ChainID{"1", "10"}}, {Address: "0xb"}})
	assert.Equal(t, "0xa[1,10];0xb[];", a)
	assert.NotEqual(t, a, scopeFingerprint([]model.AddressScope{{Address: "0xa", ChainScope: []model.ChainID{"1"}}, {Address: "0xb"}}))
}
