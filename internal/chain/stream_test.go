package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_EmitAndClose(t *testing.T) {
	s, _ := NewStream(context.Background(), 2)

	require.True(t, s.Emit(RawSourceEvent{Kind: EventNewHead}))
	ev := <-s.Events()
	assert.Equal(t, EventNewHead, ev.Kind)

	boom := errors.New("ws closed")
	s.Close(boom)
	s.Close(errors.New("ignored"))

	<-s.Done()
	assert.Equal(t, boom, s.Err())
	assert.False(t, s.Emit(RawSourceEvent{Kind: EventNewHead}))
}

func TestStream_ParentCancelEndsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, sctx := NewStream(ctx, 1)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close on parent cancel")
	}
	assert.Error(t, sctx.Err())
	assert.NoError(t, s.Err())
}

func TestStream_UnsubscribeUnblocksEmit(t *testing.T) {
	s, _ := NewStream(context.Background(), 1)
	require.True(t, s.Emit(RawSourceEvent{}))

	done := make(chan bool)
	go func() { done <- s.Emit(RawSourceEvent{}) }()

	s.Unsubscribe()
	assert.False(t, <-done)
}

func TestPartialFailure(t *testing.T) {
	boom := errors.New("rpc 503")
	pf := &PartialFailure{Family: model.ChainFamilyEVM, Failed: map[model.Address]error{"0xb": boom, "0xa": boom}}

	assert.Equal(t, "evm: 2 address(es) failed: 0xa,0xb", pf.Error())
	assert.ErrorIs(t, pf, boom)
	assert.True(t, pf.AddressFailed("0xa"))
	assert.False(t, pf.AddressFailed("0xc"))

	var target *PartialFailure
	assert.True(t, errors.As(error(pf), &target))
}

func TestScopeChains(t *testing.T) {
	configured := []model.ChainID{"1", "8453", "10"}

	assert.Equal(t, configured, ScopeChains(model.AddressScope{Address: "0xa"}, configured))
	assert.Equal(t, []model.ChainID{"8453"}, ScopeChains(model.AddressScope{Address: "0xa", ChainScope: []model.ChainID{"8453", "137"}}, configured))
	assert.Empty(t, ScopeChains(model.AddressScope{Address: "0xa", ChainScope: []model.ChainID{"137"}}, configured))
}

func TestStaticValuer(t *testing.T) {
	v := NewStaticValuer(map[string]decimal.Decimal{"eth": decimal.NewFromInt(3000)})

	val, ok := v.Value("ETH", decimal.RequireFromString("0.5"))
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(1500).Equal(val))

	_, ok = v.Value("DOGE", decimal.NewFromInt(1))
	assert.False(t, ok)

	results := []model.SourceResult{{Assets: []model.Asset{{Symbol: "eth", Amount: decimal.NewFromInt(2)}}}}
	ApplyValues(v, results)
	assert.True(t, decimal.NewFromInt(6000).Equal(results[0].Assets[0].Value))
}
