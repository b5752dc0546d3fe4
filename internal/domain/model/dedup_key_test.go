package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKey_StringAndParse(t *testing.T) {
	k, err := NewDedupKey(ObjectBalance, ChainFamilyEVM, "0xABC", "1/native")
	require.NoError(t, err)
	assert.Equal(t, "balance:evm:0xabc:1/native", k.String())

	parsed, err := ParseDedupKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestDedupKey_DiscriminatorMayContainColons(t *testing.T) {
	k, err := NewDedupKey(ObjectPosition, ChainFamilyCEX, "binance/main", "earn:flex:USDT")
	require.NoError(t, err)

	parsed, err := ParseDedupKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, "earn:flex:USDT", parsed.Discriminator())
}

func TestDedupKey_Validation(t *testing.T) {
	_, err := NewDedupKey("widget", ChainFamilyEVM, "0xabc", "x")
	assert.Error(t, err)
	_, err = NewDedupKey(ObjectBalance, "nope", "0xabc", "x")
	assert.Error(t, err)
	_, err = NewDedupKey(ObjectBalance, ChainFamilyEVM, "", "x")
	assert.Error(t, err)
	_, err = NewDedupKey(ObjectBalance, ChainFamilyEVM, "0xabc", " ")
	assert.Error(t, err)
	_, err = ParseDedupKey("balance:evm:0xabc")
	assert.Error(t, err)
}

func TestAsset_DedupKey(t *testing.T) {
	a := Asset{ChainID: "1", AssetID: "0xA0b8", Symbol: "USDC"}
	k, err := a.DedupKey(ChainFamilyEVM, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "balance:evm:0xabc:1/0xa0b8", k.String())

	noID := Asset{Symbol: "usdt"}
	k, err = noID.DedupKey(ChainFamilyCEX, "binance/main")
	require.NoError(t, err)
	assert.Equal(t, "balance:cex:binance/main:/USDT", k.String())
}
