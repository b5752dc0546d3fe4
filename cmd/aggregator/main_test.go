package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cygnus-wealth/portfolio-engine/internal/alert"
	"github.com/cygnus-wealth/portfolio-engine/internal/config"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestBuildAdapters_NoDialSources(t *testing.T) {
	src := config.SourcesFile{
		Solana: &config.SolanaSource{RPCURL: "http://127.0.0.1:1"},
		CEX:    []config.CEXSource{{Exchange: "binance", File: "/nonexistent.yaml"}},
		Prices: map[string]string{"SOL": "150"},
	}

	adapters, closeAll, err := buildAdapters(context.Background(), src, testLogger())
	require.NoError(t, err)
	defer closeAll()

	var families []model.ChainFamily
	for _, a := range adapters {
		families = append(families, a.ChainFamily())
	}
	assert.Equal(t, []model.ChainFamily{model.ChainFamilySolana, model.ChainFamilyCEX}, families)
}

func TestBuildAdapters_Empty(t *testing.T) {
	adapters, closeAll, err := buildAdapters(context.Background(), config.SourcesFile{}, testLogger())
	require.NoError(t, err)
	closeAll()
	assert.Empty(t, adapters)
}

func TestBuildAdapters_BadPrice(t *testing.T) {
	_, _, err := buildAdapters(context.Background(), config.SourcesFile{Prices: map[string]string{"ETH": "x"}}, testLogger())
	assert.Error(t, err)
}

func TestBuildAlerter(t *testing.T) {
	a := buildAlerter(config.AlertConfig{SlackWebhookURL: "http://127.0.0.1:1/slack"}, testLogger())
	_, ok := a.(*alert.MultiAlerter)
	assert.True(t, ok)
}

func TestRegisterAccounts(t *testing.T) {
	registry := identity.NewRegistry(testLogger())
	entries := []config.AccountEntry{
		{Connection: "metamask", ChainFamily: "evm", Address: "0xABC"},
		{Connection: "rabby", ChainFamily: "evm", Address: "0xabc"},
		{ChainFamily: "evm", Address: "0xabc", Label: "watched"},
	}
	require.NoError(t, registerAccounts(registry, entries))

	assert.Equal(t, 3, registry.Len())
	assert.Len(t, registry.ResolveAccountIDs(model.ChainFamilyEVM, "0xABC"), 3)
	assert.Len(t, registry.UniqueAddressesByChainFamily(model.ChainFamilyEVM), 1)

	err := registerAccounts(registry, []config.AccountEntry{{ChainFamily: "nope", Address: "x"}})
	assert.Error(t, err)
}
