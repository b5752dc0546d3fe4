package model

import (
	"fmt"
	"strings"
)

// ChainFamily classifies which integration adapter owns an address.
type ChainFamily string

const (
	ChainFamilyEVM     ChainFamily = "evm"
	ChainFamilySolana  ChainFamily = "solana"
	ChainFamilySui     ChainFamily = "sui"
	ChainFamilyBitcoin ChainFamily = "bitcoin"
	ChainFamilyCosmos  ChainFamily = "cosmos"
	ChainFamilyAptos   ChainFamily = "aptos"
	ChainFamilyCEX     ChainFamily = "cex"
)

var allChainFamilies = []ChainFamily{
	ChainFamilyEVM,
	ChainFamilySolana,
	ChainFamilySui,
	ChainFamilyBitcoin,
	ChainFamilyCosmos,
	ChainFamilyAptos,
	ChainFamilyCEX,
}

// AllChainFamilies returns the closed set of supported families in a stable order.
func AllChainFamilies() []ChainFamily {
	out := make([]ChainFamily, len(allChainFamilies))
	copy(out, allChainFamilies)
	return out
}

func (f ChainFamily) String() string {
	return string(f)
}

// Valid reports whether f is a member of the closed family set.
func (f ChainFamily) Valid() bool {
	for _, known := range allChainFamilies {
		if f == known {
			return true
		}
	}
	return false
}

// IsOnChain is false only for centralized exchange accounts.
func (f ChainFamily) IsOnChain() bool {
	return f.Valid() && f != ChainFamilyCEX
}

// ParseChainFamily parses a family name case-insensitively.
func ParseChainFamily(raw string) (ChainFamily, error) {
	f := ChainFamily(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown chain family %q", raw)
	}
	return f, nil
}

// ChainID identifies one chain inside a family (e.g. "1", "8453", "mainnet-beta").
type ChainID string

func (c ChainID) String() string {
	return string(c)
}

// ConnectionID identifies a wallet connection. WatchConnection is reserved
// for manually tracked addresses.
type ConnectionID string

const WatchConnection ConnectionID = "watch"

func (c ConnectionID) String() string {
	return string(c)
}

// SourceKind distinguishes on-chain reads from CEX account reads.
type SourceKind string

const (
	SourceKindOnChain SourceKind = "onchain"
	SourceKindCEX     SourceKind = "cex"
)
