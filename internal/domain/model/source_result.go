package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetOrigin records where a holding was observed.
type AssetOrigin string

const (
	OriginOnChain   AssetOrigin = "onchain"
	OriginCEXNative AssetOrigin = "cex_native"
	OriginCEXEcho   AssetOrigin = "cex_echo"
)

// NativeAssetID is the AssetID of a chain's gas token.
const NativeAssetID = "native"

// Asset is one balance line reported by a source.
type Asset struct {
	ChainID ChainID
	AssetID string // "native", contract address, mint, or exchange ticker
	Symbol  string
	Amount  decimal.Decimal
	Value   decimal.Decimal

	Origin AssetOrigin
	// Echo* identify the on-chain deposit address a CEX holding mirrors.
	EchoFamily  ChainFamily
	EchoAddress Address

	Metadata Metadata
}

// DedupKey identifies this balance on the given physical address.
func (a Asset) DedupKey(family ChainFamily, address Address) (DedupKey, error) {
	disc := string(a.ChainID) + "/" + strings.ToLower(a.AssetID)
	if a.AssetID == "" {
		disc = string(a.ChainID) + "/" + strings.ToUpper(a.Symbol)
	}
	return NewDedupKey(ObjectBalance, family, string(address), disc)
}

// IsEcho reports whether the asset mirrors an on-chain deposit address.
func (a Asset) IsEcho() bool {
	return a.Origin == OriginCEXEcho && a.EchoAddress != ""
}

// EchoedBy reports whether onchain, the assets held at the echoed deposit
// address, contain the asset this echo mirrors. Symbols compare
// case-insensitively; an echo with a chain id matches only that chain.
func (a Asset) EchoedBy(onchain []Asset) bool {
	if !a.IsEcho() {
		return false
	}
	for _, o := range onchain {
		if !strings.EqualFold(o.Symbol, a.Symbol) {
			continue
		}
		if a.ChainID != "" && o.ChainID != a.ChainID {
			continue
		}
		return true
	}
	return false
}

// Position is a non-balance holding such as a staking or earn product.
type Position struct {
	ID       string
	ChainID  ChainID
	Protocol string
	Kind     string
	Symbol   string
	Amount   decimal.Decimal
	Value    decimal.Decimal
	Metadata Metadata
}

func (p Position) DedupKey(family ChainFamily, address Address) (DedupKey, error) {
	return NewDedupKey(ObjectPosition, family, string(address), string(p.ChainID)+"/"+p.ID)
}

// TransferDirection is relative to the tracked address.
type TransferDirection string

const (
	DirectionIn   TransferDirection = "in"
	DirectionOut  TransferDirection = "out"
	DirectionSelf TransferDirection = "self"
)

// Transaction is a historical transfer touching the tracked address.
type Transaction struct {
	Hash      string
	ChainID   ChainID
	Timestamp time.Time
	Symbol    string
	Amount    decimal.Decimal
	Direction TransferDirection
}

func (t Transaction) DedupKey(family ChainFamily, address Address) (DedupKey, error) {
	return NewDedupKey(ObjectTransaction, family, string(address), string(t.ChainID)+"/"+strings.ToLower(t.Hash))
}

// SourceResult is the raw output of one adapter call for one
// (address, family) pair.
type SourceResult struct {
	SourceID     string
	Kind         SourceKind
	ChainFamily  ChainFamily
	Address      Address
	ChainScope   []ChainID
	Assets       []Asset
	Positions    []Position
	Transactions []Transaction
	FetchedAt    time.Time
	Metadata     Metadata
}

// AddressKey returns the physical resource the result describes.
func (r SourceResult) AddressKey() AddressKey {
	return AddressKey{Family: r.ChainFamily, Address: r.Address}
}

// AddressSlice is the reconciled view of one physical address. It is the
// unit attributed to every AccountID tracking that address.
type AddressSlice struct {
	ChainFamily  ChainFamily
	Address      Address
	Assets       []Asset
	Positions    []Position
	Transactions []Transaction
	TotalValue   decimal.Decimal
	// UpdatedAt is the source timestamp of the freshest contributing result.
	UpdatedAt time.Time
	Sources   []string
	// Degraded marks data served from the last-known-good cache.
	Degraded bool
}

// AddressKey returns the physical resource the slice describes.
func (s AddressSlice) AddressKey() AddressKey {
	return AddressKey{Family: s.ChainFamily, Address: s.Address}
}

// Clone deep-copies the slice's line items.
func (s AddressSlice) Clone() AddressSlice {
	out := s
	out.Assets = append([]Asset(nil), s.Assets...)
	out.Positions = append([]Position(nil), s.Positions...)
	out.Transactions = append([]Transaction(nil), s.Transactions...)
	out.Sources = append([]string(nil), s.Sources...)
	return out
}

// RecomputeValue sets TotalValue from assets and positions.
func (s *AddressSlice) RecomputeValue() {
	total := decimal.Zero
	for _, a := range s.Assets {
		total = total.Add(a.Value)
	}
	for _, p := range s.Positions {
		total = total.Add(p.Value)
	}
	s.TotalValue = total
}
