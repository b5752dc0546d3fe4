package model

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceState is the per-family freshness indicator surfaced to consumers.
type SourceState string

const (
	SourceStateOK       SourceState = "ok"
	SourceStateDegraded SourceState = "degraded"
	SourceStateFailed   SourceState = "failed"
)

// SourceStatus describes how one chain family's data was obtained for a
// snapshot.
type SourceStatus struct {
	ChainFamily     ChainFamily `json:"chain_family"`
	State           SourceState `json:"state"`
	FromCache       bool        `json:"from_cache"`
	Reason          string      `json:"reason,omitempty"`
	Error           string      `json:"error,omitempty"`
	Addresses       int         `json:"addresses"`
	FailedAddresses int         `json:"failed_addresses"`
	LastSuccessAt   *time.Time  `json:"last_success_at,omitempty"`
}

// AccountPortfolio is one AccountID's attributed slice.
type AccountPortfolio struct {
	AccountID AccountID
	Label     string
	AddressSlice
}

func (a AccountPortfolio) Clone() AccountPortfolio {
	out := a
	out.AddressSlice = a.AddressSlice.Clone()
	return out
}

// WalletPortfolio rolls up the accounts of one connection. TotalValue counts
// each physical address once.
type WalletPortfolio struct {
	ConnectionID  ConnectionID
	AccountIDs    []AccountID
	TotalValue    decimal.Decimal
	ValueByFamily map[ChainFamily]decimal.Decimal
	UpdatedAt     time.Time
}

// Holding is one physical line item with every AccountID it is attributed to.
type Holding struct {
	ChainFamily ChainFamily
	Address     Address
	Asset       Asset
	AccountIDs  []AccountID
}

// SymbolTotal is a symbol-level rollup across distinct line items.
type SymbolTotal struct {
	Symbol    string
	Amount    decimal.Decimal
	Value     decimal.Decimal
	LineItems int
}

// Portfolio is the aggregate view. TotalValue is the sum over distinct
// physical addresses; accounts sharing an address are attributed the full
// slice but contribute it to TotalValue once.
type Portfolio struct {
	Version          uint64
	GeneratedAt      time.Time
	TotalValue       decimal.Decimal
	Holdings         []Holding
	AccountBreakdown map[AccountID]AccountPortfolio
	WalletBreakdown  map[ConnectionID]WalletPortfolio
	Sources          map[ChainFamily]SourceStatus
	Partial          bool
}

// AssemblePortfolio builds breakdowns and totals from attributed account
// slices. When accounts sharing an address disagree, the slice with the
// newest UpdatedAt is the one counted.
func AssemblePortfolio(version uint64, generatedAt time.Time, accounts []AccountPortfolio, sources map[ChainFamily]SourceStatus) *Portfolio {
	sorted := make([]AccountPortfolio, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AccountID.String() < sorted[j].AccountID.String()
	})

	physical := make(map[AddressKey]AddressSlice, len(sorted))
	refs := make(map[AddressKey][]AccountID, len(sorted))
	breakdown := make(map[AccountID]AccountPortfolio, len(sorted))
	for _, ap := range sorted {
		key := ap.AddressKey()
		if cur, ok := physical[key]; !ok || ap.UpdatedAt.After(cur.UpdatedAt) {
			physical[key] = ap.AddressSlice
		}
		refs[key] = append(refs[key], ap.AccountID)
		breakdown[ap.AccountID] = ap
	}

	keys := make([]AddressKey, 0, len(physical))
	for k := range physical {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	total := decimal.Zero
	holdings := make([]Holding, 0, len(keys))
	for _, k := range keys {
		slice := physical[k]
		total = total.Add(slice.TotalValue)
		for _, asset := range slice.Assets {
			holdings = append(holdings, Holding{
				ChainFamily: k.Family,
				Address:     k.Address,
				Asset:       asset,
				AccountIDs:  append([]AccountID(nil), refs[k]...),
			})
		}
	}

	p := &Portfolio{
		Version:          version,
		GeneratedAt:      generatedAt,
		TotalValue:       total,
		Holdings:         holdings,
		AccountBreakdown: breakdown,
		WalletBreakdown:  buildWallets(sorted, physical),
		Sources:          make(map[ChainFamily]SourceStatus, len(sources)),
	}
	for f, s := range sources {
		p.Sources[f] = s
		if s.State != SourceStateOK {
			p.Partial = true
		}
	}
	return p
}

func buildWallets(sorted []AccountPortfolio, physical map[AddressKey]AddressSlice) map[ConnectionID]WalletPortfolio {
	wallets := make(map[ConnectionID]WalletPortfolio)
	counted := make(map[ConnectionID]map[AddressKey]bool)
	for _, ap := range sorted {
		conn := ap.AccountID.Connection()
		w, ok := wallets[conn]
		if !ok {
			w = WalletPortfolio{
				ConnectionID:  conn,
				TotalValue:    decimal.Zero,
				ValueByFamily: make(map[ChainFamily]decimal.Decimal),
			}
			counted[conn] = make(map[AddressKey]bool)
		}
		w.AccountIDs = append(w.AccountIDs, ap.AccountID)
		key := ap.AddressKey()
		if !counted[conn][key] {
			counted[conn][key] = true
			slice := physical[key]
			w.TotalValue = w.TotalValue.Add(slice.TotalValue)
			w.ValueByFamily[key.Family] = w.ValueByFamily[key.Family].Add(slice.TotalValue)
			if slice.UpdatedAt.After(w.UpdatedAt) {
				w.UpdatedAt = slice.UpdatedAt
			}
		}
		wallets[conn] = w
	}
	return wallets
}

// SymbolRollup combines distinct line items by symbol. Line items are never
// merged in Holdings; this is an on-request view.
func (p *Portfolio) SymbolRollup() []SymbolTotal {
	bySymbol := make(map[string]*SymbolTotal)
	for _, h := range p.Holdings {
		sym := strings.ToUpper(strings.TrimSpace(h.Asset.Symbol))
		t, ok := bySymbol[sym]
		if !ok {
			t = &SymbolTotal{Symbol: sym, Amount: decimal.Zero, Value: decimal.Zero}
			bySymbol[sym] = t
		}
		t.Amount = t.Amount.Add(h.Asset.Amount)
		t.Value = t.Value.Add(h.Asset.Value)
		t.LineItems++
	}
	out := make([]SymbolTotal, 0, len(bySymbol))
	for _, t := range bySymbol {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Account returns the attributed slice for id.
func (p *Portfolio) Account(id AccountID) (AccountPortfolio, bool) {
	ap, ok := p.AccountBreakdown[id]
	return ap, ok
}

// Accounts returns the breakdown as a slice ordered by AccountID.
func (p *Portfolio) Accounts() []AccountPortfolio {
	out := make([]AccountPortfolio, 0, len(p.AccountBreakdown))
	for _, ap := range p.AccountBreakdown {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID.String() < out[j].AccountID.String() })
	return out
}

// DegradedFamilies lists families whose status is not ok.
func (p *Portfolio) DegradedFamilies() []ChainFamily {
	var out []ChainFamily
	for f, s := range p.Sources {
		if s.State != SourceStateOK {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
