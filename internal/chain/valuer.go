package chain

import (
	"strings"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Valuer prices an amount of a symbol. Price discovery lives outside this
// module; adapters only apply whatever Valuer they are given.
type Valuer interface {
	Value(symbol string, amount decimal.Decimal) (decimal.Decimal, bool)
}

// StaticValuer prices symbols from a fixed table.
type StaticValuer map[string]decimal.Decimal

// NewStaticValuer normalizes symbol keys to upper case.
func NewStaticValuer(prices map[string]decimal.Decimal) StaticValuer {
	out := make(StaticValuer, len(prices))
	for sym, p := range prices {
		out[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	return out
}

func (v StaticValuer) Value(symbol string, amount decimal.Decimal) (decimal.Decimal, bool) {
	p, ok := v[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(p), true
}

// ApplyValues fills Value on every asset and position of results. A nil
// Valuer leaves values untouched.
func ApplyValues(v Valuer, results []model.SourceResult) {
	if v == nil {
		return
	}
	for i := range results {
		for j := range results[i].Assets {
			a := &results[i].Assets[j]
			if val, ok := v.Value(a.Symbol, a.Amount); ok {
				a.Value = val
			}
		}
		for j := range results[i].Positions {
			p := &results[i].Positions[j]
			if val, ok := v.Value(p.Symbol, p.Amount); ok {
				p.Value = val
			}
		}
	}
}
