package aggregation

import (
	"sort"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
)

// MergeResults folds every SourceResult for one physical address into a
// single AddressSlice. Line items with the same DedupKey collapse and the
// one from the newest result wins. Items whose key cannot be built are
// kept as-is.
func MergeResults(family model.ChainFamily, address model.Address, results []model.SourceResult) model.AddressSlice {
	ordered := append([]model.SourceResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FetchedAt.Before(ordered[j].FetchedAt) })

	slice := model.AddressSlice{ChainFamily: family, Address: address}
	assets := make(map[string]model.Asset)
	positions := make(map[string]model.Position)
	txs := make(map[string]model.Transaction)
	sources := make(map[string]bool)
	var loose []model.Asset

	for _, r := range ordered {
		if r.FetchedAt.After(slice.UpdatedAt) {
			slice.UpdatedAt = r.FetchedAt
		}
		if r.SourceID != "" {
			sources[r.SourceID] = true
		}
		for _, a := range r.Assets {
			key, err := a.DedupKey(family, address)
			if err != nil {
				loose = append(loose, a)
				continue
			}
			assets[key.String()] = a
		}
		for _, p := range r.Positions {
			if key, err := p.DedupKey(family, address); err == nil {
				positions[key.String()] = p
			}
		}
		for _, t := range r.Transactions {
			if key, err := t.DedupKey(family, address); err == nil {
				txs[key.String()] = t
			}
		}
	}

	for _, k := range sortedKeys(assets) {
		slice.Assets = append(slice.Assets, assets[k])
	}
	slice.Assets = append(slice.Assets, loose...)
	for _, k := range sortedKeys(positions) {
		slice.Positions = append(slice.Positions, positions[k])
	}
	for _, k := range sortedKeys(txs) {
		slice.Transactions = append(slice.Transactions, txs[k])
	}
	for s := range sources {
		slice.Sources = append(slice.Sources, s)
	}
	sort.Strings(slice.Sources)
	slice.RecomputeValue()
	return slice
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// onChainLookup returns the on-chain results known for a physical address.
type onChainLookup func(key model.AddressKey) ([]model.SourceResult, bool)

// DropEchoes removes CEX echo assets whose deposit address is tracked
// on-chain and reports the same asset. CEX-native holdings and echoes of
// untracked addresses are kept. Returns the number of assets dropped.
func DropEchoes(results []model.SourceResult, lookup onChainLookup) ([]model.SourceResult, int) {
	dropped := 0
	out := make([]model.SourceResult, 0, len(results))
	for _, r := range results {
		kept := r.Assets[:0:0]
		for _, a := range r.Assets {
			if a.IsEcho() && onChainReports(a, lookup) {
				dropped++
				continue
			}
			kept = append(kept, a)
		}
		r.Assets = kept
		out = append(out, r)
	}
	return out, dropped
}

func onChainReports(echo model.Asset, lookup onChainLookup) bool {
	onchain, ok := lookup(model.AddressKey{Family: echo.EchoFamily, Address: echo.EchoAddress})
	if !ok {
		return false
	}
	for _, r := range onchain {
		if echo.EchoedBy(r.Assets) {
			return true
		}
	}
	return false
}
