package api

import (
	"sort"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
)

// Amounts and values are rendered as decimal strings so no precision is
// lost in JSON.

type portfolioResponse struct {
	Version     uint64               `json:"version"`
	GeneratedAt *time.Time           `json:"generated_at,omitempty"`
	TotalValue  string               `json:"total_value"`
	Partial     bool                 `json:"partial"`
	Holdings    []holdingResponse    `json:"holdings"`
	Accounts    []accountResponse    `json:"accounts"`
	Wallets     []walletResponse     `json:"wallets"`
	Sources     []model.SourceStatus `json:"sources"`
}

type holdingResponse struct {
	ChainFamily model.ChainFamily `json:"chain_family"`
	Address     model.Address     `json:"address"`
	ChainID     model.ChainID     `json:"chain_id"`
	AssetID     string            `json:"asset_id"`
	Symbol      string            `json:"symbol"`
	Amount      string            `json:"amount"`
	Value       string            `json:"value"`
	Origin      model.AssetOrigin `json:"origin"`
	AccountIDs  []string          `json:"account_ids"`
}

type assetResponse struct {
	ChainID model.ChainID     `json:"chain_id"`
	AssetID string            `json:"asset_id"`
	Symbol  string            `json:"symbol"`
	Amount  string            `json:"amount"`
	Value   string            `json:"value"`
	Origin  model.AssetOrigin `json:"origin"`
}

type positionResponse struct {
	ID       string        `json:"id"`
	ChainID  model.ChainID `json:"chain_id"`
	Protocol string        `json:"protocol,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Symbol   string        `json:"symbol"`
	Amount   string        `json:"amount"`
	Value    string        `json:"value"`
}

type accountResponse struct {
	AccountID   string             `json:"account_id"`
	Label       string             `json:"label,omitempty"`
	ChainFamily model.ChainFamily  `json:"chain_family"`
	Address     model.Address      `json:"address"`
	TotalValue  string             `json:"total_value"`
	UpdatedAt   *time.Time         `json:"updated_at,omitempty"`
	Degraded    bool               `json:"degraded"`
	Sources     []string           `json:"sources"`
	Assets      []assetResponse    `json:"assets"`
	Positions   []positionResponse `json:"positions"`
}

type walletResponse struct {
	ConnectionID  model.ConnectionID `json:"connection_id"`
	AccountIDs    []string           `json:"account_ids"`
	TotalValue    string             `json:"total_value"`
	ValueByFamily map[string]string  `json:"value_by_family"`
	UpdatedAt     *time.Time         `json:"updated_at,omitempty"`
}

type symbolResponse struct {
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Value     string `json:"value"`
	LineItems int    `json:"line_items"`
}

type trackRequest struct {
	ConnectionID string   `json:"connection_id"`
	ChainFamily  string   `json:"chain_family"`
	Address      string   `json:"address"`
	Chains       []string `json:"chains"`
	Label        string   `json:"label"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func idStrings(ids []model.AccountID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func toPortfolioResponse(p *model.Portfolio) portfolioResponse {
	resp := portfolioResponse{
		Version:     p.Version,
		GeneratedAt: timePtr(p.GeneratedAt),
		TotalValue:  p.TotalValue.String(),
		Partial:     p.Partial,
		Holdings:    make([]holdingResponse, 0, len(p.Holdings)),
		Accounts:    make([]accountResponse, 0, len(p.AccountBreakdown)),
		Wallets:     make([]walletResponse, 0, len(p.WalletBreakdown)),
		Sources:     make([]model.SourceStatus, 0, len(p.Sources)),
	}
	for _, h := range p.Holdings {
		resp.Holdings = append(resp.Holdings, holdingResponse{
			ChainFamily: h.ChainFamily,
			Address:     h.Address,
			ChainID:     h.Asset.ChainID,
			AssetID:     h.Asset.AssetID,
			Symbol:      h.Asset.Symbol,
			Amount:      h.Asset.Amount.String(),
			Value:       h.Asset.Value.String(),
			Origin:      h.Asset.Origin,
			AccountIDs:  idStrings(h.AccountIDs),
		})
	}
	for _, ap := range p.Accounts() {
		resp.Accounts = append(resp.Accounts, toAccountResponse(ap))
	}

	conns := make([]model.ConnectionID, 0, len(p.WalletBreakdown))
	for c := range p.WalletBreakdown {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })
	for _, c := range conns {
		resp.Wallets = append(resp.Wallets, toWalletResponse(p.WalletBreakdown[c]))
	}

	resp.Sources = sortedSources(p.Sources)
	return resp
}

func sortedSources(sources map[model.ChainFamily]model.SourceStatus) []model.SourceStatus {
	out := make([]model.SourceStatus, 0, len(sources))
	for _, s := range sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainFamily < out[j].ChainFamily })
	return out
}

func toAccountResponse(ap model.AccountPortfolio) accountResponse {
	resp := accountResponse{
		AccountID:   ap.AccountID.String(),
		Label:       ap.Label,
		ChainFamily: ap.AccountID.ChainFamily(),
		Address:     ap.AccountID.Address(),
		TotalValue:  ap.TotalValue.String(),
		UpdatedAt:   timePtr(ap.UpdatedAt),
		Degraded:    ap.Degraded,
		Sources:     append([]string{}, ap.Sources...),
		Assets:      make([]assetResponse, 0, len(ap.Assets)),
		Positions:   make([]positionResponse, 0, len(ap.Positions)),
	}
	for _, a := range ap.Assets {
		resp.Assets = append(resp.Assets, assetResponse{
			ChainID: a.ChainID,
			AssetID: a.AssetID,
			Symbol:  a.Symbol,
			Amount:  a.Amount.String(),
			Value:   a.Value.String(),
			Origin:  a.Origin,
		})
	}
	for _, p := range ap.Positions {
		resp.Positions = append(resp.Positions, positionResponse{
			ID:       p.ID,
			ChainID:  p.ChainID,
			Protocol: p.Protocol,
			Kind:     p.Kind,
			Symbol:   p.Symbol,
			Amount:   p.Amount.String(),
			Value:    p.Value.String(),
		})
	}
	return resp
}

func toWalletResponse(w model.WalletPortfolio) walletResponse {
	resp := walletResponse{
		ConnectionID:  w.ConnectionID,
		AccountIDs:    idStrings(w.AccountIDs),
		TotalValue:    w.TotalValue.String(),
		ValueByFamily: make(map[string]string, len(w.ValueByFamily)),
		UpdatedAt:     timePtr(w.UpdatedAt),
	}
	for f, v := range w.ValueByFamily {
		resp.ValueByFamily[string(f)] = v.String()
	}
	return resp
}

func toSymbolResponses(totals []model.SymbolTotal) []symbolResponse {
	out := make([]symbolResponse, 0, len(totals))
	for _, t := range totals {
		out = append(out, symbolResponse{
			Symbol:    t.Symbol,
			Amount:    t.Amount.String(),
			Value:     t.Value.String(),
			LineItems: t.LineItems,
		})
	}
	return out
}
