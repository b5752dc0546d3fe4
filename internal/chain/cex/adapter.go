package cex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/ratelimit"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const SourceID = "cex"

// Adapter serves CEX accounts. A CEX account address has the form
// "{exchange}/{account}", e.g. "binance/main".
type Adapter struct {
	clients map[string]AccountClient
	valuer  chain.Valuer
	logger  *slog.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(clients []AccountClient, valuer chain.Valuer, logger *slog.Logger) *Adapter {
	m := make(map[string]AccountClient, len(clients))
	for _, c := range clients {
		m[strings.ToLower(c.Exchange())] = c
	}
	return &Adapter{clients: m, valuer: valuer, logger: logger.With("component", "cex_adapter")}
}

func (a *Adapter) ChainFamily() model.ChainFamily { return model.ChainFamilyCEX }
func (a *Adapter) SourceID() string               { return SourceID }

// SplitAddress parses "{exchange}/{account}".
func SplitAddress(addr model.Address) (exchange, account string, err error) {
	exchange, account, ok := strings.Cut(string(addr), "/")
	if !ok || exchange == "" || account == "" {
		return "", "", fmt.Errorf("invalid address %q: want exchange/account", addr)
	}
	return strings.ToLower(exchange), account, nil
}

func (a *Adapter) GetBalances(ctx context.Context, reqs []model.AddressScope) ([]model.SourceResult, error) {
	var (
		mu      sync.Mutex
		results []model.SourceResult
		failed  = make(map[model.Address]error)
	)
	fail := func(addr model.Address, err error) {
		mu.Lock()
		failed[addr] = err
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, req := range reqs {
		addr := req.Address
		exchange, account, err := SplitAddress(addr)
		if err != nil {
			fail(addr, err)
			continue
		}
		client, ok := a.clients[exchange]
		if !ok {
			fail(addr, fmt.Errorf("invalid address %q: no client for exchange %q", addr, exchange))
			continue
		}
		g.Go(func() error {
			snap, err := client.Snapshot(gctx, account)
			ratelimit.RecordRPCCall(model.ChainFamilyCEX, exchange+".snapshot", err)
			if err != nil {
				fail(addr, err)
				return nil
			}
			res := toResult(addr, exchange, snap)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
	chain.ApplyValues(a.valuer, results)

	if len(failed) == 0 {
		return results, nil
	}
	pf := &chain.PartialFailure{Family: model.ChainFamilyCEX, Failed: failed}
	if len(results) == 0 {
		return nil, pf
	}
	return results, pf
}

func toResult(addr model.Address, exchange string, snap Snapshot) model.SourceResult {
	res := model.SourceResult{
		SourceID:    SourceID + ":" + exchange,
		Kind:        model.SourceKindCEX,
		ChainFamily: model.ChainFamilyCEX,
		Address:     addr,
		FetchedAt:   snap.FetchedAt,
	}
	cexChain := model.ChainID(exchange)
	for _, h := range snap.Holdings {
		switch h.Kind {
		case HoldingEarn:
			res.Positions = append(res.Positions, model.Position{
				ID:       h.Product + "/" + h.Asset,
				ChainID:  cexChain,
				Protocol: exchange,
				Kind:     string(HoldingEarn),
				Symbol:   h.Asset,
				Amount:   h.Amount,
				Value:    decimal.Zero,
			})
		case HoldingDeposit:
			res.Assets = append(res.Assets, model.Asset{
				ChainID:     h.DepositChainID,
				AssetID:     "deposit/" + h.Asset,
				Symbol:      h.Asset,
				Amount:      h.Amount,
				Value:       decimal.Zero,
				Origin:      model.OriginCEXEcho,
				EchoFamily:  h.DepositFamily,
				EchoAddress: model.CanonicalAddress(h.DepositFamily, h.DepositAddress),
			})
		default:
			a := model.Asset{
				ChainID: cexChain,
				AssetID: string(h.Kind) + "/" + h.Asset,
				Symbol:  h.Asset,
				Amount:  h.Amount,
				Value:   decimal.Zero,
				Origin:  model.OriginCEXNative,
			}
			if h.Kind == HoldingFiat {
				a.Metadata.Set("cex", "fiat", true)
			}
			res.Assets = append(res.Assets, a)
		}
	}
	return res
}

// SubscribeToUpdates is unsupported; CEX balances are polled.
func (a *Adapter) SubscribeToUpdates(context.Context, []model.AddressScope) (chain.Subscription, error) {
	return nil, fmt.Errorf("cex accounts are polled: %w", chain.ErrSubscriptionUnsupported)
}
