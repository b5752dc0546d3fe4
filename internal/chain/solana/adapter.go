package solana

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/ratelimit"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/solana/rpc"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	SourceID = "solana-rpc"

	lamportDecimals    = 9
	defaultConcurrency = 4
)

type Config struct {
	RPCURL  string
	WSURL   string
	ChainID model.ChainID // e.g. "mainnet-beta"
	// Mints maps SPL mint addresses to display symbols. Unknown mints are
	// reported with the mint as the symbol.
	Mints       map[string]string
	Concurrency int
	Valuer      chain.Valuer
}

// Watcher is the push channel; rpc.Watcher satisfies it.
type Watcher interface {
	Watch(ctx context.Context, addresses []string, onNotify func(rpc.AccountNotification)) error
}

type Adapter struct {
	cfg     Config
	client  rpc.RPCClient
	watcher Watcher
	logger  *slog.Logger
	nowFn   func() time.Time
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	var w Watcher
	if cfg.WSURL != "" {
		w = rpc.NewWatcher(cfg.WSURL, logger)
	}
	return NewAdapterWithClient(cfg, rpc.NewClient(cfg.RPCURL, logger), w, logger)
}

// NewAdapterWithClient injects the RPC client and optional watcher.
func NewAdapterWithClient(cfg Config, client rpc.RPCClient, watcher Watcher, logger *slog.Logger) *Adapter {
	if cfg.ChainID == "" {
		cfg.ChainID = "mainnet-beta"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		watcher: watcher,
		logger:  logger.With("component", "solana_adapter"),
		nowFn:   time.Now,
	}
}

func (a *Adapter) ChainFamily() model.ChainFamily { return model.ChainFamilySolana }
func (a *Adapter) SourceID() string               { return SourceID }

// GetBalances fetches SOL and SPL balances per address. Solana has a single
// chain per adapter, so chain scopes that exclude it yield no request.
func (a *Adapter) GetBalances(ctx context.Context, reqs []model.AddressScope) ([]model.SourceResult, error) {
	var (
		mu      sync.Mutex
		results []model.SourceResult
		failed  = make(map[model.Address]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, req := range reqs {
		if len(chain.ScopeChains(req, []model.ChainID{a.cfg.ChainID})) == 0 {
			continue
		}
		addr := model.CanonicalAddress(model.ChainFamilySolana, string(req.Address))
		g.Go(func() error {
			res, err := a.fetchOne(gctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[addr] = err
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
	chain.ApplyValues(a.cfg.Valuer, results)

	if len(failed) == 0 {
		return results, nil
	}
	pf := &chain.PartialFailure{Family: model.ChainFamilySolana, Failed: failed}
	if len(results) == 0 {
		return nil, pf
	}
	return results, pf
}

func (a *Adapter) fetchOne(ctx context.Context, addr model.Address) (model.SourceResult, error) {
	lamports, err := a.client.GetBalance(ctx, string(addr))
	ratelimit.RecordRPCCall(model.ChainFamilySolana, "getBalance", err)
	if err != nil {
		return model.SourceResult{}, err
	}
	tokens, err := a.client.GetTokenAccountsByOwner(ctx, string(addr))
	ratelimit.RecordRPCCall(model.ChainFamilySolana, "getTokenAccountsByOwner", err)
	if err != nil {
		return model.SourceResult{}, err
	}

	res := model.SourceResult{
		SourceID:    SourceID,
		Kind:        model.SourceKindOnChain,
		ChainFamily: model.ChainFamilySolana,
		Address:     addr,
		ChainScope:  []model.ChainID{a.cfg.ChainID},
		FetchedAt:   a.nowFn(),
	}
	if lamports > 0 {
		res.Assets = append(res.Assets, model.Asset{
			ChainID: a.cfg.ChainID,
			AssetID: model.NativeAssetID,
			Symbol:  "SOL",
			Amount:  decimal.NewFromUint64(lamports).Shift(-lamportDecimals),
			Value:   decimal.Zero,
			Origin:  model.OriginOnChain,
		})
	}
	for _, tok := range tokens {
		raw, err := decimal.NewFromString(tok.Amount)
		if err != nil {
			return model.SourceResult{}, fmt.Errorf("parse token amount for mint %s: %w", tok.Mint, err)
		}
		symbol := a.cfg.Mints[tok.Mint]
		if symbol == "" {
			symbol = tok.Mint
		}
		res.Assets = append(res.Assets, model.Asset{
			ChainID: a.cfg.ChainID,
			AssetID: tok.Mint,
			Symbol:  symbol,
			Amount:  raw.Shift(-tok.Decimals),
			Value:   decimal.Zero,
			Origin:  model.OriginOnChain,
		})
	}
	return res, nil
}

// SubscribeToUpdates opens account and log-mention subscriptions for every
// requested address over the pubsub websocket.
func (a *Adapter) SubscribeToUpdates(ctx context.Context, reqs []model.AddressScope) (chain.Subscription, error) {
	if a.watcher == nil {
		return nil, fmt.Errorf("solana ws url not configured: %w", chain.ErrSubscriptionUnsupported)
	}
	addrs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		addrs = append(addrs, string(model.CanonicalAddress(model.ChainFamilySolana, string(req.Address))))
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses to watch: %w", chain.ErrSubscriptionUnsupported)
	}

	stream, sctx := chain.NewStream(ctx, 256)
	go func() {
		err := a.watcher.Watch(sctx, addrs, func(n rpc.AccountNotification) {
			stream.Emit(a.toEvent(n))
		})
		if sctx.Err() != nil {
			return
		}
		a.logger.Warn("solana subscription ended", "error", err)
		stream.Close(err)
	}()
	a.logger.Info("solana subscription started", "addresses", len(addrs))
	return stream, nil
}

func (a *Adapter) toEvent(n rpc.AccountNotification) chain.RawSourceEvent {
	ev := chain.RawSourceEvent{
		SourceID:   SourceID,
		Family:     model.ChainFamilySolana,
		Kind:       chain.EventAccountNotification,
		Address:    n.Address,
		ChainID:    a.cfg.ChainID,
		Payload:    map[string]any{"slot": n.Slot},
		ObservedAt: a.nowFn(),
	}
	if n.Kind == rpc.NotifyLogs {
		ev.Kind = chain.EventTxSignature
		ev.TxHash = n.Signature
	}
	return ev
}
