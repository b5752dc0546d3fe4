package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/ratelimit"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	SourceID = "evm-rpc"

	defaultNativeDecimals = 18
	defaultConcurrency    = 8
)

// Token is an ERC-20 contract tracked on one chain.
type Token struct {
	Address  string
	Symbol   string
	Decimals int32
}

// ChainConfig describes one EVM chain. WSURL enables push subscriptions.
type ChainConfig struct {
	ChainID        model.ChainID
	Name           string
	RPCURL         string
	WSURL          string
	NativeSymbol   string
	NativeDecimals int32
	Tokens         []Token
}

type Config struct {
	Chains []ChainConfig
	// Concurrency bounds in-flight RPC calls per GetBalances invocation.
	Concurrency int
	// HeadRefresh emits a new_head event per tracked address on each block,
	// catching native balance changes that produce no Transfer log.
	HeadRefresh bool
	Valuer      chain.Valuer
}

type chainConn struct {
	cfg    ChainConfig
	client Client
	ws     Client
}

// Adapter reads native and ERC-20 balances from every configured EVM chain.
type Adapter struct {
	cfg    Config
	chains map[model.ChainID]*chainConn
	order  []model.ChainID
	logger *slog.Logger
	nowFn  func() time.Time
}

var _ chain.Adapter = (*Adapter)(nil)

// New dials every configured chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, error) {
	clients := make(map[model.ChainID]Client, len(cfg.Chains))
	wsClients := make(map[model.ChainID]Client)
	for _, c := range cfg.Chains {
		cl, err := Dial(ctx, c.RPCURL)
		if err != nil {
			closeAll(clients)
			closeAll(wsClients)
			return nil, fmt.Errorf("evm chain %s: %w", c.ChainID, err)
		}
		clients[c.ChainID] = cl
		if c.WSURL != "" {
			ws, err := Dial(ctx, c.WSURL)
			if err != nil {
				closeAll(clients)
				closeAll(wsClients)
				return nil, fmt.Errorf("evm chain %s websocket: %w", c.ChainID, err)
			}
			wsClients[c.ChainID] = ws
		}
	}
	return NewWithClients(cfg, clients, wsClients, logger)
}

// NewWithClients builds an adapter over pre-built clients. wsClients may be
// nil; a chain whose RPCURL is already a websocket reuses its read client.
func NewWithClients(cfg Config, clients, wsClients map[model.ChainID]Client, logger *slog.Logger) (*Adapter, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	a := &Adapter{
		cfg:    cfg,
		chains: make(map[model.ChainID]*chainConn, len(cfg.Chains)),
		logger: logger.With("component", "evm_adapter"),
		nowFn:  time.Now,
	}
	for _, c := range cfg.Chains {
		if c.NativeDecimals == 0 {
			c.NativeDecimals = defaultNativeDecimals
		}
		if c.NativeSymbol == "" {
			c.NativeSymbol = "ETH"
		}
		cl, ok := clients[c.ChainID]
		if !ok {
			return nil, fmt.Errorf("evm chain %s: no client", c.ChainID)
		}
		conn := &chainConn{cfg: c, client: cl, ws: wsClients[c.ChainID]}
		if conn.ws == nil && isWebsocket(c.RPCURL) {
			conn.ws = cl
		}
		a.chains[c.ChainID] = conn
		a.order = append(a.order, c.ChainID)
	}
	return a, nil
}

func (a *Adapter) ChainFamily() model.ChainFamily { return model.ChainFamilyEVM }
func (a *Adapter) SourceID() string               { return SourceID }

// ChainIDs returns the configured chains in configuration order.
func (a *Adapter) ChainIDs() []model.ChainID {
	return append([]model.ChainID(nil), a.order...)
}

// Close releases every client.
func (a *Adapter) Close() {
	seen := make(map[Client]bool)
	for _, c := range a.chains {
		for _, cl := range []Client{c.client, c.ws} {
			if cl != nil && !seen[cl] {
				seen[cl] = true
				cl.Close()
			}
		}
	}
}

type fetchKey struct {
	address model.Address
	chainID model.ChainID
}

// GetBalances returns one SourceResult per (address, chain). An address
// with any failed chain is reported in a *chain.PartialFailure and omitted
// so callers never see half of an address's chains as current.
func (a *Adapter) GetBalances(ctx context.Context, reqs []model.AddressScope) ([]model.SourceResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[fetchKey]model.SourceResult)
		failed  = make(map[model.Address]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, req := range reqs {
		addr := model.CanonicalAddress(model.ChainFamilyEVM, string(req.Address))
		if !common.IsHexAddress(string(addr)) {
			mu.Lock()
			failed[addr] = fmt.Errorf("invalid address %q", req.Address)
			mu.Unlock()
			continue
		}
		for _, chainID := range chain.ScopeChains(req, a.order) {
			conn := a.chains[chainID]
			g.Go(func() error {
				res, err := a.fetchOne(gctx, conn, addr)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if _, dup := failed[addr]; !dup {
						failed[addr] = fmt.Errorf("chain %s: %w", chainID, err)
					}
					return nil
				}
				results[fetchKey{addr, chainID}] = res
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]model.SourceResult, 0, len(results))
	for k, r := range results {
		if _, bad := failed[k.address]; bad {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].ChainScope[0] < out[j].ChainScope[0]
	})
	chain.ApplyValues(a.cfg.Valuer, out)

	if len(failed) == 0 {
		return out, nil
	}
	pf := &chain.PartialFailure{Family: model.ChainFamilyEVM, Failed: failed}
	if len(out) == 0 {
		return nil, pf
	}
	return out, pf
}

func (a *Adapter) fetchOne(ctx context.Context, conn *chainConn, addr model.Address) (model.SourceResult, error) {
	owner := common.HexToAddress(string(addr))
	native, err := conn.client.BalanceAt(ctx, owner, nil)
	ratelimit.RecordRPCCall(model.ChainFamilyEVM, "eth_getBalance", err)
	if err != nil {
		return model.SourceResult{}, fmt.Errorf("native balance: %w", err)
	}

	res := model.SourceResult{
		SourceID:    SourceID,
		Kind:        model.SourceKindOnChain,
		ChainFamily: model.ChainFamilyEVM,
		Address:     addr,
		ChainScope:  []model.ChainID{conn.cfg.ChainID},
		FetchedAt:   a.nowFn(),
	}
	if native.Sign() > 0 {
		res.Assets = append(res.Assets, model.Asset{
			ChainID: conn.cfg.ChainID,
			AssetID: model.NativeAssetID,
			Symbol:  conn.cfg.NativeSymbol,
			Amount:  toDecimal(native, conn.cfg.NativeDecimals),
			Value:   decimal.Zero,
			Origin:  model.OriginOnChain,
		})
	}

	for _, tok := range conn.cfg.Tokens {
		bal, err := tokenBalance(ctx, conn.client, common.HexToAddress(tok.Address), owner)
		ratelimit.RecordRPCCall(model.ChainFamilyEVM, "eth_call", err)
		if err != nil {
			return model.SourceResult{}, err
		}
		if bal.Sign() == 0 {
			continue
		}
		res.Assets = append(res.Assets, model.Asset{
			ChainID: conn.cfg.ChainID,
			AssetID: string(model.CanonicalAddress(model.ChainFamilyEVM, tok.Address)),
			Symbol:  tok.Symbol,
			Amount:  toDecimal(bal, tok.Decimals),
			Value:   decimal.Zero,
			Origin:  model.OriginOnChain,
		})
	}
	if name := conn.cfg.Name; name != "" {
		res.Metadata.Set("evm", "chain_name", name)
	}
	return res, nil
}

func toDecimal(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}

func closeAll(m map[model.ChainID]Client) {
	for _, c := range m {
		c.Close()
	}
}
