package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errSubscriptionEnded = errors.New("subscription ended")

// SubscribeToUpdates watches ERC-20 Transfer logs touching the requested
// addresses on every chain, plus new heads when HeadRefresh is set. Every
// configured chain must have a websocket endpoint; otherwise the family is
// left to the polling fallback.
func (a *Adapter) SubscribeToUpdates(ctx context.Context, reqs []model.AddressScope) (chain.Subscription, error) {
	for _, id := range a.order {
		if a.chains[id].ws == nil {
			return nil, fmt.Errorf("chain %s has no websocket endpoint: %w", id, chain.ErrSubscriptionUnsupported)
		}
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no addresses to watch: %w", chain.ErrSubscriptionUnsupported)
	}

	stream, sctx := chain.NewStream(ctx, 256)
	for _, id := range a.order {
		conn := a.chains[id]
		watched := watchedOn(reqs, id, a.order)
		if len(watched) == 0 {
			continue
		}
		if err := a.watchTransfers(sctx, stream, conn, watched); err != nil {
			stream.Close(err)
			return nil, err
		}
		if a.cfg.HeadRefresh {
			if err := a.watchHeads(sctx, stream, conn, watched); err != nil {
				stream.Close(err)
				return nil, err
			}
		}
	}
	a.logger.Info("evm subscription started", "addresses", len(reqs), "chains", len(a.order), "head_refresh", a.cfg.HeadRefresh)
	return stream, nil
}

// watchedOn returns the addresses whose scope includes chainID.
func watchedOn(reqs []model.AddressScope, chainID model.ChainID, configured []model.ChainID) map[common.Address]model.Address {
	out := make(map[common.Address]model.Address)
	for _, req := range reqs {
		for _, c := range chain.ScopeChains(req, configured) {
			if c == chainID {
				addr := model.CanonicalAddress(model.ChainFamilyEVM, string(req.Address))
				out[common.HexToAddress(string(addr))] = addr
				break
			}
		}
	}
	return out
}

// transferQueries builds one filter for logs sent from and one for logs
// received by the watched addresses.
func transferQueries(watched map[common.Address]model.Address) []ethereum.FilterQuery {
	topics := make([]common.Hash, 0, len(watched))
	for addr := range watched {
		topics = append(topics, common.BytesToHash(addr.Bytes()))
	}
	return []ethereum.FilterQuery{
		{Topics: [][]common.Hash{{transferTopic}, topics}},
		{Topics: [][]common.Hash{{transferTopic}, nil, topics}},
	}
}

func (a *Adapter) watchTransfers(ctx context.Context, stream *chain.Stream, conn *chainConn, watched map[common.Address]model.Address) error {
	for _, q := range transferQueries(watched) {
		logs := make(chan types.Log, 64)
		sub, err := conn.ws.SubscribeFilterLogs(ctx, q, logs)
		if err != nil {
			return fmt.Errorf("subscribe transfer logs on %s: %w", conn.cfg.ChainID, err)
		}
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-sub.Err():
					if err == nil {
						err = errSubscriptionEnded
					}
					stream.Close(fmt.Errorf("transfer log subscription on %s: %w", conn.cfg.ChainID, err))
					return
				case lg := <-logs:
					for _, ev := range a.transferEvents(conn.cfg.ChainID, lg, watched) {
						if !stream.Emit(ev) {
							return
						}
					}
				}
			}
		}()
	}
	return nil
}

// transferEvents maps one Transfer log to an event per watched party.
func (a *Adapter) transferEvents(chainID model.ChainID, lg types.Log, watched map[common.Address]model.Address) []chain.RawSourceEvent {
	if len(lg.Topics) < 3 || lg.Topics[0] != transferTopic || lg.Removed {
		return nil
	}
	parties := []struct {
		topic common.Hash
		role  string
	}{{lg.Topics[1], "from"}, {lg.Topics[2], "to"}}

	var out []chain.RawSourceEvent
	seen := make(map[model.Address]bool, 2)
	for _, p := range parties {
		addr, ok := watched[common.BytesToAddress(p.topic.Bytes())]
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, chain.RawSourceEvent{
			SourceID: SourceID,
			Family:   model.ChainFamilyEVM,
			Kind:     chain.EventTransferLog,
			Address:  string(addr),
			ChainID:  chainID,
			TxHash:   lg.TxHash.Hex(),
			Payload: map[string]any{
				"token":        model.CanonicalAddress(model.ChainFamilyEVM, lg.Address.Hex()),
				"block_number": lg.BlockNumber,
				"role":         p.role,
			},
			ObservedAt: a.nowFn(),
		})
	}
	return out
}

func (a *Adapter) watchHeads(ctx context.Context, stream *chain.Stream, conn *chainConn, watched map[common.Address]model.Address) error {
	heads := make(chan *types.Header, 16)
	sub, err := conn.ws.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe new heads on %s: %w", conn.cfg.ChainID, err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err == nil {
					err = errSubscriptionEnded
				}
				stream.Close(fmt.Errorf("head subscription on %s: %w", conn.cfg.ChainID, err))
				return
			case h := <-heads:
				var number uint64
				if h != nil && h.Number != nil {
					number = h.Number.Uint64()
				}
				for _, addr := range watched {
					ev := chain.RawSourceEvent{
						SourceID:   SourceID,
						Family:     model.ChainFamilyEVM,
						Kind:       chain.EventNewHead,
						Address:    string(addr),
						ChainID:    conn.cfg.ChainID,
						Payload:    map[string]any{"block_number": number},
						ObservedAt: a.nowFn(),
					}
					if !stream.Emit(ev) {
						return
					}
				}
			}
		}
	}()
	return nil
}
