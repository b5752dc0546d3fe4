// Package poller turns a polling-only adapter into a Subscription by
// re-fetching balances on an interval and emitting balance_poll events for
// addresses whose holdings changed.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/ratelimit"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
)

const DefaultInterval = 30 * time.Second

type Config struct {
	Interval time.Duration
	// Limiter is shared with other pollers of the same family. Nil means
	// unlimited.
	Limiter *ratelimit.Limiter
	Buffer  int
}

type Poller struct {
	adapter chain.Adapter
	cfg     Config
	logger  *slog.Logger
	nowFn   func() time.Time
}

func New(adapter chain.Adapter, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With("component", "poller", "chain_family", adapter.ChainFamily()),
		nowFn:   time.Now,
	}
}

// Subscribe starts polling reqs. The first poll only records a baseline;
// later polls emit one event per address whose fingerprint changed.
func (p *Poller) Subscribe(ctx context.Context, reqs []model.AddressScope) (chain.Subscription, error) {
	stream, sctx := chain.NewStream(ctx, p.cfg.Buffer)
	reqs = append([]model.AddressScope(nil), reqs...)
	go p.run(sctx, stream, reqs)
	return stream, nil
}

func (p *Poller) run(ctx context.Context, stream *chain.Stream, reqs []model.AddressScope) {
	family := string(p.adapter.ChainFamily())
	gauge := metrics.ActiveSubscriptions.WithLabelValues(family, "poll")
	gauge.Inc()
	defer gauge.Dec()

	last := make(map[model.Address]string, len(reqs))
	p.poll(ctx, stream, reqs, last)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, stream, reqs, last)
		}
	}
}

func (p *Poller) poll(ctx context.Context, stream *chain.Stream, reqs []model.AddressScope, last map[model.Address]string) {
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return
		}
	}
	results, err := p.adapter.GetBalances(ctx, reqs)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var pf *chain.PartialFailure
		if errors.As(err, &pf) {
			p.logger.Debug("poll partial failure", "failed", len(pf.Failed))
		} else {
			p.logger.Warn("poll failed", "error", err)
			return
		}
	}

	byAddr := make(map[model.Address][]model.SourceResult, len(results))
	for _, r := range results {
		byAddr[r.Address] = append(byAddr[r.Address], r)
	}
	addrs := make([]model.Address, 0, len(byAddr))
	for a := range byAddr {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		fp := Fingerprint(byAddr[addr])
		prev, seen := last[addr]
		last[addr] = fp
		if !seen || prev == fp {
			continue
		}
		ev := chain.RawSourceEvent{
			SourceID:   p.adapter.SourceID(),
			Family:     p.adapter.ChainFamily(),
			Kind:       chain.EventBalancePoll,
			Address:    string(addr),
			Payload:    map[string]any{"fingerprint": fp},
			ObservedAt: p.nowFn(),
		}
		if !stream.Emit(ev) {
			return
		}
	}
}

// Fingerprint is a stable digest of the holdings in results. Values are
// excluded so price moves alone do not trigger refreshes.
func Fingerprint(results []model.SourceResult) string {
	var lines []string
	for _, r := range results {
		for _, a := range r.Assets {
			lines = append(lines, "a|"+string(r.ChainFamily)+"|"+string(a.ChainID)+"|"+strings.ToLower(a.AssetID)+"|"+a.Amount.String())
		}
		for _, pos := range r.Positions {
			lines = append(lines, "p|"+string(pos.ChainID)+"|"+pos.ID+"|"+pos.Amount.String())
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, ";")
}
