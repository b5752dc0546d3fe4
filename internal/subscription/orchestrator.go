// Package subscription turns raw source events into per-account slice
// increments: normalize, dedup, debounce, resolve, merge.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/poller"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/ratelimit"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/event"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
)

const (
	DefaultDedupWindow  = 500 * time.Millisecond
	DefaultMergeTimeout = 15 * time.Second
)

// DefaultDebounceWindows are tuned to block times: none for slow chains,
// seconds for fast ones.
var DefaultDebounceWindows = map[model.ChainFamily]time.Duration{
	model.ChainFamilyBitcoin: 0,
	model.ChainFamilyCosmos:  500 * time.Millisecond,
	model.ChainFamilyEVM:     time.Second,
	model.ChainFamilyCEX:     time.Second,
	model.ChainFamilySolana:  3 * time.Second,
	model.ChainFamilySui:     3 * time.Second,
	model.ChainFamilyAptos:   3 * time.Second,
}

// Resolver maps physical addresses to AccountIDs.
type Resolver interface {
	ResolveAccountIDs(family model.ChainFamily, address model.Address) []model.AccountID
	AddressScopes(family model.ChainFamily) []model.AddressScope
}

// SliceFetcher fetches the current slice of one address.
type SliceFetcher interface {
	FetchSlice(ctx context.Context, family model.ChainFamily, address model.Address) (model.AddressSlice, error)
}

// Sink receives merged slices.
type Sink interface {
	ApplyIncrement(id model.AccountID, slice model.AddressSlice) error
}

type Config struct {
	DedupWindow     time.Duration
	DebounceWindows map[model.ChainFamily]time.Duration
	MergeTimeout    time.Duration

	// PollInterval and PollRPS drive the polling fallback.
	PollInterval time.Duration
	PollRPS      float64
	PollBurst    int
}

type Orchestrator struct {
	resolver Resolver
	fetcher  SliceFetcher
	sink     Sink
	adapters map[model.ChainFamily]chain.Adapter
	cfg      Config
	logger   *slog.Logger
	nowFn    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	intakes  map[model.ChainFamily]*intake
	subs     map[model.ChainFamily]*activeSub
	limiters map[model.ChainFamily]*ratelimit.Limiter
}

type activeSub struct {
	family      model.ChainFamily
	fingerprint string
	mode        string
	sub         chain.Subscription
	stopped     atomic.Bool
}

const (
	modePush = "push"
	modePoll = "poll"
)

func New(resolver Resolver, fetcher SliceFetcher, sink Sink, adapters []chain.Adapter, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = DefaultMergeTimeout
	}
	windows := make(map[model.ChainFamily]time.Duration, len(DefaultDebounceWindows))
	for f, d := range DefaultDebounceWindows {
		windows[f] = d
	}
	for f, d := range cfg.DebounceWindows {
		windows[f] = d
	}
	cfg.DebounceWindows = windows

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		resolver: resolver,
		fetcher:  fetcher,
		sink:     sink,
		adapters: make(map[model.ChainFamily]chain.Adapter, len(adapters)),
		cfg:      cfg,
		logger:   logger.With("component", "subscription"),
		nowFn:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		intakes:  make(map[model.ChainFamily]*intake),
		subs:     make(map[model.ChainFamily]*activeSub),
		limiters: make(map[model.ChainFamily]*ratelimit.Limiter),
	}
	for _, a := range adapters {
		o.adapters[a.ChainFamily()] = a
	}
	return o
}

// Run syncs subscriptions and blocks until ctx is done, then tears
// everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Sync(ctx)
	<-ctx.Done()
	o.Close()
	return nil
}

// Close stops all subscriptions and intake workers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancel()
	for f, s := range o.subs {
		o.stop(s)
		delete(o.subs, f)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Sync reconciles active subscriptions with the registry. Families whose
// address set is unchanged keep their subscription.
func (o *Orchestrator) Sync(ctx context.Context) {
	families := make([]model.ChainFamily, 0, len(o.adapters))
	for f := range o.adapters {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	for _, f := range families {
		if ctx.Err() != nil {
			return
		}
		scopes := o.resolver.AddressScopes(f)
		fp := scopeFingerprint(scopes)

		o.mu.Lock()
		cur, ok := o.subs[f]
		if ok && cur.fingerprint == fp {
			o.mu.Unlock()
			continue
		}
		if ok {
			o.stop(cur)
			delete(o.subs, f)
		}
		o.mu.Unlock()

		if len(scopes) == 0 {
			o.logger.Info("no addresses, subscription closed", "chain_family", f)
			continue
		}
		o.start(f, scopes, fp, false)
	}
}

// start opens a push subscription, falling back to polling when the
// adapter cannot push or forcePoll is set.
func (o *Orchestrator) start(family model.ChainFamily, scopes []model.AddressScope, fp string, forcePoll bool) {
	adapter := o.adapters[family]
	var (
		sub  chain.Subscription
		err  error
		mode = modePush
	)
	if !forcePoll {
		sub, err = adapter.SubscribeToUpdates(o.ctx, scopes)
		if err != nil {
			if !errors.Is(err, chain.ErrSubscriptionUnsupported) {
				o.logger.Warn("push subscription failed, polling instead", "chain_family", family, "error", err)
			}
			sub = nil
		}
	}
	if sub == nil {
		mode = modePoll
		p := poller.New(adapter, poller.Config{Interval: o.cfg.PollInterval, Limiter: o.limiter(family)}, o.logger)
		sub, err = p.Subscribe(o.ctx, scopes)
		if err != nil {
			o.logger.Error("poll subscription failed", "chain_family", family, "error", err)
			return
		}
	}

	as := &activeSub{family: family, fingerprint: fp, mode: mode, sub: sub}
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	if prev, ok := o.subs[family]; ok {
		o.stop(prev)
	}
	o.subs[family] = as
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("subscription started", "chain_family", family, "mode", mode, "addresses", len(scopes))
	go o.pump(as, scopes)
}

func (o *Orchestrator) stop(s *activeSub) {
	s.stopped.Store(true)
	s.sub.Unsubscribe()
}

// pump forwards events until the subscription ends. A push stream that
// fails is replaced by polling.
func (o *Orchestrator) pump(s *activeSub, scopes []model.AddressScope) {
	defer o.wg.Done()
	if s.mode == modePush {
		gauge := metrics.ActiveSubscriptions.WithLabelValues(string(s.family), modePush)
		gauge.Inc()
		defer gauge.Dec()
	}
	for {
		select {
		case raw := <-s.sub.Events():
			o.Ingest(raw)
		case <-s.sub.Done():
			err := s.sub.Err()
			if s.stopped.Load() || o.ctx.Err() != nil {
				return
			}
			o.logger.Warn("subscription ended", "chain_family", s.family, "mode", s.mode, "error", err)
			o.mu.Lock()
			current := o.subs[s.family] == s
			if current {
				delete(o.subs, s.family)
			}
			o.mu.Unlock()
			if current {
				o.start(s.family, scopes, s.fingerprint, s.mode == modePush)
			}
			return
		}
	}
}

// Ingest runs one raw event through normalize, dedup and debounce.
func (o *Orchestrator) Ingest(raw chain.RawSourceEvent) {
	metrics.EventsReceived.WithLabelValues(string(raw.Family), string(raw.Kind)).Inc()
	ev, err := Normalize(raw, o.nowFn())
	if err != nil {
		metrics.EventsInvalid.WithLabelValues(string(raw.Family)).Inc()
		o.logger.Debug("dropping invalid event", "error", err)
		return
	}
	in := o.intake(ev.ChainFamily)
	if in == nil {
		return
	}
	in.offer(ev)
}

func (o *Orchestrator) intake(family model.ChainFamily) *intake {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return nil
	}
	in, ok := o.intakes[family]
	if !ok {
		in = newIntake(family, o.cfg.DebounceWindows[family], o.cfg.DedupWindow, o.nowFn)
		o.intakes[family] = in
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			in.run(o.ctx, o.merge)
		}()
	}
	return in
}

func (o *Orchestrator) limiter(family model.ChainFamily) *ratelimit.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[family]
	if !ok {
		l = ratelimit.NewLimiter(o.cfg.PollRPS, o.cfg.PollBurst, family)
		o.limiters[family] = l
	}
	return l
}

// merge fetches the event's address and applies it to every AccountID
// still tracking it.
func (o *Orchestrator) merge(ctx context.Context, ev event.PortfolioUpdateEvent) {
	family := string(ev.ChainFamily)
	ev.AccountIDs = o.resolver.ResolveAccountIDs(ev.ChainFamily, ev.Address)
	if len(ev.AccountIDs) == 0 {
		metrics.EventsUnresolvable.WithLabelValues(family).Inc()
		o.logger.Debug("dropping event for untracked address", "chain_family", family, "address", ev.Address, "error", model.ErrUnresolvableAddress)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, o.cfg.MergeTimeout)
	defer cancel()
	slice, err := o.fetcher.FetchSlice(mctx, ev.ChainFamily, ev.Address)
	if err != nil {
		metrics.MergeErrors.WithLabelValues(family).Inc()
		o.logger.Warn("merge fetch failed", "chain_family", family, "address", ev.Address, "event_id", ev.ID, "error", err)
		return
	}

	// Accounts removed while the fetch was in flight are skipped.
	ids := o.resolver.ResolveAccountIDs(ev.ChainFamily, ev.Address)
	for _, id := range ids {
		if err := o.sink.ApplyIncrement(id, slice); err != nil && !errors.Is(err, model.ErrStaleIncrement) {
			metrics.MergeErrors.WithLabelValues(family).Inc()
			o.logger.Warn("apply increment failed", "account_id", id.String(), "error", err)
		}
	}
	metrics.MergesTotal.WithLabelValues(family).Inc()
	o.logger.Debug("merged update",
		"chain_family", family,
		"address", ev.Address,
		"update_type", ev.UpdateType,
		"accounts", len(ids),
		"source", ev.SourceID,
	)
}

// Mode reports the active subscription mode for family, if any.
func (o *Orchestrator) Mode(family model.ChainFamily) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.subs[family]
	if !ok {
		return "", false
	}
	return s.mode, true
}

func scopeFingerprint(scopes []model.AddressScope) string {
	var b strings.Builder
	for _, s := range scopes {
		b.WriteString(string(s.Address))
		b.WriteByte('[')
		for i, c := range s.ChainScope {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(string(c))
		}
		b.WriteString("];")
	}
	return b.String()
}
