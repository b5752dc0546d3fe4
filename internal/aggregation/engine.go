package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/alert"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/circuitbreaker"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/identity"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/cygnus-wealth/portfolio-engine/internal/retry"
	"github.com/cygnus-wealth/portfolio-engine/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSourceTimeout      = 10 * time.Second
	DefaultAggregationTimeout = 30 * time.Second
)

// Failure reasons reported in SourceStatus.Reason.
const (
	ReasonNoAdapter          = "no_adapter"
	ReasonCircuitOpen        = "circuit_open"
	ReasonTimeout            = "timeout"
	ReasonAggregationTimeout = "aggregation_timeout"
	ReasonCancelled          = "cancelled"
	ReasonPartial            = "partial"
	ReasonError              = "error"
)

type Config struct {
	// SourceTimeout bounds one family's adapter call unless overridden in
	// FamilyTimeouts.
	SourceTimeout  time.Duration
	FamilyTimeouts map[model.ChainFamily]time.Duration
	// AggregationTimeout bounds a whole Aggregate call. Families still
	// pending at the deadline are served from cache.
	AggregationTimeout time.Duration
	CacheTTL           time.Duration
	Breaker            circuitbreaker.Config
	UnhealthyThreshold int
	// Alerter receives degraded/recovered notifications. Optional.
	Alerter alert.Alerter
}

func (c Config) timeoutFor(f model.ChainFamily) time.Duration {
	if d, ok := c.FamilyTimeouts[f]; ok && d > 0 {
		return d
	}
	return c.SourceTimeout
}

// Engine fans balance requests out to one adapter per chain family and
// reconciles the results into a Portfolio.
type Engine struct {
	registry *identity.Registry
	adapters map[model.ChainFamily]chain.Adapter
	cfg      Config
	lkg      *lastKnownGood
	breakers map[model.ChainFamily]*circuitbreaker.Breaker
	health   map[model.ChainFamily]*SourceHealth
	tracer   trace.Tracer
	logger   *slog.Logger
	nowFn    func() time.Time

	version atomic.Uint64

	inflightMu sync.Mutex
	inflightID uint64
	inflight   map[uint64]*inflightCall
}

type inflightCall struct {
	family    model.ChainFamily
	addresses []model.Address
	cancel    context.CancelCauseFunc
}

var errUnreferenced = errors.New("addresses no longer tracked")

func New(registry *identity.Registry, adapters []chain.Adapter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.AggregationTimeout <= 0 {
		cfg.AggregationTimeout = DefaultAggregationTimeout
	}
	e := &Engine{
		registry: registry,
		adapters: make(map[model.ChainFamily]chain.Adapter, len(adapters)),
		cfg:      cfg,
		lkg:      newLastKnownGood(cfg.CacheTTL),
		breakers: make(map[model.ChainFamily]*circuitbreaker.Breaker),
		health:   make(map[model.ChainFamily]*SourceHealth),
		tracer:   tracing.Tracer("portfolio/aggregation"),
		logger:   logger.With("component", "aggregation"),
		nowFn:    time.Now,
		inflight: make(map[uint64]*inflightCall),
	}
	for _, a := range adapters {
		e.adapters[a.ChainFamily()] = a
	}
	for _, f := range model.AllChainFamilies() {
		bc := cfg.Breaker
		bc.Name = string(f)
		userHook := cfg.Breaker.OnStateChange
		bc.OnStateChange = func(name string, from, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			e.logger.Info("circuit breaker state change", "chain_family", name, "from", from.String(), "to", to.String())
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		e.breakers[f] = circuitbreaker.New(bc)
		e.health[f] = NewSourceHealth(f, cfg.UnhealthyThreshold)
	}
	return e
}

// familyOutcome is what one family contributed to an aggregation.
type familyOutcome struct {
	family    model.ChainFamily
	results   map[model.Address][]model.SourceResult
	fromCache map[model.Address]bool
	status    model.SourceStatus
}

// Aggregate builds a Portfolio for accounts. Partial success is the normal
// outcome; the only error is ErrNoResolvableAccounts.
func (e *Engine) Aggregate(ctx context.Context, accounts []model.TrackedAccount) (*model.Portfolio, error) {
	start := e.nowFn()
	metrics.AggregationsTotal.Inc()
	ctx, span := e.tracer.Start(ctx, "aggregation.aggregate", trace.WithAttributes(attribute.Int("accounts", len(accounts))))
	defer span.End()

	ctx, cancel := context.WithTimeoutCause(ctx, e.cfg.AggregationTimeout, model.ErrAggregationTimeout)
	defer cancel()

	requested := make(map[model.AccountID]model.TrackedAccount, len(accounts))
	scopes := make(map[model.ChainFamily]map[model.Address][][]model.ChainID)
	for _, acct := range accounts {
		registered, ok := e.registry.Account(acct.AccountID)
		if !ok {
			e.logger.Warn("account not registered, skipping", "account_id", acct.AccountID.String())
			continue
		}
		requested[registered.AccountID] = registered
		byAddr, ok := scopes[registered.ChainFamily]
		if !ok {
			byAddr = make(map[model.Address][][]model.ChainID)
			scopes[registered.ChainFamily] = byAddr
		}
		byAddr[registered.Address] = append(byAddr[registered.Address], registered.ChainScope)
	}
	if len(accounts) > 0 && len(requested) == 0 {
		span.SetStatus(codes.Error, model.ErrNoResolvableAccounts.Error())
		return nil, model.ErrNoResolvableAccounts
	}

	families := make([]model.ChainFamily, 0, len(scopes))
	for f := range scopes {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	// Failures are isolated per family, so the group never cancels siblings.
	outcomes := make([]familyOutcome, len(families))
	var g errgroup.Group
	for i, f := range families {
		reqs := toScopes(scopes[f])
		g.Go(func() error {
			outcomes[i] = e.fetchFamily(ctx, f, reqs)
			return nil
		})
	}
	_ = g.Wait()

	current := make(map[model.AddressKey][]model.SourceResult)
	fromCache := make(map[model.AddressKey]bool)
	sources := make(map[model.ChainFamily]model.SourceStatus, len(outcomes))
	for _, o := range outcomes {
		sources[o.family] = o.status
		for addr, rs := range o.results {
			key := model.AddressKey{Family: o.family, Address: addr}
			current[key] = rs
			fromCache[key] = o.fromCache[addr]
		}
	}
	e.dropEchoes(current)

	var portfolios []model.AccountPortfolio
	attributed := make(map[model.AccountID]bool, len(requested))
	for key, rs := range current {
		slice := MergeResults(key.Family, key.Address, rs)
		slice.Degraded = fromCache[key]
		for _, id := range e.registry.ResolveAccountIDs(key.Family, key.Address) {
			acct, ok := requested[id]
			if !ok {
				continue
			}
			attributed[id] = true
			portfolios = append(portfolios, model.AccountPortfolio{AccountID: id, Label: acct.Label, AddressSlice: slice.Clone()})
		}
	}
	for id, acct := range requested {
		// Accounts unregistered during the fan-out are excluded.
		if attributed[id] || !e.registry.Contains(id) {
			continue
		}
		portfolios = append(portfolios, model.AccountPortfolio{
			AccountID: id,
			Label:     acct.Label,
			AddressSlice: model.AddressSlice{
				ChainFamily: acct.ChainFamily,
				Address:     acct.Address,
				Degraded:    sources[acct.ChainFamily].State != model.SourceStateOK,
			},
		})
	}

	p := model.AssemblePortfolio(e.version.Add(1), e.nowFn(), portfolios, sources)
	metrics.AggregationLatency.Observe(e.nowFn().Sub(start).Seconds())
	metrics.PortfolioTotalValue.Set(p.TotalValue.InexactFloat64())
	if p.Partial {
		metrics.AggregationPartial.Inc()
		span.SetAttributes(attribute.Bool("partial", true))
	}
	e.logger.Info("aggregation complete",
		"version", p.Version,
		"accounts", len(p.AccountBreakdown),
		"families", len(families),
		"partial", p.Partial,
		"duration", e.nowFn().Sub(start),
	)
	return p, nil
}

// FetchSlice fetches one physical address under the same timeout and
// breaker policy as Aggregate. It never falls back to cache: an error means
// no fresh data is available.
func (e *Engine) FetchSlice(ctx context.Context, family model.ChainFamily, address model.Address) (model.AddressSlice, error) {
	address = model.CanonicalAddress(family, string(address))
	var scopes [][]model.ChainID
	for _, id := range e.registry.ResolveAccountIDs(family, address) {
		if acct, ok := e.registry.Account(id); ok {
			scopes = append(scopes, acct.ChainScope)
		}
	}
	if len(scopes) == 0 {
		return model.AddressSlice{}, fmt.Errorf("fetch %s:%s: %w", family, address, model.ErrUnresolvableAddress)
	}

	req := model.AddressScope{Address: address, ChainScope: identity.UnionScopes(scopes...)}
	o := e.fetchFamily(ctx, family, []model.AddressScope{req})
	rs, ok := o.results[address]
	if !ok || o.fromCache[address] {
		return model.AddressSlice{}, &model.SourceError{ChainFamily: family, Reason: o.status.Reason, Err: errors.New(o.status.Error)}
	}

	if family == model.ChainFamilyCEX {
		current := map[model.AddressKey][]model.SourceResult{{Family: family, Address: address}: rs}
		e.dropEchoes(current)
		rs = current[model.AddressKey{Family: family, Address: address}]
	}
	return MergeResults(family, address, rs), nil
}

// CancelUnreferenced cancels in-flight adapter calls whose addresses no
// longer resolve to any AccountID. Returns the number cancelled.
func (e *Engine) CancelUnreferenced() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	n := 0
	for _, call := range e.inflight {
		referenced := false
		for _, addr := range call.addresses {
			if len(e.registry.ResolveAccountIDs(call.family, addr)) > 0 {
				referenced = true
				break
			}
		}
		if !referenced {
			call.cancel(errUnreferenced)
			n++
		}
	}
	if n > 0 {
		e.logger.Info("cancelled unreferenced fetches", "count", n)
	}
	return n
}

// Forget drops cached results for addresses no longer tracked.
func (e *Engine) Forget(keys ...model.AddressKey) {
	for _, k := range keys {
		e.lkg.forget(k)
	}
}

// Health returns per-family health for families with an adapter.
func (e *Engine) Health() []HealthSnapshot {
	out := make([]HealthSnapshot, 0, len(e.adapters))
	for _, f := range model.AllChainFamilies() {
		if _, ok := e.adapters[f]; !ok {
			continue
		}
		snap := e.health[f].Snapshot()
		snap.BreakerState = e.breakers[f].State().String()
		out = append(out, snap)
	}
	return out
}

// Adapter returns the adapter registered for family.
func (e *Engine) Adapter(family model.ChainFamily) (chain.Adapter, bool) {
	a, ok := e.adapters[family]
	return a, ok
}

func (e *Engine) fetchFamily(ctx context.Context, family model.ChainFamily, reqs []model.AddressScope) familyOutcome {
	ctx, span := e.tracer.Start(ctx, "aggregation.fetch_family", trace.WithAttributes(
		attribute.String("chain_family", string(family)),
		attribute.Int("addresses", len(reqs)),
	))
	defer span.End()

	out := familyOutcome{
		family:    family,
		results:   make(map[model.Address][]model.SourceResult),
		fromCache: make(map[model.Address]bool),
		status:    model.SourceStatus{ChainFamily: family, State: model.SourceStateOK, Addresses: len(reqs)},
	}
	adapter, ok := e.adapters[family]
	if !ok {
		e.fallback(&out, reqs, ReasonNoAdapter, fmt.Errorf("no adapter for %s", family))
		return out
	}
	br := e.breakers[family]
	if err := br.Allow(); err != nil {
		e.fallback(&out, reqs, ReasonCircuitOpen, err)
		return out
	}

	start := e.nowFn()
	results, reason, err := e.call(ctx, family, adapter, reqs)
	latency := e.nowFn().Sub(start)
	metrics.SourceFetchLatency.WithLabelValues(string(family)).Observe(latency.Seconds())

	for _, r := range results {
		addr := model.CanonicalAddress(family, string(r.Address))
		r.Address = addr
		out.results[addr] = append(out.results[addr], r)
	}
	for addr, rs := range out.results {
		e.lkg.put(model.AddressKey{Family: family, Address: addr}, rs)
	}

	var pf *chain.PartialFailure
	switch {
	case err == nil:
		br.RecordSuccess()
		e.recordSuccess(family, latency)
	case errors.As(err, &pf) && len(results) > 0:
		br.RecordSuccess()
		e.recordSuccess(family, latency)
		var failed []model.AddressScope
		for _, req := range reqs {
			if pf.AddressFailed(req.Address) {
				failed = append(failed, req)
			}
		}
		metrics.SourceFetchErrors.WithLabelValues(string(family), string(retry.ClassTransient)).Inc()
		e.fallback(&out, failed, ReasonPartial, err)
		out.status.State = model.SourceStateDegraded
	default:
		decision := retry.Classify(err)
		metrics.SourceFetchErrors.WithLabelValues(string(family), string(decision.Class)).Inc()
		if decision.IsTransient() && reason != ReasonCancelled {
			br.RecordFailure()
			e.recordFailure(family, err)
		} else {
			br.Release()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		e.logger.Warn("source fetch failed",
			"chain_family", family,
			"reason", reason,
			"class", decision.Class,
			"addresses", len(reqs),
			"error", err,
		)
		e.fallback(&out, reqs, reason, err)
	}
	out.status.LastSuccessAt = e.health[family].LastSuccessAt()
	return out
}

// call runs the adapter under the family timeout. An adapter that ignores
// ctx is abandoned at the deadline and its late result discarded.
func (e *Engine) call(ctx context.Context, family model.ChainFamily, adapter chain.Adapter, reqs []model.AddressScope) ([]model.SourceResult, string, error) {
	tctx, cancelTimeout := context.WithTimeout(ctx, e.cfg.timeoutFor(family))
	defer cancelTimeout()
	cctx, cancel := context.WithCancelCause(tctx)
	defer cancel(nil)

	id := e.trackInflight(family, reqs, cancel)
	defer e.untrackInflight(id)

	type reply struct {
		results []model.SourceResult
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		rs, err := adapter.GetBalances(cctx, reqs)
		ch <- reply{rs, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && cctx.Err() != nil {
			return r.results, reasonFor(ctx, tctx, cctx), r.err
		}
		return r.results, ReasonError, r.err
	case <-cctx.Done():
		reason := reasonFor(ctx, tctx, cctx)
		return nil, reason, fmt.Errorf("%s fetch abandoned (%s): %w", family, reason, context.Cause(cctx))
	}
}

func reasonFor(parent, timeout, call context.Context) string {
	switch {
	case parent.Err() != nil && errors.Is(context.Cause(parent), model.ErrAggregationTimeout):
		return ReasonAggregationTimeout
	case parent.Err() != nil:
		return ReasonCancelled
	case timeout.Err() != nil:
		return ReasonTimeout
	case errors.Is(context.Cause(call), errUnreferenced):
		return ReasonCancelled
	default:
		return ReasonError
	}
}

// fallback serves reqs from the last-known-good cache and marks the family
// status accordingly.
func (e *Engine) fallback(out *familyOutcome, reqs []model.AddressScope, reason string, err error) {
	out.status.State = model.SourceStateFailed
	out.status.Reason = reason
	if err != nil {
		out.status.Error = err.Error()
	}
	out.status.FailedAddresses += len(reqs)
	for _, req := range reqs {
		key := model.AddressKey{Family: out.family, Address: req.Address}
		rs, ok := e.lkg.get(key)
		if !ok {
			continue
		}
		out.results[req.Address] = rs
		out.fromCache[req.Address] = true
		out.status.FromCache = true
		metrics.SourceCacheFallbacks.WithLabelValues(string(out.family)).Inc()
	}
}

// dropEchoes reconciles CEX echoes in current against on-chain results from
// this run, or cached ones for tracked addresses.
func (e *Engine) dropEchoes(current map[model.AddressKey][]model.SourceResult) {
	lookup := func(key model.AddressKey) ([]model.SourceResult, bool) {
		if rs, ok := current[key]; ok {
			return rs, true
		}
		if len(e.registry.ResolveAccountIDs(key.Family, key.Address)) == 0 {
			return nil, false
		}
		return e.lkg.get(key)
	}
	for key, rs := range current {
		if key.Family != model.ChainFamilyCEX {
			continue
		}
		kept, dropped := DropEchoes(rs, lookup)
		if dropped > 0 {
			metrics.EchoAssetsDropped.WithLabelValues(string(key.Family)).Add(float64(dropped))
			e.logger.Debug("dropped cex echo assets", "address", key.Address, "count", dropped)
		}
		current[key] = kept
	}
}

func (e *Engine) recordSuccess(family model.ChainFamily, latency time.Duration) {
	h := e.health[family]
	recovered := h.RecordSuccess(latency)
	metrics.SourceHealthStatus.WithLabelValues(string(family)).Set(h.Status().gaugeValue())
	if recovered {
		e.sendAlert(alert.Alert{
			Type:        alert.AlertTypeSourceRecovered,
			ChainFamily: string(family),
			Title:       "source recovered",
			Message:     "live data restored",
		})
	}
}

func (e *Engine) recordFailure(family model.ChainFamily, err error) {
	h := e.health[family]
	becameUnhealthy := h.RecordFailure(err)
	metrics.SourceHealthStatus.WithLabelValues(string(family)).Set(h.Status().gaugeValue())
	if becameUnhealthy {
		e.sendAlert(alert.Alert{
			Type:        alert.AlertTypeSourceDegraded,
			ChainFamily: string(family),
			Title:       "source unhealthy",
			Message:     "serving last known balances",
			Fields:      map[string]string{"error": err.Error()},
		})
	}
}

func (e *Engine) sendAlert(a alert.Alert) {
	if e.cfg.Alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cfg.Alerter.Send(ctx, a); err != nil {
			e.logger.Warn("alert failed", "type", a.Type, "error", err)
		}
	}()
}

func (e *Engine) trackInflight(family model.ChainFamily, reqs []model.AddressScope, cancel context.CancelCauseFunc) uint64 {
	addrs := make([]model.Address, len(reqs))
	for i, r := range reqs {
		addrs[i] = r.Address
	}
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	e.inflightID++
	e.inflight[e.inflightID] = &inflightCall{family: family, addresses: addrs, cancel: cancel}
	return e.inflightID
}

func (e *Engine) untrackInflight(id uint64) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func toScopes(byAddr map[model.Address][][]model.ChainID) []model.AddressScope {
	out := make([]model.AddressScope, 0, len(byAddr))
	for addr, scopes := range byAddr {
		out = append(out, model.AddressScope{Address: addr, ChainScope: identity.UnionScopes(scopes...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
