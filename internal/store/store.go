// Package store holds the current portfolio view. Two producers write to it:
// aggregation snapshots and per-address increments.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/shopspring/decimal"
)

// UpdateKind says which producer changed the store.
type UpdateKind string

const (
	UpdateSnapshot  UpdateKind = "snapshot"
	UpdateIncrement UpdateKind = "increment"
	UpdateRemoval   UpdateKind = "removal"
)

// Update is passed to OnPortfolioUpdated callbacks.
type Update struct {
	Kind       UpdateKind
	Version    uint64
	AccountIDs []model.AccountID
	TotalValue decimal.Decimal
	At         time.Time
}

type slot struct {
	mu            sync.Mutex
	portfolio     model.AccountPortfolio
	fromIncrement bool
}

// ledgerEntry is the value one physical address contributes to the total.
type ledgerEntry struct {
	value     decimal.Decimal
	updatedAt time.Time
	accounts  map[model.AccountID]bool
}

// Store serializes writes per AccountID. Snapshots take the write side of
// rw; increments take the read side plus the account's slot lock, so
// increments for different accounts run concurrently.
type Store struct {
	rw sync.RWMutex

	slotsMu sync.Mutex
	slots   map[model.AccountID]*slot

	ledgerMu    sync.Mutex
	ledger      map[model.AddressKey]*ledgerEntry
	total       decimal.Decimal
	version     uint64
	generatedAt time.Time
	sources     map[model.ChainFamily]model.SourceStatus

	cbMu      sync.RWMutex
	callbacks map[int]func(Update)
	nextCB    int

	logger *slog.Logger
	nowFn  func() time.Time
}

func New(logger *slog.Logger) *Store {
	return &Store{
		slots:     make(map[model.AccountID]*slot),
		ledger:    make(map[model.AddressKey]*ledgerEntry),
		total:     decimal.Zero,
		sources:   make(map[model.ChainFamily]model.SourceStatus),
		callbacks: make(map[int]func(Update)),
		logger:    logger.With("component", "store"),
		nowFn:     time.Now,
	}
}

// OnPortfolioUpdated registers cb and returns a func that removes it.
// Callbacks run synchronously after the write completes, with no store
// lock held.
func (s *Store) OnPortfolioUpdated(cb func(Update)) func() {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := s.nextCB
	s.nextCB++
	s.callbacks[id] = cb
	return func() {
		s.cbMu.Lock()
		delete(s.callbacks, id)
		s.cbMu.Unlock()
	}
}

func (s *Store) notify(u Update) {
	s.cbMu.RLock()
	ids := make([]int, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.callbacks[id])
	}
	s.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(u)
	}
}

// ApplySnapshot replaces the store contents with p. An account slice that
// is strictly newer than the snapshot's is preserved, whether it came from
// an increment or an earlier snapshot; on equal timestamps the snapshot wins.
// Source statuses from a snapshot generated before the current one are
// ignored.
func (s *Store) ApplySnapshot(p *model.Portfolio) {
	if p == nil {
		return
	}
	u := s.applySnapshot(p)
	s.notify(u)
}

func (s *Store) applySnapshot(p *model.Portfolio) Update {
	s.rw.Lock()
	defer s.rw.Unlock()

	next := make(map[model.AccountID]*slot, len(p.AccountBreakdown))
	preserved := 0
	for id, ap := range p.AccountBreakdown {
		if cur, ok := s.slots[id]; ok && cur.portfolio.UpdatedAt.After(ap.UpdatedAt) {
			next[id] = &slot{portfolio: cur.portfolio, fromIncrement: cur.fromIncrement}
			preserved++
			continue
		}
		next[id] = &slot{portfolio: ap.Clone()}
	}

	s.slotsMu.Lock()
	s.slots = next
	s.slotsMu.Unlock()

	s.ledgerMu.Lock()
	s.rebuildLedgerLocked()
	if p.Version > s.version {
		s.version = p.Version
	} else {
		s.version++
	}
	if !p.GeneratedAt.Before(s.generatedAt) {
		s.generatedAt = p.GeneratedAt
		s.sources = make(map[model.ChainFamily]model.SourceStatus, len(p.Sources))
		for f, st := range p.Sources {
			s.sources[f] = st
		}
	}
	u := Update{Kind: UpdateSnapshot, Version: s.version, TotalValue: s.total, At: s.nowFn()}
	s.ledgerMu.Unlock()

	for id := range next {
		u.AccountIDs = append(u.AccountIDs, id)
	}
	sortIDs(u.AccountIDs)

	metrics.SnapshotsApplied.Inc()
	metrics.PreservedSlices.Add(float64(preserved))
	metrics.PortfolioTotalValue.Set(u.TotalValue.InexactFloat64())
	s.logger.Info("snapshot applied", "version", u.Version, "accounts", len(next), "preserved", preserved)
	return u
}

// ApplyIncrement replaces one account's slice. It returns
// model.ErrStaleIncrement unless slice is strictly newer than the current
// one, so applying the same increment twice is a no-op.
//
// An on-chain increment also strips CEX echo assets that mirror the same
// address, so the holding is counted once.
func (s *Store) ApplyIncrement(id model.AccountID, slice model.AddressSlice) error {
	u, err := s.applyIncrement(id, slice)
	if err != nil {
		return err
	}
	s.notify(u)
	if slice.ChainFamily.IsOnChain() {
		if eu, ok := s.dropEchoes(slice); ok {
			s.notify(eu)
		}
	}
	return nil
}

func (s *Store) applyIncrement(id model.AccountID, slice model.AddressSlice) (Update, error) {
	if slice.AddressKey() != id.AddressKey() {
		return Update{}, fmt.Errorf("increment for %s carries slice of %s", id, slice.AddressKey())
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	sl, existed := s.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if existed && !slice.UpdatedAt.After(sl.portfolio.UpdatedAt) {
		metrics.StaleIncrements.WithLabelValues(string(id.ChainFamily())).Inc()
		return Update{}, fmt.Errorf("%s at %s: %w", id, slice.UpdatedAt.Format(time.RFC3339Nano), model.ErrStaleIncrement)
	}
	sl.portfolio.AccountID = id
	sl.portfolio.AddressSlice = slice.Clone()
	sl.fromIncrement = true

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	key := slice.AddressKey()
	entry, ok := s.ledger[key]
	switch {
	case !ok:
		s.ledger[key] = &ledgerEntry{value: slice.TotalValue, updatedAt: slice.UpdatedAt, accounts: map[model.AccountID]bool{id: true}}
		s.total = s.total.Add(slice.TotalValue)
	default:
		entry.accounts[id] = true
		if slice.UpdatedAt.After(entry.updatedAt) {
			s.total = s.total.Add(slice.TotalValue.Sub(entry.value))
			entry.value = slice.TotalValue
			entry.updatedAt = slice.UpdatedAt
		}
	}
	s.version++
	metrics.PortfolioTotalValue.Set(s.total.InexactFloat64())
	return Update{Kind: UpdateIncrement, Version: s.version, AccountIDs: []model.AccountID{id}, TotalValue: s.total, At: s.nowFn()}, nil
}

// dropEchoes removes echo assets of onchain's address from every CEX slot.
// The slot keeps its UpdatedAt, so newer CEX data still applies.
func (s *Store) dropEchoes(onchain model.AddressSlice) (Update, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()

	s.slotsMu.Lock()
	cex := make(map[model.AccountID]*slot)
	for id, sl := range s.slots {
		if id.ChainFamily() == model.ChainFamilyCEX {
			cex[id] = sl
		}
	}
	s.slotsMu.Unlock()

	var changed []model.AccountID
	dropped := 0
	for id, sl := range cex {
		sl.mu.Lock()
		before := sl.portfolio.TotalValue
		kept := sl.portfolio.Assets[:0:0]
		for _, a := range sl.portfolio.Assets {
			if a.EchoFamily == onchain.ChainFamily && a.EchoAddress == onchain.Address && a.EchoedBy(onchain.Assets) {
				dropped++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == len(sl.portfolio.Assets) {
			sl.mu.Unlock()
			continue
		}
		sl.portfolio.Assets = kept
		sl.portfolio.RecomputeValue()

		s.ledgerMu.Lock()
		if entry, ok := s.ledger[id.AddressKey()]; ok && entry.updatedAt.Equal(sl.portfolio.UpdatedAt) && entry.value.Equal(before) {
			s.total = s.total.Add(sl.portfolio.TotalValue.Sub(entry.value))
			entry.value = sl.portfolio.TotalValue
		}
		s.ledgerMu.Unlock()
		sl.mu.Unlock()
		changed = append(changed, id)
	}
	if len(changed) == 0 {
		return Update{}, false
	}

	metrics.EchoAssetsDropped.WithLabelValues(string(model.ChainFamilyCEX)).Add(float64(dropped))
	sortIDs(changed)
	s.ledgerMu.Lock()
	s.version++
	u := Update{Kind: UpdateIncrement, Version: s.version, AccountIDs: changed, TotalValue: s.total, At: s.nowFn()}
	s.ledgerMu.Unlock()
	metrics.PortfolioTotalValue.Set(u.TotalValue.InexactFloat64())
	s.logger.Debug("dropped cex echo assets", "chain_family", onchain.ChainFamily, "address", onchain.Address, "count", dropped)
	return u, true
}

// slot returns the slot for id, creating an empty one if needed.
func (s *Store) slot(id model.AccountID) (*slot, bool) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{portfolio: model.AccountPortfolio{AccountID: id}}
		s.slots[id] = sl
	}
	return sl, ok
}

// RemoveAccounts drops the given accounts and their contribution to the
// total once no remaining account references their address.
func (s *Store) RemoveAccounts(ids ...model.AccountID) {
	if len(ids) == 0 {
		return
	}
	u, removed := s.removeAccounts(ids)
	if removed {
		s.notify(u)
	}
}

func (s *Store) removeAccounts(ids []model.AccountID) (Update, bool) {
	s.rw.Lock()
	defer s.rw.Unlock()

	var removed []model.AccountID
	s.slotsMu.Lock()
	for _, id := range ids {
		if _, ok := s.slots[id]; ok {
			delete(s.slots, id)
			removed = append(removed, id)
		}
	}
	s.slotsMu.Unlock()
	if len(removed) == 0 {
		return Update{}, false
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	for _, id := range removed {
		key := id.AddressKey()
		entry, ok := s.ledger[key]
		if !ok {
			continue
		}
		delete(entry.accounts, id)
		if len(entry.accounts) == 0 {
			s.total = s.total.Sub(entry.value)
			delete(s.ledger, key)
		}
	}
	s.version++
	metrics.PortfolioTotalValue.Set(s.total.InexactFloat64())
	sortIDs(removed)
	return Update{Kind: UpdateRemoval, Version: s.version, AccountIDs: removed, TotalValue: s.total, At: s.nowFn()}, true
}

// VerifyTotal resums the ledger from the account slices and corrects the
// running total. Returns the drift that was corrected.
func (s *Store) VerifyTotal() decimal.Decimal {
	s.rw.Lock()
	defer s.rw.Unlock()
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	before := s.total
	s.rebuildLedgerLocked()
	drift := before.Sub(s.total)
	if !drift.IsZero() {
		metrics.TotalDriftCorrections.Inc()
		s.logger.Warn("total drift corrected", "running", before.String(), "resummed", s.total.String())
	}
	return drift
}

// rebuildLedgerLocked recomputes ledger and total from slots. Requires the
// write side of rw and ledgerMu.
func (s *Store) rebuildLedgerLocked() {
	ledger := make(map[model.AddressKey]*ledgerEntry, len(s.slots))
	for id, sl := range s.slots {
		ap := sl.portfolio
		key := id.AddressKey()
		entry, ok := ledger[key]
		if !ok {
			entry = &ledgerEntry{value: ap.TotalValue, updatedAt: ap.UpdatedAt, accounts: make(map[model.AccountID]bool)}
			ledger[key] = entry
		} else if ap.UpdatedAt.After(entry.updatedAt) {
			entry.value = ap.TotalValue
			entry.updatedAt = ap.UpdatedAt
		}
		entry.accounts[id] = true
	}
	total := decimal.Zero
	for _, e := range ledger {
		total = total.Add(e.value)
	}
	s.ledger = ledger
	s.total = total
}

// GetPortfolio returns a consistent copy of the whole view.
func (s *Store) GetPortfolio() *model.Portfolio {
	s.rw.RLock()
	defer s.rw.RUnlock()

	aps := s.snapshotSlots(nil)

	s.ledgerMu.Lock()
	version, generatedAt, total := s.version, s.generatedAt, s.total
	sources := make(map[model.ChainFamily]model.SourceStatus, len(s.sources))
	for f, st := range s.sources {
		sources[f] = st
	}
	s.ledgerMu.Unlock()

	p := model.AssemblePortfolio(version, generatedAt, aps, sources)
	p.TotalValue = total
	return p
}

// GetAccountPortfolio returns one account's slice.
func (s *Store) GetAccountPortfolio(id model.AccountID) (model.AccountPortfolio, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	s.slotsMu.Lock()
	sl, ok := s.slots[id]
	s.slotsMu.Unlock()
	if !ok {
		return model.AccountPortfolio{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.portfolio.Clone(), true
}

// GetWalletPortfolio rolls up the accounts of one connection.
func (s *Store) GetWalletPortfolio(conn model.ConnectionID) (model.WalletPortfolio, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	aps := s.snapshotSlots(func(id model.AccountID) bool { return id.Connection() == conn })
	if len(aps) == 0 {
		return model.WalletPortfolio{}, false
	}
	p := model.AssemblePortfolio(0, time.Time{}, aps, nil)
	w, ok := p.WalletBreakdown[conn]
	return w, ok
}

// Sources returns the per-family status of the last snapshot.
func (s *Store) Sources() map[model.ChainFamily]model.SourceStatus {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	out := make(map[model.ChainFamily]model.SourceStatus, len(s.sources))
	for f, st := range s.sources {
		out[f] = st
	}
	return out
}

// snapshotSlots clones the slices of accounts matching keep (all if nil).
// Requires the read side of rw.
func (s *Store) snapshotSlots(keep func(model.AccountID) bool) []model.AccountPortfolio {
	s.slotsMu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for id, sl := range s.slots {
		if keep == nil || keep(id) {
			slots = append(slots, sl)
		}
	}
	s.slotsMu.Unlock()

	out := make([]model.AccountPortfolio, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.portfolio.Clone())
		sl.mu.Unlock()
	}
	return out
}

func sortIDs(ids []model.AccountID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
