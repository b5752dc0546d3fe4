package identity

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
)

// Registry maps physical (family, address) pairs to the AccountIDs tracking
// them. Reads load an immutable snapshot and never block on writers.
type Registry struct {
	mu     sync.Mutex // serializes writers
	state  atomic.Pointer[state]
	logger *slog.Logger
}

type state struct {
	accounts  map[model.AccountID]model.TrackedAccount
	byAddress map[model.AddressKey][]model.AccountID
	byFamily  map[model.ChainFamily][]model.Address
}

func emptyState() *state {
	return &state{
		accounts:  make(map[model.AccountID]model.TrackedAccount),
		byAddress: make(map[model.AddressKey][]model.AccountID),
		byFamily:  make(map[model.ChainFamily][]model.Address),
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger.With("component", "identity_registry")}
	r.state.Store(emptyState())
	return r
}

// RegisterAccount inserts or replaces the record for acct.AccountID.
// Registering an identical record twice leaves the registry unchanged.
func (r *Registry) RegisterAccount(acct model.TrackedAccount) error {
	acct.Address = model.CanonicalAddress(acct.ChainFamily, string(acct.Address))
	if err := acct.Validate(); err != nil {
		return fmt.Errorf("register account: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	next := cur.clone()
	_, existed := next.accounts[acct.AccountID]
	next.accounts[acct.AccountID] = acct.Clone()
	if !existed {
		key := acct.AddressKey()
		next.byAddress[key] = insertSorted(next.byAddress[key], acct.AccountID)
		if len(next.byAddress[key]) == 1 {
			next.byFamily[key.Family] = append(next.byFamily[key.Family], key.Address)
		}
	}
	r.state.Store(next)

	r.logger.Debug("account registered",
		"account_id", acct.AccountID.String(),
		"chain_family", acct.ChainFamily,
		"updated", existed,
	)
	return nil
}

// TrackWalletAddress mints the AccountID for an address exposed by a wallet
// connection and registers it.
func (r *Registry) TrackWalletAddress(conn model.ConnectionID, family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error) {
	id, err := model.NewAccountID(conn, family, address)
	if err != nil {
		return model.AccountID{}, err
	}
	return id, r.RegisterAccount(model.TrackedAccount{
		AccountID:   id,
		Address:     id.Address(),
		ChainFamily: family,
		ChainScope:  scope,
		Label:       label,
	})
}

// TrackWatchAddress mints a watch AccountID and registers it.
func (r *Registry) TrackWatchAddress(family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error) {
	return r.TrackWalletAddress(model.WatchConnection, family, address, scope, label)
}

// UnregisterAccount removes tracking for id only. Other AccountIDs sharing
// the same physical address are unaffected. Returns false if id was unknown.
func (r *Registry) UnregisterAccount(id model.AccountID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, ok := cur.accounts[id]; !ok {
		return false
	}
	next := cur.clone()
	next.remove(id)
	r.state.Store(next)

	r.logger.Debug("account unregistered", "account_id", id.String())
	return true
}

// UnregisterConnection removes every AccountID of conn and returns them.
func (r *Registry) UnregisterConnection(conn model.ConnectionID) []model.AccountID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	var removed []model.AccountID
	for id := range cur.accounts {
		if id.Connection() == conn {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	sortIDs(removed)

	next := cur.clone()
	for _, id := range removed {
		next.remove(id)
	}
	r.state.Store(next)

	r.logger.Info("connection unregistered", "connection_id", conn, "accounts", len(removed))
	return removed
}

// ResolveAccountIDs returns every AccountID tracking (family, address), in
// a stable order. The address is canonicalized first.
func (r *Registry) ResolveAccountIDs(family model.ChainFamily, address model.Address) []model.AccountID {
	key := model.AddressKey{Family: family, Address: model.CanonicalAddress(family, string(address))}
	ids := r.state.Load().byAddress[key]
	if len(ids) == 0 {
		return nil
	}
	return append([]model.AccountID(nil), ids...)
}

// UniqueAddressesByChainFamily returns each physical address of family once.
func (r *Registry) UniqueAddressesByChainFamily(family model.ChainFamily) []model.Address {
	addrs := r.state.Load().byFamily[family]
	out := make([]model.Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddressScopes returns the unique addresses of family, each with the union
// of chain scopes of the accounts tracking it. A nil scope means all chains
// and absorbs any explicit scope.
func (r *Registry) AddressScopes(family model.ChainFamily) []model.AddressScope {
	s := r.state.Load()
	addrs := s.byFamily[family]
	out := make([]model.AddressScope, 0, len(addrs))
	for _, addr := range addrs {
		ids := s.byAddress[model.AddressKey{Family: family, Address: addr}]
		scopes := make([][]model.ChainID, 0, len(ids))
		for _, id := range ids {
			scopes = append(scopes, s.accounts[id].ChainScope)
		}
		out = append(out, model.AddressScope{Address: addr, ChainScope: UnionScopes(scopes...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UnionScopes merges chain scopes. Any empty scope yields nil (all chains).
func UnionScopes(scopes ...[]model.ChainID) []model.ChainID {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[model.ChainID]bool)
	var out []model.ChainID
	for _, sc := range scopes {
		if len(sc) == 0 {
			return nil
		}
		for _, c := range sc {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Account returns a copy of the record for id.
func (r *Registry) Account(id model.AccountID) (model.TrackedAccount, bool) {
	acct, ok := r.state.Load().accounts[id]
	if !ok {
		return model.TrackedAccount{}, false
	}
	return acct.Clone(), true
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id model.AccountID) bool {
	_, ok := r.state.Load().accounts[id]
	return ok
}

// Accounts returns copies of every record ordered by AccountID.
func (r *Registry) Accounts() []model.TrackedAccount {
	s := r.state.Load()
	out := make([]model.TrackedAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccountID.String() < out[j].AccountID.String()
	})
	return out
}

// Families returns the families with at least one tracked address.
func (r *Registry) Families() []model.ChainFamily {
	s := r.state.Load()
	out := make([]model.ChainFamily, 0, len(s.byFamily))
	for f, addrs := range s.byFamily {
		if len(addrs) > 0 {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered AccountIDs.
func (r *Registry) Len() int {
	return len(r.state.Load().accounts)
}

// CheckInvariants verifies the address index agrees with the account set.
func (r *Registry) CheckInvariants() error {
	s := r.state.Load()
	indexed := 0
	for key, ids := range s.byAddress {
		if len(ids) == 0 {
			return fmt.Errorf("address %s indexed with no accounts", key)
		}
		for _, id := range ids {
			acct, ok := s.accounts[id]
			if !ok {
				return fmt.Errorf("address %s references unknown account %s", key, id)
			}
			if acct.AddressKey() != key {
				return fmt.Errorf("account %s indexed under %s", id, key)
			}
		}
		indexed += len(ids)
	}
	if indexed != len(s.accounts) {
		return fmt.Errorf("index holds %d accounts, registry holds %d", indexed, len(s.accounts))
	}
	for family, addrs := range s.byFamily {
		for _, addr := range addrs {
			if len(s.byAddress[model.AddressKey{Family: family, Address: addr}]) == 0 {
				return fmt.Errorf("family index lists %s:%s without accounts", family, addr)
			}
		}
	}
	return nil
}

func (s *state) clone() *state {
	next := &state{
		accounts:  make(map[model.AccountID]model.TrackedAccount, len(s.accounts)+1),
		byAddress: make(map[model.AddressKey][]model.AccountID, len(s.byAddress)+1),
		byFamily:  make(map[model.ChainFamily][]model.Address, len(s.byFamily)),
	}
	for k, v := range s.accounts {
		next.accounts[k] = v
	}
	for k, v := range s.byAddress {
		next.byAddress[k] = append([]model.AccountID(nil), v...)
	}
	for k, v := range s.byFamily {
		next.byFamily[k] = append([]model.Address(nil), v...)
	}
	return next
}

// remove must only be called on a private clone.
func (s *state) remove(id model.AccountID) {
	acct, ok := s.accounts[id]
	if !ok {
		return
	}
	delete(s.accounts, id)
	key := acct.AddressKey()
	ids := s.byAddress[key]
	for i, cand := range ids {
		if cand == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) > 0 {
		s.byAddress[key] = ids
		return
	}
	delete(s.byAddress, key)
	addrs := s.byFamily[key.Family]
	for i, a := range addrs {
		if a == key.Address {
			addrs = append(addrs[:i], addrs[i+1:]...)
			break
		}
	}
	if len(addrs) == 0 {
		delete(s.byFamily, key.Family)
	} else {
		s.byFamily[key.Family] = addrs
	}
}

func insertSorted(ids []model.AccountID, id model.AccountID) []model.AccountID {
	ids = append(ids, id)
	sortIDs(ids)
	return ids
}

func sortIDs(ids []model.AccountID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
