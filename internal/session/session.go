// Package session owns the lifecycle of one tracking session: the account
// registry, the aggregation engine, live subscriptions and the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/alert"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/identity"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/cygnus-wealth/portfolio-engine/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultVerifyInterval  = time.Minute
	trackFetchTimeout      = 15 * time.Second
)

// ErrNotTracked is returned when untracking an unknown AccountID.
var ErrNotTracked = errors.New("account not tracked")

// Aggregator is the part of the aggregation engine a session drives.
type Aggregator interface {
	Aggregate(ctx context.Context, accounts []model.TrackedAccount) (*model.Portfolio, error)
	FetchSlice(ctx context.Context, family model.ChainFamily, address model.Address) (model.AddressSlice, error)
	CancelUnreferenced() int
	Forget(keys ...model.AddressKey)
}

// Subscriber keeps live subscriptions in line with the registry.
type Subscriber interface {
	Run(ctx context.Context) error
	Sync(ctx context.Context)
	Close()
}

type Config struct {
	RefreshInterval time.Duration
	VerifyInterval  time.Duration
	Alerter         alert.Alerter
}

type Session struct {
	registry   *identity.Registry
	aggregator Aggregator
	subscriber Subscriber
	store      *store.Store
	cfg        Config
	logger     *slog.Logger

	refreshMu sync.Mutex
}

func New(registry *identity.Registry, aggregator Aggregator, subscriber Subscriber, st *store.Store, cfg Config, logger *slog.Logger) *Session {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = DefaultVerifyInterval
	}
	return &Session{
		registry:   registry,
		aggregator: aggregator,
		subscriber: subscriber,
		store:      st,
		cfg:        cfg,
		logger:     logger.With("component", "session"),
	}
}

// Refresh aggregates every tracked account and applies the result as a
// snapshot. A partial portfolio is applied; only a fatal error is returned.
// Concurrent calls run one at a time.
func (s *Session) Refresh(ctx context.Context) (*model.Portfolio, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	accounts := s.registry.Accounts()
	metrics.TrackedAccounts.Set(float64(len(accounts)))
	p, err := s.aggregator.Aggregate(ctx, accounts)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	s.store.ApplySnapshot(p)
	if p.Partial {
		s.logger.Warn("refresh partial", "version", p.Version, "degraded", p.DegradedFamilies())
	}
	return p, nil
}

// TrackWallet registers an address exposed by a wallet connection and
// loads its slice.
func (s *Session) TrackWallet(ctx context.Context, conn model.ConnectionID, family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error) {
	id, err := s.registry.TrackWalletAddress(conn, family, address, scope, label)
	if err != nil {
		return model.AccountID{}, fmt.Errorf("track wallet address: %w", err)
	}
	s.afterTrack(ctx, id)
	return id, nil
}

// TrackWatch registers a manually watched address and loads its slice.
func (s *Session) TrackWatch(ctx context.Context, family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error) {
	id, err := s.registry.TrackWatchAddress(family, address, scope, label)
	if err != nil {
		return model.AccountID{}, fmt.Errorf("track watch address: %w", err)
	}
	s.afterTrack(ctx, id)
	return id, nil
}

func (s *Session) afterTrack(ctx context.Context, id model.AccountID) {
	metrics.TrackedAccounts.Set(float64(s.registry.Len()))
	s.subscriber.Sync(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, trackFetchTimeout)
	defer cancel()
	slice, err := s.aggregator.FetchSlice(fetchCtx, id.ChainFamily(), id.Address())
	if err != nil {
		// The next refresh picks the account up.
		s.logger.Warn("initial fetch failed", "account_id", id, "error", err)
		return
	}
	if err := s.store.ApplyIncrement(id, slice); err != nil && !errors.Is(err, model.ErrStaleIncrement) {
		s.logger.Warn("apply initial slice failed", "account_id", id, "error", err)
	}
}

// Register adds or updates a fully described account and loads its slice.
func (s *Session) Register(ctx context.Context, acct model.TrackedAccount) error {
	if err := s.registry.RegisterAccount(acct); err != nil {
		return fmt.Errorf("register account: %w", err)
	}
	s.afterTrack(ctx, acct.AccountID)
	return nil
}

// Untrack removes one AccountID.
func (s *Session) Untrack(ctx context.Context, id model.AccountID) error {
	if !s.registry.UnregisterAccount(id) {
		return fmt.Errorf("%s: %w", id, ErrNotTracked)
	}
	s.teardown(ctx, []model.AccountID{id})
	return nil
}

// DisconnectConnection removes every AccountID of conn. In-flight fetches
// for addresses nothing else references are cancelled before subscriptions
// are resynced and the store slices dropped.
func (s *Session) DisconnectConnection(ctx context.Context, conn model.ConnectionID) []model.AccountID {
	removed := s.registry.UnregisterConnection(conn)
	if len(removed) == 0 {
		return nil
	}
	s.teardown(ctx, removed)
	s.logger.Info("connection disconnected", "connection_id", conn, "accounts", len(removed))
	return removed
}

func (s *Session) teardown(ctx context.Context, removed []model.AccountID) {
	metrics.TrackedAccounts.Set(float64(s.registry.Len()))
	s.aggregator.CancelUnreferenced()
	s.subscriber.Sync(ctx)
	s.store.RemoveAccounts(removed...)

	var orphaned []model.AddressKey
	for _, id := range removed {
		if len(s.registry.ResolveAccountIDs(id.ChainFamily(), id.Address())) == 0 {
			orphaned = append(orphaned, id.AddressKey())
		}
	}
	s.aggregator.Forget(orphaned...)
}

// Run starts live subscriptions and the periodic refresh and verify loops.
// It blocks until ctx is done or the initial refresh fails fatally.
func (s *Session) Run(ctx context.Context) error {
	if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, model.ErrNoResolvableAccounts) {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.subscriber.Run(ctx) })
	g.Go(func() error {
		s.every(ctx, s.cfg.RefreshInterval, func() {
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic refresh failed", "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.VerifyInterval, func() { s.verify(ctx) })
		return nil
	})
	return g.Wait()
}

func (s *Session) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Session) verify(ctx context.Context) {
	drift := s.store.VerifyTotal()
	if drift.IsZero() || s.cfg.Alerter == nil {
		return
	}
	err := s.cfg.Alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeTotalDrift,
		Title:   "Portfolio total drift corrected",
		Message: fmt.Sprintf("running total was off by %s", drift.String()),
		Fields:  map[string]string{"drift": drift.String()},
	})
	if err != nil {
		s.logger.Warn("drift alert failed", "error", err)
	}
}

// Close stops live subscriptions.
func (s *Session) Close() {
	s.subscriber.Close()
}

// Store exposes the read side for the API.
func (s *Session) Store() *store.Store { return s.store }
