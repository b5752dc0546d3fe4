package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/config"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
)

// AccountApplier is the part of a Session the watcher drives.
type AccountApplier interface {
	Register(ctx context.Context, acct model.TrackedAccount) error
	Untrack(ctx context.Context, id model.AccountID) error
}

// AccountsWatcher polls the accounts file and applies added, changed and
// removed entries. A file that fails to load leaves the tracked set as is.
type AccountsWatcher struct {
	path     string
	applier  AccountApplier
	logger   *slog.Logger
	interval time.Duration
	load     func(path string) (*config.SourcesFile, error)

	mu       sync.Mutex
	lastSeen map[model.AccountID]model.TrackedAccount
}

func NewAccountsWatcher(path string, applier AccountApplier, logger *slog.Logger, interval time.Duration) *AccountsWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AccountsWatcher{
		path:     path,
		applier:  applier,
		logger:   logger.With("component", "accounts_watcher"),
		interval: interval,
		load:     config.LoadSources,
		lastSeen: make(map[model.AccountID]model.TrackedAccount),
	}
}

// Seed records accounts registered at startup so the first poll does not
// re-apply them.
func (w *AccountsWatcher) Seed(entries []config.AccountEntry) error {
	desired, err := trackedByID(entries)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastSeen = desired
	w.mu.Unlock()
	return nil
}

func (w *AccountsWatcher) Run(ctx context.Context) error {
	w.logger.Info("accounts watcher started", "path", w.path, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *AccountsWatcher) poll(ctx context.Context) {
	f, err := w.load(w.path)
	if err != nil {
		metrics.AccountsReloads.WithLabelValues("error").Inc()
		w.logger.Warn("failed to reload accounts file", "error", err)
		return
	}
	desired, err := trackedByID(f.Accounts)
	if err != nil {
		metrics.AccountsReloads.WithLabelValues("error").Inc()
		w.logger.Warn("invalid accounts file", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[model.AccountID]model.TrackedAccount, len(desired))
	var added, removed int
	for id, acct := range desired {
		prev, ok := w.lastSeen[id]
		if ok && sameAccount(prev, acct) {
			next[id] = acct
			continue
		}
		if err := w.applier.Register(ctx, acct); err != nil {
			// Retried next poll.
			w.logger.Warn("failed to apply account", "account_id", id, "error", err)
			if ok {
				next[id] = prev
			}
			continue
		}
		next[id] = acct
		added++
	}
	for id, prev := range w.lastSeen {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := w.applier.Untrack(ctx, id); err != nil && !errors.Is(err, ErrNotTracked) {
			w.logger.Warn("failed to untrack account", "account_id", id, "error", err)
			next[id] = prev
			continue
		}
		removed++
	}
	w.lastSeen = next

	if added > 0 || removed > 0 {
		metrics.AccountsReloads.WithLabelValues("applied").Inc()
		w.logger.Info("accounts file reloaded", "applied", added, "removed", removed, "tracked", len(next))
	}
}

func trackedByID(entries []config.AccountEntry) (map[model.AccountID]model.TrackedAccount, error) {
	out := make(map[model.AccountID]model.TrackedAccount, len(entries))
	for _, e := range entries {
		acct, err := e.TrackedAccount()
		if err != nil {
			return nil, err
		}
		out[acct.AccountID] = acct
	}
	return out, nil
}

func sameAccount(a, b model.TrackedAccount) bool {
	return a.Label == b.Label && slices.Equal(a.ChainScope, b.ChainScope)
}
