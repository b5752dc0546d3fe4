package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/cache"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/event"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
)

const dedupCapacity = 4096

// intake holds one family's dedup and debounce state. Offers never block;
// merges run on the intake's own worker.
type intake struct {
	family model.ChainFamily
	window time.Duration
	dedup  *cache.LRU[string, struct{}]

	mu      sync.Mutex
	pending map[model.Address]event.PortfolioUpdateEvent
	timer   *time.Timer

	flushCh chan struct{}
}

func newIntake(family model.ChainFamily, window, dedupWindow time.Duration, nowFn func() time.Time) *intake {
	return &intake{
		family:  family,
		window:  window,
		dedup:   cache.NewLRU[string, struct{}](dedupCapacity, dedupWindow).WithClock(nowFn),
		pending: make(map[model.Address]event.PortfolioUpdateEvent),
		flushCh: make(chan struct{}, 1),
	}
}

// offer buffers ev unless an event with the same dedup key was accepted
// within the dedup window. Reports whether ev was accepted.
func (in *intake) offer(ev event.PortfolioUpdateEvent) bool {
	key, err := ev.DedupKey()
	if err != nil {
		metrics.EventsInvalid.WithLabelValues(string(in.family)).Inc()
		return false
	}
	accepted := in.dedup.PutIfAbsent(key.String(), struct{}{})
	metrics.DedupWindowEntries.WithLabelValues(string(in.family)).Set(float64(in.dedup.Len()))
	if !accepted {
		metrics.EventsDeduped.WithLabelValues(string(in.family)).Inc()
		return false
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if prev, ok := in.pending[ev.Address]; ok {
		metrics.EventsCoalesced.WithLabelValues(string(in.family)).Inc()
		if prev.Timestamp.After(ev.Timestamp) {
			ev.Timestamp = prev.Timestamp
		}
	}
	in.pending[ev.Address] = ev

	switch {
	case in.window <= 0:
		in.signal()
	case in.timer == nil:
		in.timer = time.AfterFunc(in.window, in.signal)
	}
	return true
}

func (in *intake) signal() {
	select {
	case in.flushCh <- struct{}{}:
	default:
	}
}

// take drains the buffer, ordered by address.
func (in *intake) take() []event.PortfolioUpdateEvent {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	out := make([]event.PortfolioUpdateEvent, 0, len(in.pending))
	for _, ev := range in.pending {
		out = append(out, ev)
	}
	clear(in.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// run flushes batches into merge until ctx is done.
func (in *intake) run(ctx context.Context, merge func(context.Context, event.PortfolioUpdateEvent)) {
	for {
		select {
		case <-ctx.Done():
			in.take()
			return
		case <-in.flushCh:
			for _, ev := range in.take() {
				if ctx.Err() != nil {
					return
				}
				merge(ctx, ev)
			}
		}
	}
}
