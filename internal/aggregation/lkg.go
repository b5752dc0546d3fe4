package aggregation

import (
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds how long a last-known-good result may be served.
const DefaultCacheTTL = 24 * time.Hour

// lastKnownGood keeps the most recent successful SourceResults per physical
// address for degraded fallback.
type lastKnownGood struct {
	c *gocache.Cache
}

func newLastKnownGood(ttl time.Duration) *lastKnownGood {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &lastKnownGood{c: gocache.New(ttl, ttl/4)}
}

func (l *lastKnownGood) put(key model.AddressKey, results []model.SourceResult) {
	l.c.Set(key.String(), append([]model.SourceResult(nil), results...), gocache.DefaultExpiration)
}

func (l *lastKnownGood) get(key model.AddressKey) ([]model.SourceResult, bool) {
	v, ok := l.c.Get(key.String())
	if !ok {
		return nil, false
	}
	results, ok := v.([]model.SourceResult)
	if !ok || len(results) == 0 {
		return nil, false
	}
	return append([]model.SourceResult(nil), results...), true
}

func (l *lastKnownGood) forget(key model.AddressKey) {
	l.c.Delete(key.String())
}
