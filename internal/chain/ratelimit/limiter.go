package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/cygnus-wealth/portfolio-engine/internal/retry"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by all pollers of one chain family.
type Limiter struct {
	limiter *rate.Limiter
	family  model.ChainFamily
}

// NewLimiter allows rps calls per second with the given burst. A
// non-positive rps disables limiting.
func NewLimiter(rps float64, burst int, family model.ChainFamily) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		family:  family,
	}
}

// Wait blocks until one token is available or ctx is done. Exactly one
// token is consumed per successful call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.PollerRateLimitWaits.WithLabelValues(string(l.family)).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall counts one adapter call by status.
func RecordRPCCall(family model.ChainFamily, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(string(family), method, CallStatus(err)).Inc()
}

// CallStatus maps an adapter call result to a low-cardinality label.
func CallStatus(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	}
	return string(retry.Classify(err).Class)
}
