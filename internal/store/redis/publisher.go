package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/cygnus-wealth/portfolio-engine/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream  = "portfolio:updates"
	DefaultMaxLen  = 10000
	publishTimeout = 2 * time.Second
)

// XAdder is the part of a redis client the publisher needs.
type XAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// NewClient connects to url and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Publisher appends a compact record of every store update to a Redis
// stream so out-of-process consumers can follow the portfolio.
type Publisher struct {
	client XAdder
	stream string
	maxLen int64
	logger *slog.Logger
}

func NewPublisher(client XAdder, stream string, maxLen int64, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "redis_publisher"),
	}
}

// Handle is registered with store.OnPortfolioUpdated. Failures are logged
// and counted; they never block the store.
func (p *Publisher) Handle(u store.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, u); err != nil {
		metrics.PublishErrors.Inc()
		p.logger.Warn("publish update failed", "version", u.Version, "error", err)
	}
}

// Publish XADDs one record for u.
func (p *Publisher) Publish(ctx context.Context, u store.Update) error {
	ids := make([]string, 0, len(u.AccountIDs))
	for _, id := range u.AccountIDs {
		ids = append(ids, id.String())
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":        string(u.Kind),
			"version":     u.Version,
			"total_value": u.TotalValue.String(),
			"account_ids": strings.Join(ids, ","),
			"at":          u.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
