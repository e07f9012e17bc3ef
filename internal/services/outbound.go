package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/types"
)

// OutboundSink delivers orchestrator effects to the messaging platform.
type OutboundSink interface {
	Deliver(ctx context.Context, msg types.OutboundMessage) error
}

type stderrSink struct {
	w io.Writer
}

// NewStderrSink writes each outbound as "OUTBOUND ({channel}): {body}" to
// stderr, the minimum delivery contract.
func NewStderrSink() OutboundSink {
	return &stderrSink{w: os.Stderr}
}

func (s *stderrSink) Deliver(ctx context.Context, msg types.OutboundMessage) error {
	_, err := fmt.Fprintf(s.w, "OUTBOUND (%s): %s\n", msg.ChannelID, msg.Body)
	return err
}

type redisDedupSink struct {
	log  *logger.Logger
	rdb  *goredis.Client
	next OutboundSink
	ttl  time.Duration
}

// NewRedisDedupSink wraps a sink with idempotency-key suppression: a key
// that was already delivered within the TTL is dropped. At-least-once
// callbacks can re-emit the same outbound; the SETNX makes delivery
// effectively once per key.
func NewRedisDedupSink(log *logger.Logger, next OutboundSink) (OutboundSink, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisDedupSink{
		log:  log.With("service", "RedisDedupSink"),
		rdb:  rdb,
		next: next,
		ttl:  24 * time.Hour,
	}, nil
}

func (s *redisDedupSink) Deliver(ctx context.Context, msg types.OutboundMessage) error {
	if msg.IdempotencyKey == "" {
		return s.next.Deliver(ctx, msg)
	}
	set, err := s.rdb.SetNX(ctx, "outbound:"+msg.IdempotencyKey, 1, s.ttl).Result()
	if err != nil {
		// Dedup is an optimization; delivery must not depend on Redis.
		s.log.Warn("Outbound dedup check failed, delivering anyway", "error", err)
		return s.next.Deliver(ctx, msg)
	}
	if !set {
		s.log.Debug("Suppressed duplicate outbound", "idempotency_key", msg.IdempotencyKey)
		return nil
	}
	return s.next.Deliver(ctx, msg)
}
