// Package ratelimit bounds how often a caller may obtain credentials.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter reports whether key may perform one more operation now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process token bucket per key.
type Local struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

// NewLocal allows perMinute operations per key with the given burst.
func NewLocal(perMinute, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow(), nil
}

// StartJanitor forgets keys idle for longer than idle.
func (l *Local) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(idle)
			}
		}
	}()
}

func (l *Local) sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(l.visitors, key)
		}
	}
}

// Redis is a fixed-window counter shared by every bridge instance.
type Redis struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.Cmdable, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "voicebridge:ratelimit:",
		now:    time.Now,
	}
}

// NewRedisClient connects using a redis:// URL.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
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

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	bucket := r.now().UnixNano() / int64(r.window)
	k := r.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= r.limit, nil
}
