package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// slidingWindow admits a request when fewer than ARGV[3] members were added
// in the last ARGV[2] milliseconds. It returns 0 on admission, otherwise the
// number of milliseconds until the oldest member leaves the window.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
if wait < 1 then
  wait = 1
end
return wait
`)

// Redis is a sliding-window limiter shared by every replica using the same
// key. When Redis is unreachable it degrades to the fallback limiter.
type Redis struct {
	client   redis.UniversalClient
	key      string
	limit    int
	window   time.Duration
	fallback Limiter
	log      *logrus.Logger
	now      func() time.Time
}

// NewRedis creates a distributed limiter allowing limit requests per window.
func NewRedis(client redis.UniversalClient, key string, limit int, window time.Duration, fallback Limiter, log *logrus.Logger) *Redis {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Redis{
		client:   client,
		key:      key,
		limit:    limit,
		window:   window,
		fallback: fallback,
		log:      log,
		now:      time.Now,
	}
}

// Wait blocks until the shared window admits the request or ctx is done.
func (r *Redis) Wait(ctx context.Context) error {
	for {
		wait, err := r.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordRateLimiterFallback()
			r.log.WithError(err).Warn("Distributed rate limiter unavailable, using local limiter")
			return r.fallback.Wait(ctx)
		}
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) acquire(ctx context.Context) (time.Duration, error) {
	nowMs := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.key},
		nowMs, r.window.Milliseconds(), r.limit, uuid.NewString()).Int64()
	if err != nil {
		return 0, fmt.Errorf("sliding window script: %w", err)
	}
	return time.Duration(res) * time.Millisecond, nil
}
