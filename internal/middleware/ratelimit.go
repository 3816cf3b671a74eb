package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/ids"
)

// RateLimiter is a sliding-window limiter backed by one Redis sorted set per
// client, scored by request time in milliseconds.
type RateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRateLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow records a request for key. When the window is full the request is not
// counted and the time until the oldest entry expires is returned.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	redisKey := l.prefix + key
	member := ids.New()

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit: %w", err)
	}

	if card.Val() <= int64(l.limit) {
		return true, 0, nil
	}

	if err := l.rdb.ZRem(ctx, redisKey, member).Err(); err != nil {
		return false, 0, fmt.Errorf("rate limit: %w", err)
	}

	oldest, err := l.rdb.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return false, l.window, nil
	}
	retry := time.Duration(int64(oldest[0].Score)+l.window.Milliseconds()-nowMs) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return false, retry, nil
}

// RateLimit limits requests per client IP. Redis errors let the request
// through.
func RateLimit(limiter *RateLimiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retry, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests. Please wait before trying again.",
			})
			return
		}
		c.Next()
	}
}
