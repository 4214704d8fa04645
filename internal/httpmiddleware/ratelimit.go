package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRateLimiter enforces a fixed window of requests per minute per client
// IP, counted in Redis so every API replica shares one budget.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	prefix string
	log    *logrus.Entry
}

// NewRedisRateLimiter creates a limiter allowing perMinute requests per IP.
func NewRedisRateLimiter(rdb *redis.Client, perMinute int) *RedisRateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RedisRateLimiter{
		rdb:    rdb,
		limit:  perMinute,
		prefix: "classtrack:ratelimit:",
		log:    logrus.WithField("component", "ratelimit"),
	}
}

// GinMiddleware returns the gin handler enforcing the limit. When Redis is
// unreachable the request is allowed through: rate limiting protects
// capacity, it must not become the outage.
func (l *RedisRateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		key := l.prefix + ip + ":" + time.Now().UTC().Format("200601021504")

		ctx := c.Request.Context()
		count, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			l.log.WithError(err).Warn("rate limit check failed, allowing request")
			c.Next()
			return
		}
		if count == 1 {
			l.rdb.Expire(ctx, key, 2*time.Minute)
		}
		if int(count) > l.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
