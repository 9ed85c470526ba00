// Package addrcache memoizes a peer's last-known host and port in Redis,
// per SPEC_FULL.md's address-cache component. pcm.Manager stores into it
// after a direct connection wins; nothing in this module calls Lookup, so
// GetOrAdd always dials the host/port its caller passes in.
package addrcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour
const keyPrefix = "slskpeer:addr:"

// RedisResolver implements pcm.AddressResolver over a caller-supplied
// redis.Cmdable, matching the constructor-injection shape of the teacher's
// own Redis-backed client rather than dialing one internally. redis.Cmdable
// rather than the concrete *redis.Client lets tests substitute a fake.
type RedisResolver struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps an already-configured redis.Client (or any redis.Cmdable).
// Callers build the client from config.REDIS_URI/REDIS_PASSWORD/REDIS_DB
// the same way the rest of this codebase's ambient config is loaded.
func New(rdb redis.Cmdable, logger *slog.Logger) *RedisResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResolver{rdb: rdb, ttl: defaultTTL, logger: logger}
}

func addrKey(username string) string {
	return keyPrefix + username
}

// Lookup returns the last host/port remembered for username, if any and
// still within the TTL window Redis itself enforces via key expiry.
func (r *RedisResolver) Lookup(ctx context.Context, username string) (string, uint32, bool) {
	val, err := r.rdb.Get(ctx, addrKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false
	}
	if err != nil {
		r.logger.Warn("addrcache lookup failed", "username", username, "error", err)
		return "", 0, false
	}
	host, portStr, found := strings.Cut(val, "|")
	if !found {
		return "", 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return "", 0, false
	}
	return host, uint32(port), true
}

// Remember stores host/port for username, refreshing the TTL on every
// successful direct connection so active peers stay warm in the cache.
func (r *RedisResolver) Remember(ctx context.Context, username, host string, port uint32) {
	val := fmt.Sprintf("%s|%d", host, port)
	if err := r.rdb.Set(ctx, addrKey(username), val, r.ttl).Err(); err != nil {
		r.logger.Warn("addrcache remember failed", "username", username, "error", err)
	}
}
