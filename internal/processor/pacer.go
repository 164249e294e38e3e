package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPacer throttles outbound sends per destination pixel using an atomic
// Redis counter per one-second window. The check-and-increment runs in a Lua
// script so concurrent workers cannot race past the limit.
type RedisPacer struct {
	client      *redis.Client
	perSecond   int
	retryDelay  time.Duration
	allowScript *redis.Script
}

const pacerLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, 2)
end
return 1
`

// NewRedisPacer creates a pacer allowing perSecond sends per pixel.
func NewRedisPacer(client *redis.Client, perSecond int) *RedisPacer {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &RedisPacer{
		client:      client,
		perSecond:   perSecond,
		retryDelay:  100 * time.Millisecond,
		allowScript: redis.NewScript(pacerLuaScript),
	}
}

// Wait blocks until the pixel's current window has capacity or the context
// ends. Redis errors fail open — pacing is protective, not load-bearing.
func (p *RedisPacer) Wait(ctx context.Context, pixelID string) error {
	for {
		key := fmt.Sprintf("capi:pace:%s:%d", pixelID, time.Now().Unix())
		allowed, err := p.allowScript.Run(ctx, p.client, []string{key}, p.perSecond).Int()
		if err != nil {
			return nil
		}
		if allowed == 1 {
			return nil
		}

		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
