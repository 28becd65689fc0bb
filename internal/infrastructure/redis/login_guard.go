package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// failScript counts a failed attempt atomically: INCR the window
// counter, arm its TTL on first hit, and once the counter reaches the
// threshold flip the ban flag and drop the counter. Returns 1 when the
// subject just got banned.
var failScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
if count >= tonumber(ARGV[2]) then
  redis.call("SET", KEYS[2], "1", "EX", ARGV[3])
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// LoginGuard tracks failed logins per subject in a Redis sliding
// window and bans the subject once the threshold is crossed. All state
// lives in Redis, so every auth instance shares one view and a restart
// forgets nothing.
type LoginGuard struct {
	rdb         *goredis.Client
	maxAttempts int
	window      time.Duration
	ban         time.Duration
}

func NewLoginGuard(rdb *goredis.Client, maxAttempts int, window, ban time.Duration) *LoginGuard {
	return &LoginGuard{rdb: rdb, maxAttempts: maxAttempts, window: window, ban: ban}
}

func rateKey(subject string) string { return "auth:rate:login:" + subject }
func banKey(subject string) string  { return "auth:ban:login:" + subject }

// IsBanned reports whether the subject is currently locked out.
func (g *LoginGuard) IsBanned(ctx context.Context, subject string) (bool, error) {
	n, err := g.rdb.Exists(ctx, banKey(subject)).Result()
	if err != nil {
		return false, fmt.Errorf("ban probe: %w", err)
	}
	return n > 0, nil
}

// Fail records one failed attempt and reports whether this attempt
// tripped the ban.
func (g *LoginGuard) Fail(ctx context.Context, subject string) (bool, error) {
	keys := []string{rateKey(subject), banKey(subject)}
	args := []interface{}{
		int(g.window.Seconds()),
		g.maxAttempts,
		int(g.ban.Seconds()),
	}
	banned, err := failScript.Run(ctx, g.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed-attempt count: %w", err)
	}
	return banned == 1, nil
}

// Reset drops the failure counter after a successful login. An
// existing ban is left to expire on its own.
func (g *LoginGuard) Reset(ctx context.Context, subject string) error {
	if err := g.rdb.Del(ctx, rateKey(subject)).Err(); err != nil {
		return fmt.Errorf("counter reset: %w", err)
	}
	return nil
}
