// Package ratelimit throttles OTP requests per client and per email across
// every gateway instance. Redis holds the shared counters; an in-process
// limiter stands in when Redis is not configured.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most a fixed number of hits per key and window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Policy configures a limiter.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) normalize() Policy {
	if p.Limit <= 0 {
		p.Limit = 5
	}
	if p.Window <= 0 {
		p.Window = 10 * time.Minute
	}
	return p
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis is a fixed-window limiter shared through Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedis builds a Redis limiter. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string, policy Policy) *Redis {
	if prefix == "" {
		prefix = "rl"
	}
	return &Redis{client: client, prefix: prefix, policy: policy.normalize()}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if l.client == nil {
		return Decision{}, fmt.Errorf("ratelimit: redis client is nil")
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	windowMS := l.policy.Window.Milliseconds()
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(raw) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script response")
	}
	count, ttl := raw[0], raw[1]
	d := Decision{Allowed: count <= int64(l.policy.Limit), Remaining: l.policy.Limit - int(count)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d, nil
}

// Local is an in-process token bucket per key. Buckets refill evenly so the
// long-run rate matches the policy.
type Local struct {
	mu      sync.Mutex
	policy  Policy
	buckets map[string]*rate.Limiter
}

// NewLocal builds an in-process limiter.
func NewLocal(policy Policy) *Local {
	return &Local{policy: policy.normalize(), buckets: make(map[string]*rate.Limiter)}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(l.policy.Window/time.Duration(l.policy.Limit)), l.policy.Limit)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	r := b.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.Tokens())}, nil
}

// Chain asks every limiter in turn and stops at the first rejection.
type Chain []Keyed

// Keyed pairs a limiter with the key it should be asked about.
type Keyed struct {
	Limiter Limiter
	Key     string
}

// Allow reports the first rejection, or the last decision when all admit.
func (c Chain) Allow(ctx context.Context) (Decision, error) {
	var last Decision
	for _, k := range c {
		d, err := k.Limiter.Allow(ctx, k.Key)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		last = d
	}
	last.Allowed = true
	return last, nil
}
