package guard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// State is the escalation ladder position for one tracked dimension.
// Ordering matters: a higher state is always a stricter penalty.
type State uint8

const (
	StateNormal State = iota
	StateChallenge
	StateDelay
	StateLocked
	StateAlert
)

func (s State) String() string {
	switch s {
	case StateChallenge:
		return "challenge"
	case StateDelay:
		return "delay"
	case StateLocked:
		return "locked"
	case StateAlert:
		return "alert"
	default:
		return "normal"
	}
}

// Ladder sets the failure counts at which each escalation state engages.
// A zero threshold disables that state.
type Ladder struct {
	Challenge int
	Delay     int
	Lock      int
	Alert     int
}

// Config tunes one limiter instance. Scope namespaces the Redis keys so
// independent ladders (first factor vs second factor) never share state.
type Config struct {
	Scope        string
	Window       time.Duration
	LockDuration time.Duration
	DelayStep    time.Duration
	MaxDelay     time.Duration
	Identifier   Ladder
	Address      Ladder

	// Per-process fallback budget used when Redis is unreachable.
	FallbackRate  float64
	FallbackBurst int
}

// Decision is the outcome for a single ladder dimension.
type Decision struct {
	State      State
	Failures   int
	RetryAfter time.Duration
	Degraded   bool
}

// Blocked reports whether the decision forbids proceeding with the attempt.
func (d Decision) Blocked() bool {
	return d.State == StateDelay || d.State == StateLocked || d.State == StateAlert
}

// Outcome pairs the two independent ladder decisions for one attempt.
type Outcome struct {
	Identifier Decision
	Address    Decision
}

// Degraded reports whether either decision was made on the per-process
// fallback instead of the shared counter store.
func (o Outcome) Degraded() bool {
	return o.Identifier.Degraded || o.Address.Degraded
}

const maxFallbackEntries = 4096

// recordScript trims the sliding window, registers the failure, and applies
// the escalation side effects. The lock marker is written with NX so its
// expiry counts from the triggering failure and is never pushed forward by
// later hammering. The delay marker is rewritten per failure: backoff grows
// with every failure past the delay threshold.
const recordScript = `
local window_key = KEYS[1]
local lock_key = KEYS[2]
local delay_key = KEYS[3]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local member = ARGV[3]
local challenge_at = tonumber(ARGV[4])
local delay_at = tonumber(ARGV[5])
local lock_at = tonumber(ARGV[6])
local alert_at = tonumber(ARGV[7])
local lock_ms = tonumber(ARGV[8])
local delay_step_ms = tonumber(ARGV[9])
local delay_max_ms = tonumber(ARGV[10])

redis.call("ZREMRANGEBYSCORE", window_key, "-inf", now_ms - window_ms)
redis.call("ZADD", window_key, now_ms, member)
redis.call("PEXPIRE", window_key, window_ms)
local count = redis.call("ZCARD", window_key)

local state = 0
if challenge_at > 0 and count >= challenge_at then
  state = 1
end
if delay_at > 0 and count >= delay_at then
  state = 2
  local backoff = delay_step_ms * (count - delay_at + 1)
  if backoff > delay_max_ms then
    backoff = delay_max_ms
  end
  if backoff > 0 then
    redis.call("SET", delay_key, "1", "PX", backoff)
  end
end
if lock_at > 0 and count >= lock_at then
  state = 3
  redis.call("SET", lock_key, "1", "NX", "PX", lock_ms)
end
if alert_at > 0 and count >= alert_at then
  state = 4
end

local retry = 0
if state >= 3 then
  retry = redis.call("PTTL", lock_key)
end

return {state, count, retry}
`

// checkScript reads the current ladder position without registering a
// failure. An active lock marker dominates everything else.
const checkScript = `
local window_key = KEYS[1]
local lock_key = KEYS[2]
local delay_key = KEYS[3]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local challenge_at = tonumber(ARGV[3])
local alert_at = tonumber(ARGV[4])

local lock_ttl = redis.call("PTTL", lock_key)
if lock_ttl > 0 then
  local count = redis.call("ZCARD", window_key)
  local state = 3
  if alert_at > 0 and count >= alert_at then
    state = 4
  end
  return {state, count, lock_ttl}
end

local delay_ttl = redis.call("PTTL", delay_key)
if delay_ttl > 0 then
  return {2, redis.call("ZCARD", window_key), delay_ttl}
end

redis.call("ZREMRANGEBYSCORE", window_key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", window_key)
local state = 0
if challenge_at > 0 and count >= challenge_at then
  state = 1
end
return {state, count, 0}
`

var (
	recordLua = redis.NewScript(recordScript)
	checkLua  = redis.NewScript(checkScript)
)

// Limiter runs two independent escalation ladders, one keyed by login
// identifier and one by origin address, over Redis sliding windows. When
// Redis is unreachable it degrades to per-process token buckets and flags
// every decision made that way; cross-instance correctness loss is
// surfaced to the caller, never hidden.
type Limiter struct {
	redis redis.UniversalClient
	cfg   Config

	fallbackMu sync.Mutex
	fallback   map[string]*rate.Limiter
}

// New creates a guard [Limiter] over the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.FallbackRate <= 0 {
		cfg.FallbackRate = 1
	}
	if cfg.FallbackBurst <= 0 {
		cfg.FallbackBurst = 3
	}
	return &Limiter{
		redis:    redisClient,
		cfg:      cfg,
		fallback: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) windowKey(dim, value string) string {
	return "bfg:" + l.cfg.Scope + ":w:" + dim + ":" + value
}

func (l *Limiter) lockKey(dim, value string) string {
	return "bfg:" + l.cfg.Scope + ":l:" + dim + ":" + value
}

func (l *Limiter) delayKey(dim, value string) string {
	return "bfg:" + l.cfg.Scope + ":d:" + dim + ":" + value
}

// Check reads both ladders before an authentication attempt. It never
// registers a failure.
func (l *Limiter) Check(ctx context.Context, identifier, addr string) Outcome {
	var out Outcome
	if identifier != "" {
		out.Identifier = l.checkDimension(ctx, "id", identifier, l.cfg.Identifier)
	}
	if addr != "" {
		out.Address = l.checkDimension(ctx, "ip", addr, l.cfg.Address)
	}
	return out
}

// RecordFailure registers a failed attempt on both ladders and returns the
// resulting states.
func (l *Limiter) RecordFailure(ctx context.Context, identifier, addr string) Outcome {
	member := failureMember()
	var out Outcome
	if identifier != "" {
		out.Identifier = l.recordDimension(ctx, "id", identifier, l.cfg.Identifier, member)
	}
	if addr != "" {
		out.Address = l.recordDimension(ctx, "ip", addr, l.cfg.Address, member)
	}
	return out
}

// ResetIdentifier clears the identifier ladder after a successful
// authentication. The address ladder is deliberately left intact: one
// address may be attacking many identifiers.
func (l *Limiter) ResetIdentifier(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}

	err := l.redis.Del(ctx,
		l.windowKey("id", identifier),
		l.lockKey("id", identifier),
		l.delayKey("id", identifier),
	).Err()
	if err != nil {
		l.dropFallback("id:" + identifier)
		return err
	}
	return nil
}

func (l *Limiter) checkDimension(ctx context.Context, dim, value string, ladder Ladder) Decision {
	res, err := checkLua.Run(ctx, l.redis,
		[]string{l.windowKey(dim, value), l.lockKey(dim, value), l.delayKey(dim, value)},
		time.Now().UnixMilli(),
		l.cfg.Window.Milliseconds(),
		ladder.Challenge,
		ladder.Alert,
	).Result()
	if err != nil {
		return l.fallbackDecision(dim+":"+value, false)
	}

	return parseScriptDecision(res)
}

func (l *Limiter) recordDimension(ctx context.Context, dim, value string, ladder Ladder, member string) Decision {
	res, err := recordLua.Run(ctx, l.redis,
		[]string{l.windowKey(dim, value), l.lockKey(dim, value), l.delayKey(dim, value)},
		time.Now().UnixMilli(),
		l.cfg.Window.Milliseconds(),
		member,
		ladder.Challenge,
		ladder.Delay,
		ladder.Lock,
		ladder.Alert,
		l.cfg.LockDuration.Milliseconds(),
		l.cfg.DelayStep.Milliseconds(),
		l.cfg.MaxDelay.Milliseconds(),
	).Result()
	if err != nil {
		return l.fallbackDecision(dim+":"+value, true)
	}

	return parseScriptDecision(res)
}

func parseScriptDecision(res interface{}) Decision {
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 3 {
		return Decision{State: StateNormal}
	}

	state, _ := parts[0].(int64)
	count, _ := parts[1].(int64)
	retryMs, _ := parts[2].(int64)

	d := Decision{
		State:    State(state),
		Failures: int(count),
	}
	if retryMs > 0 {
		d.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return d
}

// fallbackDecision consults the per-process token bucket for the given
// dimension key. consume distinguishes RecordFailure (burn a token even
// when allowed) from Check (only measure).
func (l *Limiter) fallbackDecision(key string, consume bool) Decision {
	l.fallbackMu.Lock()
	lim, ok := l.fallback[key]
	if !ok {
		if len(l.fallback) >= maxFallbackEntries {
			// Bounded memory under attack: discard all fallback state
			// rather than growing without limit.
			l.fallback = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.FallbackRate), l.cfg.FallbackBurst)
		l.fallback[key] = lim
	}
	l.fallbackMu.Unlock()

	if !consume {
		if lim.Tokens() >= 1 {
			return Decision{State: StateNormal, Degraded: true}
		}
		res := lim.Reserve()
		retry := res.Delay()
		res.Cancel()
		return Decision{State: StateDelay, RetryAfter: retry, Degraded: true}
	}

	res := lim.Reserve()
	if retry := res.Delay(); retry > 0 {
		res.Cancel()
		return Decision{State: StateDelay, RetryAfter: retry, Degraded: true}
	}
	return Decision{State: StateNormal, Degraded: true}
}

func (l *Limiter) dropFallback(key string) {
	l.fallbackMu.Lock()
	delete(l.fallback, key)
	l.fallbackMu.Unlock()
}

func failureMember() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + hex.EncodeToString(suffix[:])
}
