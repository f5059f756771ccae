// Package breaker implements a distributed circuit breaker for upstream
// provider calls. State lives in Redis, scripted in Lua for atomicity, so
// every gateway replica shares one view of the circuit: a failure storm seen
// by one replica stops the whole fleet from hammering the provider.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/platefinder/placegw/internal/redis"
)

// State is the circuit state for an endpoint class.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const keyPrefix = "cb:"

// Defaults applied when the config leaves a field zero.
const (
	DefaultThreshold  = 5
	DefaultCoolDown   = 30 * time.Second
	DefaultMaxBackoff = 10 * time.Minute
)

// allowLua atomically decides whether a provider call may proceed.
//
// State encoding in the hash: st 0=closed, 1=open, 2=half-open.
// An open circuit whose probe time has arrived transitions to half-open and
// grants exactly one probe; callers racing on the same class see half-open
// and are refused until the probe resolves. Each granted probe carries a
// deadline: if its outcome is never recorded (the probing replica crashed,
// or the client hung up before the bookkeeping write), a fresh probe is
// granted once the deadline passes instead of wedging the circuit until the
// key expires.
//
// Returns {allowed (0|1), probe (0|1), st, retry_after_ms, fails}.
// fails lets the caller skip the success-reset write when the circuit is
// already clean.
//
// Keys: KEYS[1] = breaker key.
// Args: ARGV[1] = now (ms), ARGV[2] = probe deadline (ms).
const allowLua = `
local key       = KEYS[1]
local now       = tonumber(ARGV[1])
local probe_ttl = tonumber(ARGV[2])

local vals = redis.call('hmget', key, 'st', 'next_probe', 'fails', 'probe_until')
local st          = tonumber(vals[1]) or 0
local next_probe  = tonumber(vals[2]) or 0
local fails       = tonumber(vals[3]) or 0
local probe_until = tonumber(vals[4]) or 0

if st == 0 then
  return {1, 0, 0, 0, fails}
end

if st == 1 then
  if now >= next_probe then
    redis.call('hset', key, 'st', 2, 'probe_until', now + probe_ttl)
    return {1, 1, 2, 0, fails}
  end
  return {0, 0, 1, next_probe - now, fails}
end

if now >= probe_until then
  redis.call('hset', key, 'probe_until', now + probe_ttl)
  return {1, 1, 2, 0, fails}
end

return {0, 0, 2, probe_until - now, fails}
`

// failureLua records a provider failure and opens the circuit when the
// consecutive-failure threshold is reached, or immediately on a failed
// half-open probe. Each consecutive open doubles the cool-down up to the
// configured cap.
//
// Returns {opened (0|1), backoff_ms}.
//
// Keys: KEYS[1] = breaker key.
// Args: ARGV[1] = now (ms), ARGV[2] = threshold, ARGV[3] = cool-down (ms),
//
//	ARGV[4] = max backoff (ms).
const failureLua = `
local key       = KEYS[1]
local now       = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local cool      = tonumber(ARGV[3])
local max_back  = tonumber(ARGV[4])

local vals = redis.call('hmget', key, 'st', 'fails', 'opens')
local st    = tonumber(vals[1]) or 0
local fails = tonumber(vals[2]) or 0
local opens = tonumber(vals[3]) or 0

local function open()
  opens = opens + 1
  local backoff = cool * 2 ^ (opens - 1)
  if backoff > max_back then
    backoff = max_back
  end
  redis.call('hset', key, 'st', 1, 'fails', 0, 'opens', opens, 'next_probe', now + backoff)
  redis.call('pexpire', key, max_back * 4)
  return {1, backoff}
end

if st == 2 then
  return open()
end

fails = fails + 1
if fails >= threshold then
  return open()
end

redis.call('hset', key, 'fails', fails)
redis.call('pexpire', key, max_back * 4)
return {0, 0}
`

var (
	allowScript   = goredis.NewScript(allowLua)
	failureScript = goredis.NewScript(failureLua)
)

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	Probe      bool // this call is the single half-open probe
	State      State
	RetryAfter time.Duration // set on refusals: open cool-down or outstanding probe
	Failures   int           // consecutive failures recorded so far
}

// NeedsReset reports whether a subsequent success should call RecordSuccess
// to clear breaker state.
func (d Decision) NeedsReset() bool {
	return d.State != StateClosed || d.Failures > 0
}

// Snapshot is a point-in-time view of one circuit, used by the mode
// controller and the admin surface.
type Snapshot struct {
	State      State         `json:"state"`
	Failures   int           `json:"failures"`
	OpenCount  int           `json:"open_count"`
	RetryAfter time.Duration `json:"-"`
}

// Breaker coordinates circuit state in Redis per endpoint class.
type Breaker struct {
	rdb        redis.Client
	logger     *slog.Logger
	threshold  int
	coolDown   time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

// New creates a breaker. Zero threshold, coolDown, or maxBackoff fall back
// to the package defaults.
func New(rdb redis.Client, threshold int, coolDown, maxBackoff time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &Breaker{
		rdb:        rdb,
		logger:     logger,
		threshold:  threshold,
		coolDown:   coolDown,
		maxBackoff: maxBackoff,
		now:        time.Now,
	}
}

// evalScript executes a Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT so the script body is only sent when Redis has lost it.
func (b *Breaker) evalScript(ctx context.Context, script *goredis.Script, src string, keys []string, args ...any) (*goredis.Cmd, error) {
	cmd := b.rdb.EvalSha(ctx, script.Hash(), keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		b.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = b.rdb.Eval(ctx, src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Allow reports whether a call to the given endpoint class may proceed.
// When the circuit is open and the cool-down has elapsed, exactly one caller
// is granted a probe (Decision.Probe) and the circuit moves to half-open.
// A probe whose outcome is never recorded stops blocking after one
// cool-down period.
func (b *Breaker) Allow(ctx context.Context, class string) (Decision, error) {
	cmd, err := b.evalScript(ctx, allowScript, allowLua, []string{keyPrefix + class},
		b.now().UnixMilli(), b.coolDown.Milliseconds())
	if err != nil {
		return Decision{}, err
	}

	arr, err := cmd.Slice()
	if err != nil || len(arr) != 5 {
		return Decision{}, fmt.Errorf("breaker allow: unexpected script result: %w", err)
	}

	allowed, _ := toInt64(arr[0])
	probe, _ := toInt64(arr[1])
	st, _ := toInt64(arr[2])
	retryMs, _ := toInt64(arr[3])
	fails, _ := toInt64(arr[4])

	return Decision{
		Allowed:    allowed == 1,
		Probe:      probe == 1,
		State:      stateFromCode(st),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Failures:   int(fails),
	}, nil
}

// RecordSuccess closes the circuit and resets all counters. A successful
// half-open probe lands here, so recovery also resets the backoff ladder.
func (b *Breaker) RecordSuccess(ctx context.Context, class string) error {
	if err := b.rdb.Del(ctx, keyPrefix+class).Err(); err != nil {
		return fmt.Errorf("breaker reset %s: %w", class, err)
	}
	return nil
}

// RecordFailure counts a provider failure. Returns true when this failure
// opened (or re-opened) the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, class string) (bool, error) {
	cmd, err := b.evalScript(ctx, failureScript, failureLua, []string{keyPrefix + class},
		b.now().UnixMilli(), b.threshold, b.coolDown.Milliseconds(), b.maxBackoff.Milliseconds())
	if err != nil {
		return false, err
	}

	arr, err := cmd.Slice()
	if err != nil || len(arr) != 2 {
		return false, fmt.Errorf("breaker failure: unexpected script result: %w", err)
	}

	opened, _ := toInt64(arr[0])
	if opened == 1 {
		backoffMs, _ := toInt64(arr[1])
		b.logger.Warn("circuit opened",
			"class", class,
			"cool_down", time.Duration(backoffMs)*time.Millisecond)
	}
	return opened == 1, nil
}

// Snapshot returns the current circuit state for an endpoint class without
// mutating it. A missing key reads as closed.
func (b *Breaker) Snapshot(ctx context.Context, class string) (Snapshot, error) {
	fields, err := b.rdb.HGetAll(ctx, keyPrefix+class).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker snapshot %s: %w", class, err)
	}
	if len(fields) == 0 {
		return Snapshot{State: StateClosed}, nil
	}

	st, _ := strconv.ParseInt(fields["st"], 10, 64)
	fails, _ := strconv.Atoi(fields["fails"])
	opens, _ := strconv.Atoi(fields["opens"])

	snap := Snapshot{
		State:     stateFromCode(st),
		Failures:  fails,
		OpenCount: opens,
	}
	if snap.State == StateOpen {
		if nextProbe, err := strconv.ParseInt(fields["next_probe"], 10, 64); err == nil {
			if remaining := time.Duration(nextProbe-b.now().UnixMilli()) * time.Millisecond; remaining > 0 {
				snap.RetryAfter = remaining
			}
		}
	}
	return snap, nil
}

func stateFromCode(code int64) State {
	switch code {
	case 1:
		return StateOpen
	case 2:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
