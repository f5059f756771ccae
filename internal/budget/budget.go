// Package budget tracks provider spend against a rolling window budget.
// The counter lives in Redis, scripted in Lua for atomicity, so all gateway
// replicas draw from one shared budget. Window rollover is lazy: the first
// operation after the window elapses resets the counter, with no background
// job involved.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/platefinder/placegw/internal/redis"
)

const budgetKey = "budget:spend"

// DefaultWindow applies when the configured window is zero.
const DefaultWindow = 24 * time.Hour

// spendLua atomically rolls the window forward if it has elapsed, adds the
// spend units, and reports whether the budget still has headroom.
//
// A limit of zero or less disables gating: the counter still accumulates
// (for reporting) but ok is always 1.
//
// Returns {ok (0|1), spent, window_start_ms}.
//
// Keys: KEYS[1] = budget key.
// Args: ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit,
//
//	ARGV[4] = spend units (0 for a pure check).
const spendLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local units  = tonumber(ARGV[4])

local vals = redis.call('hmget', key, 'win_start', 'spent')
local win_start = tonumber(vals[1]) or 0
local spent     = tonumber(vals[2]) or 0

if win_start == 0 or now >= win_start + window then
  win_start = now
  spent = 0
end

spent = spent + units

redis.call('hset', key, 'win_start', win_start, 'spent', spent)
redis.call('pexpire', key, window * 2)

local ok = 0
if limit <= 0 or spent < limit then
  ok = 1
end
return {ok, spent, win_start}
`

var spendScript = goredis.NewScript(spendLua)

// Status is the budget state after a check or spend.
type Status struct {
	// OK reports whether spend is still below the limit. After a spend, OK
	// refers to the post-spend total.
	OK          bool
	Spent       int64
	Limit       int64
	WindowStart time.Time
}

// Remaining returns the unspent headroom, never negative. Zero limit means
// gating is disabled; Remaining reports 0 in that case.
func (s Status) Remaining() int64 {
	if s.Limit <= 0 {
		return 0
	}
	if r := s.Limit - s.Spent; r > 0 {
		return r
	}
	return 0
}

// Tracker enforces the provider spend budget.
type Tracker struct {
	rdb    redis.Client
	logger *slog.Logger
	limit  int64
	window time.Duration
	now    func() time.Time
}

// New creates a budget tracker. A zero window falls back to DefaultWindow;
// a zero limit disables budget gating.
func New(rdb redis.Client, limit int64, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		rdb:    rdb,
		logger: logger,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Check reports the budget state without consuming anything. Used before a
// provider call to refuse when the budget is exhausted, and by the mode
// controller.
func (t *Tracker) Check(ctx context.Context) (Status, error) {
	return t.eval(ctx, 0)
}

// RecordSpend adds units of spend after a billable provider call completed.
// Spend is recorded even past the limit: the counter reflects reality, the
// gate is what stops new calls.
func (t *Tracker) RecordSpend(ctx context.Context, units int64) (Status, error) {
	if units < 0 {
		return Status{}, fmt.Errorf("budget: negative spend %d", units)
	}
	st, err := t.eval(ctx, units)
	if err != nil {
		return Status{}, err
	}
	if !st.OK {
		t.logger.Warn("provider budget exhausted",
			"spent", st.Spent, "limit", st.Limit,
			"window_start", st.WindowStart.Format(time.RFC3339))
	}
	return st, nil
}

func (t *Tracker) eval(ctx context.Context, units int64) (Status, error) {
	cmd := t.rdb.EvalSha(ctx, spendScript.Hash(), []string{budgetKey},
		t.now().UnixMilli(), t.window.Milliseconds(), t.limit, units)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = t.rdb.Eval(ctx, spendLua, []string{budgetKey},
			t.now().UnixMilli(), t.window.Milliseconds(), t.limit, units)
	}
	if cmd.Err() != nil {
		return Status{}, cmd.Err()
	}

	arr, err := cmd.Slice()
	if err != nil || len(arr) != 3 {
		return Status{}, fmt.Errorf("budget: unexpected script result: %w", err)
	}

	ok, _ := toInt64(arr[0])
	spent, _ := toInt64(arr[1])
	winStart, _ := toInt64(arr[2])

	return Status{
		OK:          ok == 1,
		Spent:       spent,
		Limit:       t.limit,
		WindowStart: time.UnixMilli(winStart),
	}, nil
}

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
