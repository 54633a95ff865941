package scheduler

// ============================================================================
// 重新排程規則
// 職責：依訂單結果與後端提示計算下次可執行時間，解析等待訊息
// ============================================================================

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

// Reschedule returns the next eligible time for task after an order at now.
//
// Precedence:
//  1. order error             -> now + ErrorBackoff
//  2. NextAvailable in future -> exactly that instant
//  3. refused with wait hint  -> now + max(Floor, hint)
//  4. otherwise               -> now + max(Floor, interval or default)
//
// The message is only read for refused orders.
func Reschedule(cfg Config, task types.ServiceTask, now time.Time, resp OrderResponse, err error) time.Time {
	if err != nil {
		return now.Add(cfg.ErrorBackoff)
	}

	if resp.NextAvailable > 0 {
		next := time.Unix(resp.NextAvailable, 0).In(now.Location())
		if next.After(now) {
			return next
		}
	}

	if !resp.Success {
		if wait := ParseWait(resp.Message); wait > 0 {
			return now.Add(max(cfg.Floor, wait))
		}
	}

	delay := task.Interval
	if delay <= 0 {
		delay = cfg.DefaultFailure
		if resp.Success {
			delay = cfg.DefaultSuccess
		}
	}
	return now.Add(max(cfg.Floor, delay))
}

var (
	frMinSec = regexp.MustCompile(`attendez encore\s*(\d+)\s*minutes?\s*et\s*(\d+)\s*secondes?`)
	frMin    = regexp.MustCompile(`attendez encore\s*(\d+)\s*minutes?`)
	frSec    = regexp.MustCompile(`attendez encore\s*(\d+)\s*secondes?`)
	enMinSec = regexp.MustCompile(`wait another\s*(\d+)\s*minutes?\s*and\s*(\d+)\s*seconds?`)
	enMin    = regexp.MustCompile(`wait another\s*(\d+)\s*minutes?`)
	enSec    = regexp.MustCompile(`wait another\s*(\d+)\s*seconds?`)
	anyMin   = regexp.MustCompile(`(\d+)\s*minute`)
	anySec   = regexp.MustCompile(`(\d+)\s*second`)
)

// waitPatterns are tried in order; the first match wins
var waitPatterns = []struct {
	re    *regexp.Regexp
	units []time.Duration
}{
	{frMinSec, []time.Duration{time.Minute, time.Second}},
	{frMin, []time.Duration{time.Minute}},
	{frSec, []time.Duration{time.Second}},
	{enMinSec, []time.Duration{time.Minute, time.Second}},
	{enMin, []time.Duration{time.Minute}},
	{enSec, []time.Duration{time.Second}},
}

// ParseWait extracts a wait hint such as "Attendez encore 4 minutes et 34
// secondes" or "Wait another 3 minutes and 10 seconds". Zero means no hint.
func ParseWait(message string) time.Duration {
	if message == "" {
		return 0
	}
	msg := strings.ToLower(message)

	for _, p := range waitPatterns {
		m := p.re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		var total time.Duration
		for i, unit := range p.units {
			total += count(m[i+1], unit)
		}
		return min(total, MaxWaitHint)
	}

	// loose mentions anywhere in the message
	var total time.Duration
	if m := anyMin.FindStringSubmatch(msg); m != nil {
		total += count(m[1], time.Minute)
	}
	if m := anySec.FindStringSubmatch(msg); m != nil {
		total += count(m[1], time.Second)
	}
	return min(total, MaxWaitHint)
}

// MaxWaitHint caps a parsed wait hint; larger numbers would overflow time.Duration
const MaxWaitHint = 24 * time.Hour

func count(digits string, unit time.Duration) time.Duration {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		// 超出 int 範圍的數字一律視為上限
		return MaxWaitHint
	}
	if n > int(MaxWaitHint/unit) {
		return MaxWaitHint
	}
	return time.Duration(n) * unit
}

// ParseTimer reads a catalog timer such as "5m", "1.5m" or "45s"
func ParseTimer(timer string) (time.Duration, bool) {
	timer = strings.ToLower(strings.TrimSpace(timer))
	if len(timer) < 2 {
		return 0, false
	}

	unit := time.Second
	switch timer[len(timer)-1] {
	case 'm':
		unit = time.Minute
	case 's':
	default:
		return 0, false
	}

	v, err := strconv.ParseFloat(timer[:len(timer)-1], 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return time.Duration(v * float64(unit)), true
}
