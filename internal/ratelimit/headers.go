package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	remainingHeaders = []string{"X-RateLimit-Remaining", "RateLimit-Remaining", "X-Rate-Limit-Remaining"}
	limitHeaders     = []string{"X-RateLimit-Limit", "RateLimit-Limit", "X-Rate-Limit-Limit"}
	resetHeaders     = []string{"X-RateLimit-Reset", "RateLimit-Reset", "X-Rate-Limit-Reset"}
)

// Reset values below this are seconds from now rather than a unix time.
const relativeResetCutoff = 1_000_000_000

// Reset values at or above this are unix milliseconds.
const unixMilliCutoff = 1_000_000_000_000

// ExtractRateLimitInfo reads the common rate-limit header families. Reset
// may be seconds from now, unix seconds or unix milliseconds. Retry-After
// means the budget is spent until the given time. It returns nil when no
// header was recognised.
func ExtractRateLimitInfo(h http.Header, now time.Time) *Info {
	var info Info
	if v, ok := firstInt(h, remainingHeaders); ok {
		info.Remaining = intPtr(int(v))
	}
	if v, ok := firstInt(h, limitHeaders); ok {
		info.Limit = intPtr(int(v))
	}
	if v, ok := firstInt(h, resetHeaders); ok {
		r := resetTime(v, now)
		info.Reset = &r
	}
	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if secs, err := strconv.ParseInt(ra, 10, 64); err == nil && secs >= 0 {
			r := now.Add(time.Duration(secs) * time.Second)
			info.Reset = &r
			info.Remaining = intPtr(0)
		} else if at, err := http.ParseTime(ra); err == nil {
			info.Reset = &at
			info.Remaining = intPtr(0)
		}
	}
	if info.Remaining == nil && info.Limit == nil && info.Reset == nil {
		return nil
	}
	return &info
}

func resetTime(v int64, now time.Time) time.Time {
	switch {
	case v < relativeResetCutoff:
		return now.Add(time.Duration(v) * time.Second)
	case v < unixMilliCutoff:
		return time.Unix(v, 0)
	default:
		return time.UnixMilli(v)
	}
}

func firstInt(h http.Header, names []string) (int64, bool) {
	for _, name := range names {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		// RateLimit-Limit may carry a policy suffix such as "100;w=60".
		if i := strings.IndexAny(raw, ";,"); i >= 0 {
			raw = strings.TrimSpace(raw[:i])
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			return int64(v), true
		}
	}
	return 0, false
}
