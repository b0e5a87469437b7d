package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter bounds task submissions in a sliding one-minute window.
// Zero (the default) disables it.
type submitLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	history []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	max := 0
	if raw := strings.TrimSpace(os.Getenv("WHISPERD_SUBMIT_RATE_LIMIT_PER_MIN")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			max = v
		}
	}
	return &submitLimiter{max: max, window: time.Minute}
}

func (l *submitLimiter) allow(now time.Time) bool {
	if l == nil || l.max == 0 {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = trimCutoff(l.history, cutoff)
	if len(l.history) >= l.max {
		return false
	}
	l.history = append(l.history, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}
