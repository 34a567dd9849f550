package openai

import (
	"net/http"
	"strconv"

	"github.com/irichard00/codex-study-sub000/runtime/model"
)

const (
	headerPrimaryUsedPercent     = "x-ratelimit-primary-used-percent"
	headerPrimaryWindowMinutes   = "x-ratelimit-primary-window-minutes"
	headerPrimaryResetsInSeconds = "x-ratelimit-primary-resets-in-seconds"

	headerSecondaryUsedPercent     = "x-ratelimit-secondary-used-percent"
	headerSecondaryWindowMinutes   = "x-ratelimit-secondary-window-minutes"
	headerSecondaryResetsInSeconds = "x-ratelimit-secondary-resets-in-seconds"
)

// parseRateLimits extracts the primary/secondary usage-window snapshot from
// response headers. Returns nil when neither window is present. Malformed
// values degrade to an absent window or field; this function never fails.
func parseRateLimits(h http.Header) *model.RateLimitSnapshot {
	primary := parseRateLimitWindow(h, headerPrimaryUsedPercent, headerPrimaryWindowMinutes, headerPrimaryResetsInSeconds)
	secondary := parseRateLimitWindow(h, headerSecondaryUsedPercent, headerSecondaryWindowMinutes, headerSecondaryResetsInSeconds)
	if primary == nil && secondary == nil {
		return nil
	}
	return &model.RateLimitSnapshot{Primary: primary, Secondary: secondary}
}

// parseRateLimitWindow reads one window triple. The used-percent header is
// required for the window to exist at all; the other two are independently
// optional.
func parseRateLimitWindow(h http.Header, usedKey, windowKey, resetsKey string) *model.RateLimitWindow {
	used, ok := headerFloat(h, usedKey)
	if !ok {
		return nil
	}
	w := &model.RateLimitWindow{UsedPercent: used}
	if v, ok := headerInt(h, windowKey); ok {
		w.WindowMinutes = &v
	}
	if v, ok := headerInt(h, resetsKey); ok {
		w.ResetsInSeconds = &v
	}
	return w
}

func headerFloat(h http.Header, key string) (float64, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func headerInt(h http.Header, key string) (int64, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
