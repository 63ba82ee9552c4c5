package chat

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimits hands out one token-bucket limiter per username. All of a
// user's sessions share the bucket, so opening extra connections does not
// raise their throughput.
type userLimits struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
}

func newUserLimits(requestsPerMinute int) *userLimits {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	return &userLimits{
		limiters: make(map[string]*rate.Limiter),
		rpm:      requestsPerMinute,
	}
}

func (u *userLimits) limiter(username string) *rate.Limiter {
	u.mu.Lock()
	defer u.mu.Unlock()

	lim, ok := u.limiters[username]
	if !ok {
		// Burst equals the per-minute budget so short exchanges are not
		// throttled mid-conversation.
		lim = rate.NewLimiter(rate.Limit(float64(u.rpm)/60.0), u.rpm)
		u.limiters[username] = lim
	}
	return lim
}
