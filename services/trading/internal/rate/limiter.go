// Package rate throttles trade actions per user with a fixed window counter.
package rate

import (
	"context"
	"time"
)

// Policy is the allowance for one action.
type Policy struct {
	Limit  int
	Window time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy, now time.Time) (bool, time.Duration, error)
}

func Key(action, userID string) string {
	return action + ":" + userID
}
