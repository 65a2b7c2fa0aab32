package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/spigell/jobscore/internal/utils"
)

// Clock is the time source for cooldown and spacing bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// waitFunc suspends the caller for d unless ctx ends first.
type waitFunc func(ctx context.Context, d time.Duration) error

// jitterFunc returns a random duration in [0, limit).
type jitterFunc func(limit time.Duration) time.Duration

var (
	defaultWait   waitFunc   = utils.WaitFor
	defaultJitter jitterFunc = func(limit time.Duration) time.Duration {
		if limit <= 0 {
			return 0
		}
		return rand.N(limit)
	}
)
