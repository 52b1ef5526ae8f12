package ledger

import (
	"fmt"
	"math"
	"time"
)

// MaxMillis is the largest millisecond count a time.Duration can hold.
const MaxMillis = math.MaxInt64 / int64(time.Millisecond)

// Millis converts a wire millisecond count. Negative counts and counts
// that overflow a Duration fail with ErrInvalidArgument.
func Millis(field string, ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, field)
	}
	if ms > MaxMillis {
		return 0, fmt.Errorf("%w: %s exceeds %d", ErrInvalidArgument, field, MaxMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
