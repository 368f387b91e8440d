package fetch

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned, possibly wrapped, by fetch functions when the
// source confirms it has no data for a key. It is not a transient failure.
var ErrNotFound = errors.New("no data for key")

// NotFoundPolicy decides what a dispatcher does with ErrNotFound results.
type NotFoundPolicy int

const (
	// NotFoundCache stores a negative entry so the key is not fetched again
	// until it is evicted.
	NotFoundCache NotFoundPolicy = iota
	// NotFoundRetry handles not-found like any other failure: nothing is
	// cached and the next recomputation schedules the key again.
	NotFoundRetry
)

func (p NotFoundPolicy) String() string {
	if p == NotFoundRetry {
		return "retry"
	}
	return "cache"
}

// ParseNotFoundPolicy parses "cache" or "retry".
func ParseNotFoundPolicy(s string) (NotFoundPolicy, error) {
	switch s {
	case "", "cache":
		return NotFoundCache, nil
	case "retry":
		return NotFoundRetry, nil
	default:
		return 0, fmt.Errorf("unknown not-found policy: %s (supported: cache, retry)", s)
	}
}
