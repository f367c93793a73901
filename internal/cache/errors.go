package cache

import (
	"fmt"
	"time"
)

// LockTimeoutError means a named cache lock could not be acquired in time.
// It is fatal for the current job: proceeding without the lock could corrupt
// the store the lock guards.
type LockTimeoutError struct {
	LockName string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf(
		"failed to acquire lock %s after %v; "+
			"try setting CLCACHE_OBJECT_CACHE_TIMEOUT_MS environment variable to a larger value",
		e.LockName, e.Timeout)
}

// LogicError signals an invariant violation by the caller, e.g. a stored path
// carrying the basedir placeholder while CLCACHE_BASEDIR is unset.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string {
	return e.Message
}
