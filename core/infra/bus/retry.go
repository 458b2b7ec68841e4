package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError asks a JetStream subscription to redeliver the message
// instead of acknowledging it. A positive Delay postpones redelivery.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("redeliver: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter marks err for redelivery after delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &RetryableError{Err: err, Delay: max(delay, 0)}
}

// RetryDelay reports whether err requested redelivery, and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) {
		return 0, false
	}
	return max(re.Delay, 0), true
}
