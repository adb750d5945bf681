package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError asks the bus to redeliver instead of acking. The NATS
// subscriber naks with the embedded delay; buses without nak semantics treat
// it like any other handler error.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryDelay reports the requested redelivery delay. Zero is a valid delay;
// a nil receiver asks for immediate redelivery.
func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

// RetryAfter marks err as transient so the delivery is redelivered after
// delay. Negative delays clamp to zero.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay unwraps the redelivery delay from a handler error. The second
// return is false for terminal errors, which the subscriber acks.
func RetryDelay(err error) (time.Duration, bool) {
	var re interface{ RetryDelay() time.Duration }
	if !errors.As(err, &re) {
		return 0, false
	}
	delay := re.RetryDelay()
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
