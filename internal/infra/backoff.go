package infra

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second
)

// Backoff returns the exponential reconnect delay for a retry count,
// capped at backoffMax.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		return backoffBase
	}
	if retry > 30 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<retry)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
