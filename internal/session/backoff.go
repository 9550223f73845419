package session

import "time"

const maxBackoffShift = 30

// BackoffDelay returns base * 2^attempt for a 0-based attempt number.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return base * time.Duration(1<<uint(attempt))
}
