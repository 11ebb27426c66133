package engine

import "time"

// maxBackoffShift caps the exponent so the delay cannot overflow
const maxBackoffShift = 20

// RetryDelay returns the wait before retry attempt number retryCount (1-based).
// Exponential backoff doubles the base delay per attempt: S, 2S, 4S, ...
func RetryDelay(delaySeconds, retryCount int, exponential bool) time.Duration {
	if delaySeconds <= 0 {
		return 0
	}
	base := time.Duration(delaySeconds) * time.Second
	if !exponential || retryCount <= 1 {
		return base
	}
	shift := min(retryCount-1, maxBackoffShift)
	return base * time.Duration(1<<shift)
}
