package queue

// DefaultMaxAttempts is the retry ceiling after which an item is dropped
const DefaultMaxAttempts = 3

// ShouldDrop is the retry ceiling policy: an item whose failed-attempt count
// has reached the ceiling leaves the queue. Pure so it is testable without
// storage or notifications.
func ShouldDrop(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return attempts >= maxAttempts
}
