package sentinel

import "time"

// DefaultMaxQueueing is the queueing bound used by [DefaultOptions].
const DefaultMaxQueueing = 500 * time.Millisecond

// DefaultOptions returns the recommended set of options for production use:
// panic recovery and a server-wide gate with [DefaultMaxQueueing].
func DefaultOptions() []Option {
	return []Option{
		WithRecovery(),
		WithAdaptivePacing(DefaultMaxQueueing),
	}
}
