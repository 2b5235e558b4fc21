package scheduler

import "time"

// Config holds scheduler and worker pool configuration. ClaimMinIdle is how
// long a pending stream entry may sit unacknowledged before the reclaimer
// takes it over; it must exceed ProcessTimeout or in-flight jobs get stolen.
type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	BlockTimeout    time.Duration
	ProcessTimeout  time.Duration
	ShutdownTimeout time.Duration
	ClaimInterval   time.Duration
	ClaimMinIdle    time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:     10,
		PollInterval:    500 * time.Millisecond,
		BlockTimeout:    5 * time.Second,
		ProcessTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ClaimInterval:   30 * time.Second,
		ClaimMinIdle:    time.Minute,
	}
}
