package dispatch

import "time"

// Strategy selects how chunk transactions are submitted.
type Strategy string

// Dispatch strategies. All of them eventually submit every chunk; they trade
// latency against broadcast-endpoint pressure differently.
const (
	// StrategyBatchedParallel submits fixed-size groups concurrently with
	// staggered starts, confirming each group before the next.
	StrategyBatchedParallel Strategy = "batched-parallel"
	// StrategySequential submits one chunk at a time with a fixed delay.
	// Lowest throughput, used as a fallback.
	StrategySequential Strategy = "sequential"
	// StrategyFireAndForget submits every chunk without waiting, then
	// confirms the whole signature set in one pass. Fastest.
	StrategyFireAndForget Strategy = "fire-and-forget"
)

// Config holds dispatcher and confirmation tracker settings.
type Config struct {
	Strategy Strategy

	// BatchSize is the group size for the batched-parallel strategy.
	BatchSize int

	// StaggerDelay spaces out submissions within a group to preserve
	// relative order and avoid overwhelming the broadcast endpoint.
	StaggerDelay time.Duration

	// PollInterval is the pause between confirmation rounds. Each round
	// issues a single status query covering all outstanding signatures.
	PollInterval time.Duration

	// MaxWait bounds one confirmation pass; signatures still pending when
	// it elapses are treated as failed for retry purposes.
	MaxWait time.Duration

	// MaxRetryRounds is the number of re-dispatch rounds after the first.
	MaxRetryRounds int

	// Simulate runs the first chunk transaction through simulation before
	// the initial dispatch round.
	Simulate bool
}

// DefaultConfig returns the settings used when the caller provides none.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyBatchedParallel,
		BatchSize:      5,
		StaggerDelay:   50 * time.Millisecond,
		PollInterval:   500 * time.Millisecond,
		MaxWait:        30 * time.Second,
		MaxRetryRounds: 2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = defaults.StaggerDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaults.MaxWait
	}
	if c.MaxRetryRounds < 0 {
		c.MaxRetryRounds = defaults.MaxRetryRounds
	}
	return c
}
