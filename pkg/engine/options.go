package engine

import (
	"fmt"
	"time"
)

// Options tunes dispatch, retries and checkpointing for one run.
type Options struct {
	// Mode selects blocking (one call at a time) or concurrent dispatch.
	Mode DispatchMode `json:"mode"`

	// MaxParallel bounds concurrent agent calls within a cycle.
	MaxParallel int `json:"max_parallel"`

	// MaxRetries is the default retry bound for retryable agent failures.
	MaxRetries int `json:"max_retries"`

	// RetryBaseDelay is the first backoff delay for transient failures.
	RetryBaseDelay time.Duration `json:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `json:"retry_max_delay"`

	// CallTimeout is the default per-call agent timeout.
	CallTimeout time.Duration `json:"call_timeout"`

	// CheckpointEvery persists a checkpoint every N cycles. Zero disables
	// periodic checkpoints; the final checkpoint is always written.
	CheckpointEvery int `json:"checkpoint_every"`

	// RateLimit bounds agent calls per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty"`

	// Burst is the rate limiter burst size.
	Burst int `json:"burst,omitempty"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Mode:            DispatchConcurrent,
		MaxParallel:     10,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   time.Minute,
		CallTimeout:     30 * time.Second,
		CheckpointEvery: 1,
	}
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	if err := o.Mode.Validate(); err != nil {
		return err
	}
	if o.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if o.RetryBaseDelay < 0 || o.RetryMaxDelay < 0 || o.CallTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if o.RetryMaxDelay > 0 && o.RetryBaseDelay > o.RetryMaxDelay {
		return fmt.Errorf("retry_base_delay %s exceeds retry_max_delay %s", o.RetryBaseDelay, o.RetryMaxDelay)
	}
	if o.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must not be negative")
	}
	if o.RateLimit < 0 || o.Burst < 0 {
		return fmt.Errorf("rate_limit and burst must not be negative")
	}
	return nil
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.MaxParallel == 0 {
		o.MaxParallel = def.MaxParallel
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = def.RetryMaxDelay
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.RateLimit > 0 && o.Burst == 0 {
		o.Burst = 1
	}
	return o
}
