package stream

import (
	"errors"
	"fmt"
)

// ErrInvalidThresholds is returned when a target threshold is above its
// matching maximum.
var ErrInvalidThresholds = errors.New("target outstanding threshold exceeds maximum")

// DiscardPolicy holds the backpressure thresholds for a subscriber queue.
// Discarding starts when both Max values are exceeded and stops once either
// Target value is reached again.
type DiscardPolicy struct {
	MaxSize     int64
	MaxCount    int
	TargetSize  int64
	TargetCount int
}

// DefaultDiscardPolicy returns thresholds sized for a few seconds of HD video
func DefaultDiscardPolicy() DiscardPolicy {
	return DiscardPolicy{
		MaxSize:     8 * 1024 * 1024,
		MaxCount:    512,
		TargetSize:  4 * 1024 * 1024,
		TargetCount: 256,
	}
}

// Validate rejects policies whose targets sit above their maximums
func (p DiscardPolicy) Validate() error {
	if p.MaxSize < 0 || p.MaxCount < 0 || p.TargetSize < 0 || p.TargetCount < 0 {
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidThresholds)
	}
	if p.TargetSize > p.MaxSize {
		return fmt.Errorf("%w: target size %d > max size %d", ErrInvalidThresholds, p.TargetSize, p.MaxSize)
	}
	if p.TargetCount > p.MaxCount {
		return fmt.Errorf("%w: target count %d > max count %d", ErrInvalidThresholds, p.TargetCount, p.MaxCount)
	}
	return nil
}

// Discarder carries the one bit of hysteresis state for a single subscriber.
// It is not safe for concurrent use; the owning queue serializes calls.
type Discarder struct {
	policy     DiscardPolicy
	discarding bool
}

// NewDiscarder creates a discarder for the given policy
func NewDiscarder(policy DiscardPolicy) *Discarder {
	return &Discarder{policy: policy}
}

// SetPolicy swaps the thresholds without resetting the discarding state
func (d *Discarder) SetPolicy(policy DiscardPolicy) {
	d.policy = policy
}

// Discarding reports whether the discarder is currently dropping packets
func (d *Discarder) Discarding() bool {
	return d.discarding
}

// ShouldDiscard decides whether a packet should be dropped given the
// subscriber's outstanding queue size and count.
func (d *Discarder) ShouldDiscard(skippable bool, outstandingSize int64, outstandingCount int) bool {
	if !skippable {
		d.discarding = false
		return false
	}

	if !d.discarding {
		if outstandingSize > d.policy.MaxSize && outstandingCount > d.policy.MaxCount {
			d.discarding = true
		}
		return d.discarding
	}

	if outstandingSize <= d.policy.TargetSize || outstandingCount <= d.policy.TargetCount {
		d.discarding = false
	}
	return d.discarding
}
