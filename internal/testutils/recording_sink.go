//go:build test

package testutils

import (
	"sync"
	"time"

	"github.com/srg/hrlink/internal/device"
)

// ClosedCall is one OnClosed notification seen by a RecordingSink
type ClosedCall struct {
	Kind device.StreamKind
	Err  error
}

// RecordingSink records everything the dispatcher delivers to it
type RecordingSink struct {
	mu      sync.Mutex
	samples []device.Sample
	closed  []ClosedCall
	events  []string // "sample" or "closed" in arrival order

	// OnSampleHook, when set, runs inside OnSample before recording
	OnSampleHook func(device.Sample)
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (r *RecordingSink) OnSample(sample device.Sample) {
	if r.OnSampleHook != nil {
		r.OnSampleHook(sample)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	r.events = append(r.events, "sample")
}

func (r *RecordingSink) OnClosed(kind device.StreamKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, ClosedCall{Kind: kind, Err: err})
	r.events = append(r.events, "closed")
}

func (r *RecordingSink) Samples() []device.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Sample(nil), r.samples...)
}

func (r *RecordingSink) Closed() []ClosedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClosedCall(nil), r.closed...)
}

// Events returns the arrival order of samples and closed notifications
func (r *RecordingSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// WaitSamples waits until at least n samples were recorded
func (r *RecordingSink) WaitSamples(n int, timeout time.Duration) bool {
	return waitUntil(timeout, func() bool { return len(r.Samples()) >= n })
}

// WaitClosed waits until at least n closed notifications were recorded
func (r *RecordingSink) WaitClosed(n int, timeout time.Duration) bool {
	return waitUntil(timeout, func() bool { return len(r.Closed()) >= n })
}

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
