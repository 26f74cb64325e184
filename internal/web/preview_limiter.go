package web

// preview_limiter.go bounds how many preview parses run at once.
//
// Parsing a posted page holds the whole document and its DOM in memory, so
// the number of simultaneous previews is capped. When every slot is taken a
// request waits up to maxWait before failing with errTooManyPreviews.
// Shutdown drains in-flight previews before the server stops.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var errTooManyPreviews = errors.New("too many concurrent previews")

const (
	defaultPreviewSlots = 4
	defaultPreviewWait  = 10 * time.Second
)

type previewLimiter struct {
	slots   chan struct{}
	maxWait time.Duration
	active  atomic.Int32
}

func newPreviewLimiter(maxConcurrent int, maxWait time.Duration) *previewLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultPreviewSlots
	}
	if maxWait <= 0 {
		maxWait = defaultPreviewWait
	}
	return &previewLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// acquire takes a slot. The caller must release it.
func (l *previewLimiter) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return nil
	case <-waitCtx.Done():
		// Distinguish the caller giving up from our own wait expiring.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errTooManyPreviews
	}
}

func (l *previewLimiter) release() {
	l.active.Add(-1)
	<-l.slots
}

// previewStatus is a snapshot of the limiter, reported by /healthz.
type previewStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

func (l *previewLimiter) status() previewStatus {
	return previewStatus{
		Active:        int(l.active.Load()),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
	}
}

// drain blocks until no preview is running or ctx is done.
func (l *previewLimiter) drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for l.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
