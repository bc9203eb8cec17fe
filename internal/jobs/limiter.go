package jobs

import "context"

// Limiter bounds how many stage attempts run at once across all jobs.
// Callers hold a slot only while a stage attempt runs, never across a retry wait.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter returns a Limiter with n slots (at least one).
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done. The returned func
// releases the slot and is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.slots
	}, nil
}

// InUse reports the number of occupied slots.
func (l *Limiter) InUse() int {
	return len(l.slots)
}

// Capacity reports the total number of slots.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
