package streams

import "sync"

// DefaultMaxPerUser caps concurrent generation streams per account.
const DefaultMaxPerUser = 2

// Result describes the outcome of an admission attempt.
type Result struct {
	OK     bool
	Active int
	Max    int
}

// Admission counts in-flight generation streams per account. It is
// process-local and constructor-injected; state does not survive a
// restart. Acquisition is non-blocking: a full account is rejected
// immediately, never queued.
type Admission struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

// NewAdmission constructs an Admission with the given per-user cap.
// Non-positive caps fall back to DefaultMaxPerUser.
func NewAdmission(max int) *Admission {
	if max <= 0 {
		max = DefaultMaxPerUser
	}
	return &Admission{
		max:    max,
		active: make(map[string]int),
	}
}

// TryAcquire takes a stream slot for the account if one is free.
func (a *Admission) TryAcquire(userID string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := a.active[userID]
	if active >= a.max {
		return Result{OK: false, Active: active, Max: a.max}
	}
	a.active[userID] = active + 1
	return Result{OK: true, Active: active + 1, Max: a.max}
}

// Release returns a stream slot. The key is removed entirely at zero
// so the map stays bounded by the number of accounts mid-stream.
func (a *Admission) Release(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := a.active[userID]
	if active <= 1 {
		delete(a.active, userID)
		return
	}
	a.active[userID] = active - 1
}

// ActiveCount reports the in-flight stream count for the account.
func (a *Admission) ActiveCount(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[userID]
}
