package submission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultAnonymousPerDay = 1
	DefaultNamedPerDay     = 3
)

// RateLimiterOpts configures a RateLimiter.
type RateLimiterOpts struct {
	Store           *Store // required
	AnonymousPerDay int    // default 1
	NamedPerDay     int    // default 3
	Location        *time.Location
	Now             func() time.Time
}

// RateLimiter enforces per-author daily quotas. Anonymous submissions are
// counted from the store so the limit survives restarts; named submissions
// use an in-memory counter that resets when the local day changes.
type RateLimiter struct {
	store     *Store
	anonLimit int
	named     int
	loc       *time.Location
	now       func() time.Time

	mu     sync.Mutex
	day    string
	counts map[int64]int
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(opts RateLimiterOpts) (*RateLimiter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("submission: rate limiter: store is required")
	}
	if opts.AnonymousPerDay <= 0 {
		opts.AnonymousPerDay = DefaultAnonymousPerDay
	}
	if opts.NamedPerDay <= 0 {
		opts.NamedPerDay = DefaultNamedPerDay
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RateLimiter{
		store:     opts.Store,
		anonLimit: opts.AnonymousPerDay,
		named:     opts.NamedPerDay,
		loc:       opts.Location,
		now:       opts.Now,
		counts:    make(map[int64]int),
	}, nil
}

// startOfDay returns local midnight of the current day and its key.
func (r *RateLimiter) startOfDay() (time.Time, string) {
	now := r.now().In(r.loc)
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	return start, start.Format("2006-01-02")
}

// rollover drops the named counters when the day has changed. Callers hold mu.
func (r *RateLimiter) rollover(key string) {
	if r.day != key {
		r.day = key
		r.counts = make(map[int64]int)
	}
}

// Check reports whether the author may confirm one more submission today.
func (r *RateLimiter) Check(ctx context.Context, authorID int64, anonymous bool) error {
	start, key := r.startOfDay()
	if anonymous {
		n, err := r.store.CountAnonymousSince(ctx, authorID, start)
		if err != nil {
			return err
		}
		if n >= int64(r.anonLimit) {
			return NewError(KindRateLimitExceeded, 0, authorID,
				fmt.Errorf("%d anonymous submission(s) per day", r.anonLimit))
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(key)
	if r.counts[authorID] >= r.named {
		return NewError(KindRateLimitExceeded, 0, authorID,
			fmt.Errorf("%d submissions per day", r.named))
	}
	return nil
}

// Log records a successful confirmation. Anonymous confirmations are already
// visible through the store and need no bookkeeping.
func (r *RateLimiter) Log(authorID int64, anonymous bool) {
	if anonymous {
		return
	}
	_, key := r.startOfDay()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(key)
	r.counts[authorID]++
}

// CheckAndLog is Check followed by Log on success.
func (r *RateLimiter) CheckAndLog(ctx context.Context, authorID int64, anonymous bool) error {
	if err := r.Check(ctx, authorID, anonymous); err != nil {
		return err
	}
	r.Log(authorID, anonymous)
	return nil
}

// Used returns how many named submissions the author confirmed today.
func (r *RateLimiter) Used(authorID int64) int {
	_, key := r.startOfDay()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(key)
	return r.counts[authorID]
}

// Reset clears the author's named counter. Today's anonymous submissions
// still count until they are deleted through the review coordinator.
func (r *RateLimiter) Reset(authorID int64) {
	_, key := r.startOfDay()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(key)
	delete(r.counts, authorID)
}

// DayStart returns local midnight of the current quota day.
func (r *RateLimiter) DayStart() time.Time {
	start, _ := r.startOfDay()
	return start
}
