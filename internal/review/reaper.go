package review

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// DefaultSessionTimeout is how long a session may stay open before the
// reaper discards it.
const DefaultSessionTimeout = 2 * time.Hour

// ReaperOpts configures a Reaper.
type ReaperOpts struct {
	Coordinator *Coordinator               // required; its lock is held for each sweep
	Sessions    *submission.SessionManager // required
	Notifier    Notifier                   // optional
	Timeout     time.Duration              // default 2h
	Now         func() time.Time
}

// Reaper discards sessions that were opened but never confirmed.
type Reaper struct {
	coord    *Coordinator
	sessions *submission.SessionManager
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
}

// NewReaper creates a Reaper.
func NewReaper(opts ReaperOpts) (*Reaper, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("review: reaper: coordinator is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("review: reaper: session manager is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSessionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		coord:    opts.Coordinator,
		sessions: opts.Sessions,
		notifier: opts.Notifier,
		timeout:  opts.Timeout,
		now:      opts.Now,
	}, nil
}

// Sweep expires every session older than the timeout and returns the ids of
// the discarded submissions. A failure on one session is logged and the
// sweep moves on.
func (r *Reaper) Sweep(ctx context.Context) []uint {
	r.coord.mu.Lock()
	defer r.coord.mu.Unlock()

	var expired []uint
	for _, s := range r.sessions.Expired(r.now().Add(-r.timeout)) {
		removed, err := r.sessions.Expire(ctx, s.AuthorID, s.SubmissionID)
		if err != nil {
			log.Printf("review: reaper: #%d: %v", s.SubmissionID, err)
		}
		if !removed {
			continue
		}
		expired = append(expired, s.SubmissionID)

		if err := r.notifier.SendToAuthor(ctx, s.AuthorID, fmt.Sprintf(
			"Your submission #%d was not confirmed within %s and has been discarded.", s.SubmissionID, r.timeout)); err != nil {
			log.Printf("review: reaper: notify author %d: %v", s.AuthorID, err)
		}
		if err := r.notifier.SendToAdmin(ctx, fmt.Sprintf(
			"Submission #%d by %d expired unconfirmed.", s.SubmissionID, s.AuthorID)); err != nil {
			log.Printf("review: reaper: notify admin: %v", err)
		}
	}
	if len(expired) > 0 {
		log.Printf("review: reaper: expired %v", expired)
	}
	return expired
}

// Run sweeps on every tick until ctx is cancelled. It stops the ticker on
// return.
func (r *Reaper) Run(ctx context.Context, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Sweep(ctx)
		}
	}
}
