package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

const (
	DefaultQuorum = 2
	DefaultQueue  = 4
)

// CoordinatorOpts configures a Coordinator.
type CoordinatorOpts struct {
	Store    *submission.Store        // required
	Content  *submission.ContentStore // required
	Backend  PublishBackend           // required
	Notifier Notifier                 // optional
	Limiter  *submission.RateLimiter  // optional; enables ResetQuota
	Quorum   int                      // distinct approvals needed; default 2
	Queue    int                      // batch size; default 4
	Now      func() time.Time
}

// Coordinator is the review state machine. It owns no state of its own: every
// decision is read from and written to the store under mu.
type Coordinator struct {
	store    *submission.Store
	content  *submission.ContentStore
	backend  PublishBackend
	notifier Notifier
	limiter  *submission.RateLimiter
	quorum   int
	queue    int
	now      func() time.Time

	mu sync.Mutex
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("review: coordinator: store is required")
	}
	if opts.Content == nil {
		return nil, fmt.Errorf("review: coordinator: content store is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("review: coordinator: publish backend is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Quorum <= 0 {
		opts.Quorum = DefaultQuorum
	}
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:    opts.Store,
		content:  opts.Content,
		backend:  opts.Backend,
		notifier: opts.Notifier,
		limiter:  opts.Limiter,
		quorum:   opts.Quorum,
		queue:    opts.Queue,
		now:      opts.Now,
	}, nil
}

// Outcome is what one approval did to its submission.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"  // counted, quorum not reached yet
	OutcomeDuplicate Outcome = "duplicate" // operator had already approved
	OutcomeQueued    Outcome = "queued"
	OutcomePublished Outcome = "published" // single item published on its own
	OutcomeFailed    Outcome = "failed"
)

// ApprovalResult describes the effect of approving one submission.
type ApprovalResult struct {
	ID        uint
	Outcome   Outcome
	Approvals int
	Ref       string // external reference when published
	Err       error
}

// Batch is one published batch.
type Batch struct {
	IDs  []uint
	Refs []string
}

// ApproveReport collects the per-item results of an Approve call and any
// batches the queue trigger published afterwards.
type ApproveReport struct {
	Items   []ApprovalResult
	Batches []Batch
}

// Approve records operatorID's approval of each id. A submission that reaches
// quorum is queued, or published alone when it carries the single flag. Once
// all ids are processed the queue trigger publishes full batches. The
// returned error joins every per-item and trigger failure; the report is
// always populated.
func (c *Coordinator) Approve(ctx context.Context, operatorID int64, ids ...uint) (*ApproveReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.refreshPresence(ctx)

	report := &ApproveReport{}
	var errs []error
	enqueued := false

	for _, id := range ids {
		res := c.approveOne(ctx, operatorID, id)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
		if res.Outcome == OutcomeQueued {
			enqueued = true
		}
		report.Items = append(report.Items, res)
	}

	if enqueued {
		batches, err := c.drainQueue(ctx)
		report.Batches = batches
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (c *Coordinator) approveOne(ctx context.Context, operatorID int64, id uint) ApprovalResult {
	res := ApprovalResult{ID: id, Outcome: OutcomeFailed}

	st, err := c.store.AddApproval(ctx, id, operatorID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Approvals = st.Count

	switch {
	case !st.Added:
		res.Outcome = OutcomeDuplicate
	case st.Count < c.quorum:
		res.Outcome = OutcomeRecorded
	case st.Submission.Single:
		// Stays pending on failure; a further distinct approval retries.
		refs, err := c.publishBatch(ctx, []uint{id}, models.StatusPending)
		if err != nil {
			res.Err = err
			return res
		}
		res.Outcome = OutcomePublished
		res.Ref = refs[0]
	default:
		if err := c.store.Transition(ctx, id, models.StatusPending, models.StatusQueued); err != nil {
			res.Err = err
			return res
		}
		res.Outcome = OutcomeQueued
		log.Printf("review: #%d queued with %d approvals", id, st.Count)
	}
	return res
}

// drainQueue publishes the oldest full batches while the queue holds at least
// one batch worth of submissions. Each batch is claimed in the store first,
// so coordinators in different processes never publish the same batch.
// Callers hold mu.
func (c *Coordinator) drainQueue(ctx context.Context) ([]Batch, error) {
	var batches []Batch
	for {
		queued, err := c.store.IDs(ctx, models.StatusQueued)
		if err != nil {
			return batches, err
		}
		if len(queued) < c.queue {
			return batches, nil
		}
		ids := queued[:c.queue]
		if err := c.store.Claim(ctx, ids, models.StatusQueued); err != nil {
			if submission.KindOf(err) == submission.KindNotFound {
				// Another process sharing the database took part of this
				// batch; re-read what is left.
				log.Printf("review: batch %v claimed elsewhere", ids)
				continue
			}
			return batches, err
		}
		refs, err := c.publishClaimed(ctx, ids, models.StatusQueued)
		if err != nil {
			return batches, err
		}
		batches = append(batches, Batch{IDs: ids, Refs: refs})
	}
}

// Push publishes the given queued submissions immediately, regardless of the
// queue threshold. Every id must be queued or nothing is published.
func (c *Coordinator) Push(ctx context.Context, operatorID int64, ids ...uint) (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("review: push: no ids")
	}
	var errs []error
	for _, id := range ids {
		sub, err := c.store.Get(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sub.Status != models.StatusQueued {
			errs = append(errs, submission.NewError(submission.KindNotFound, id, sub.AuthorID,
				fmt.Errorf("status is %s, not queued", sub.Status)))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	log.Printf("review: operator %d pushing %v", operatorID, ids)
	refs, err := c.publishBatch(ctx, ids, models.StatusQueued)
	c.refreshPresence(ctx)
	if err != nil {
		return nil, err
	}
	return &Batch{IDs: ids, Refs: refs}, nil
}

// Reject moves a pending submission to rejected and tells its author why.
func (c *Coordinator) Reject(ctx context.Context, operatorID int64, id uint, reason string) (*models.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.store.Reject(ctx, id, operatorID, reason)
	if err != nil {
		return nil, err
	}
	log.Printf("review: #%d rejected by %d", id, operatorID)

	msg := fmt.Sprintf("Your submission #%d was not accepted.", id)
	if reason != "" {
		msg += " Reason: " + reason
	}
	c.tellAuthor(ctx, sub.AuthorID, msg)
	c.refreshPresence(ctx)
	return sub, nil
}

// DeleteResult describes the removal of one submission.
type DeleteResult struct {
	ID          uint
	Ref         string // external reference that was withdrawn, if any
	ExternalErr error  // non-nil when the backend delete failed; the local row is gone regardless
	Err         error  // non-nil when nothing was deleted
}

// Delete removes confirmed submissions and their stored content. Published
// submissions are first withdrawn from the backend; a failure there is
// reported in the result but does not stop the local removal.
func (c *Coordinator) Delete(ctx context.Context, operatorID int64, ids ...uint) ([]DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.refreshPresence(ctx)

	var results []DeleteResult
	var errs []error
	for _, id := range ids {
		res := c.deleteOne(ctx, id)
		if res.Err != nil {
			errs = append(errs, res.Err)
		} else {
			log.Printf("review: #%d deleted by %d", id, operatorID)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

var deletable = []models.Status{
	models.StatusPending,
	models.StatusQueued,
	models.StatusRejected,
	models.StatusPublished,
}

func (c *Coordinator) deleteOne(ctx context.Context, id uint) DeleteResult {
	res := DeleteResult{ID: id}

	sub, err := c.store.Get(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	if sub.Status == models.StatusCreated {
		res.Err = submission.NewError(submission.KindNotFound, id, sub.AuthorID,
			fmt.Errorf("not confirmed yet"))
		return res
	}

	if sub.Status == models.StatusPublished && sub.ExternalRef != nil {
		res.Ref = *sub.ExternalRef
		if err := c.backend.Delete(ctx, res.Ref); err != nil {
			res.ExternalErr = submission.NewError(submission.KindExternalDeleteFailure, id, sub.AuthorID, err)
			log.Printf("review: delete #%d: %v", id, res.ExternalErr)
			c.tellAdmin(ctx, fmt.Sprintf("Could not withdraw #%d (%s) from the album: %v", id, res.Ref, err))
		}
	}

	if err := c.store.Delete(ctx, id, deletable...); err != nil {
		res.Err = err
		return res
	}
	if err := c.content.Remove(id); err != nil {
		log.Printf("review: delete #%d: %v", id, err)
	}
	c.tellAuthor(ctx, sub.AuthorID, fmt.Sprintf("Your submission #%d has been removed by an administrator.", id))
	return res
}

// ErrNoLimiter is returned by ResetQuota when no rate limiter is configured.
var ErrNoLimiter = errors.New("review: no rate limiter configured")

// ResetQuota clears authorID's daily quota. The named counter is dropped and
// today's anonymous submissions are deleted the same way Delete removes them,
// so published ones are withdrawn from the backend first. Rows another
// process is publishing are left alone and reported in the results.
func (c *Coordinator) ResetQuota(ctx context.Context, operatorID, authorID int64) ([]DeleteResult, error) {
	if c.limiter == nil {
		return nil, ErrNoLimiter
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limiter.Reset(authorID)
	ids, err := c.store.AnonymousSince(ctx, authorID, c.limiter.DayStart())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		log.Printf("review: quota of %d reset by %d", authorID, operatorID)
		return nil, nil
	}
	defer c.refreshPresence(ctx)

	var results []DeleteResult
	var errs []error
	for _, id := range ids {
		res := c.deleteOne(ctx, id)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
		results = append(results, res)
	}
	log.Printf("review: quota of %d reset by %d, removed %v", authorID, operatorID, Removed(results))
	return results, errors.Join(errs...)
}

// Removed returns the ids whose local rows were deleted.
func Removed(results []DeleteResult) []uint {
	var ids []uint
	for _, r := range results {
		if r.Err == nil {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Summary lists the submissions awaiting review and those waiting in the
// publish queue.
type Summary struct {
	Pending []uint
	Queued  []uint
}

func (s Summary) String() string {
	return fmt.Sprintf("Pending: %v Queued: %v", nonNil(s.Pending), nonNil(s.Queued))
}

func nonNil(ids []uint) []uint {
	if ids == nil {
		return []uint{}
	}
	return ids
}

// Summary reads the current review state from the store.
func (c *Coordinator) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	var err error
	if s.Pending, err = c.store.IDs(ctx, models.StatusPending); err != nil {
		return Summary{}, err
	}
	if s.Queued, err = c.store.IDs(ctx, models.StatusQueued); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// refreshPresence pushes the summary to the notifier when it shows presence.
func (c *Coordinator) refreshPresence(ctx context.Context) {
	p, ok := c.notifier.(PresenceUpdater)
	if !ok {
		return
	}
	s, err := c.Summary(ctx)
	if err != nil {
		log.Printf("review: presence: %v", err)
		return
	}
	if err := p.UpdatePresence(ctx, s.String()); err != nil {
		log.Printf("review: presence: %v", err)
	}
}

func (c *Coordinator) tellAuthor(ctx context.Context, authorID int64, text string) {
	if err := c.notifier.SendToAuthor(ctx, authorID, text); err != nil {
		log.Printf("review: notify author %d: %v", authorID, err)
	}
}

func (c *Coordinator) tellAdmin(ctx context.Context, text string) {
	if err := c.notifier.SendToAdmin(ctx, text); err != nil {
		log.Printf("review: notify admin: %v", err)
	}
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
