package submission

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
)

// Session is an author's open, unconfirmed submission in progress.
type Session struct {
	SubmissionID uint
	AuthorID     int64
	DisplayName  *string
	Single       bool
	StartedAt    time.Time
	Blocks       []Block
	Preview      string // rendered preview path; cleared whenever content changes
}

// Anonymous reports whether the session was started without a display name.
func (s Session) Anonymous() bool { return s.DisplayName == nil }

// Empty reports whether the session holds nothing beyond message breaks.
func (s Session) Empty() bool { return !hasContent(s.Blocks) }

// StartOptions are the flags chosen when a session is opened.
type StartOptions struct {
	Anonymous bool
	Single    bool
}

// SessionManagerOpts configures a SessionManager.
type SessionManagerOpts struct {
	Store   *Store        // required
	Content *ContentStore // required
	Limiter *RateLimiter  // optional; quotas are not enforced without one

	// RequirePreview makes Finalize fail until SetPreview has recorded a
	// preview for the current content.
	RequirePreview bool
	Now            func() time.Time
}

// SessionManager owns the open session of every author. At most one session
// exists per author.
//
// Operations on one author are serialized by a per-author lock, which is held
// across store I/O. mu only guards the maps and is never held during I/O.
type SessionManager struct {
	store          *Store
	content        *ContentStore
	limiter        *RateLimiter
	requirePreview bool
	now            func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
	authors  map[int64]*authorLock
}

type authorLock struct {
	sync.Mutex
	refs int // callers holding or waiting; guarded by SessionManager.mu
}

// lockAuthor takes authorID's lock and returns its release func.
func (m *SessionManager) lockAuthor(authorID int64) func() {
	m.mu.Lock()
	l, ok := m.authors[authorID]
	if !ok {
		l = &authorLock{}
		m.authors[authorID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.authors, authorID)
		}
		m.mu.Unlock()
	}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(opts SessionManagerOpts) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("submission: session manager: store is required")
	}
	if opts.Content == nil {
		return nil, fmt.Errorf("submission: session manager: content store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionManager{
		store:          opts.Store,
		content:        opts.Content,
		limiter:        opts.Limiter,
		requirePreview: opts.RequirePreview,
		now:            opts.Now,
		sessions:       make(map[int64]*Session),
		authors:        make(map[int64]*authorLock),
	}, nil
}

// Start opens a session for the author and creates its backing submission.
func (m *SessionManager) Start(ctx context.Context, authorID int64, displayName string, opts StartOptions) (uint, error) {
	defer m.lockAuthor(authorID)()

	if s, ok := m.Current(authorID); ok {
		return 0, NewError(KindSessionConflict, s.SubmissionID, authorID, nil)
	}

	var name *string
	if !opts.Anonymous {
		n := displayName
		name = &n
	}
	sub, err := m.store.Create(ctx, authorID, name, opts.Single)
	if err != nil {
		return 0, err
	}
	if _, err := m.content.Ensure(sub.ID); err != nil {
		if derr := m.store.Delete(ctx, sub.ID); derr != nil {
			log.Printf("submission: start: rollback #%d: %v", sub.ID, derr)
		}
		return 0, err
	}

	m.mu.Lock()
	m.sessions[authorID] = &Session{
		SubmissionID: sub.ID,
		AuthorID:     authorID,
		DisplayName:  name,
		Single:       opts.Single,
		StartedAt:    m.now(),
	}
	m.mu.Unlock()
	return sub.ID, nil
}

// AppendContent adds blocks to the author's session. Unsupported blocks are
// skipped individually; the others are kept and an *UnsupportedContentError
// lists what was refused. It returns the number of blocks appended.
func (m *SessionManager) AppendContent(authorID int64, blocks ...Block) (int, error) {
	defer m.lockAuthor(authorID)()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[authorID]
	if !ok {
		return 0, NewError(KindNoActiveSession, 0, authorID, nil)
	}

	var rejected []RejectedBlock
	added := 0
	for i, b := range blocks {
		if !b.Kind.Supported() {
			rejected = append(rejected, RejectedBlock{Index: i, MessageID: b.MessageID, Kind: b.Kind})
			continue
		}
		s.Blocks = append(s.Blocks, b)
		added++
	}
	if added > 0 {
		s.Preview = ""
	}
	if len(rejected) > 0 {
		return added, &UnsupportedContentError{
			SubmissionID: s.SubmissionID,
			AuthorID:     authorID,
			Rejected:     rejected,
		}
	}
	return added, nil
}

// Retract removes every block that came from messageID. It is a no-op when
// the author has no session. It returns the number of blocks removed.
func (m *SessionManager) Retract(authorID int64, messageID string) int {
	defer m.lockAuthor(authorID)()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[authorID]
	if !ok {
		return 0
	}
	kept := s.Blocks[:0]
	removed := 0
	for _, b := range s.Blocks {
		if b.MessageID == messageID {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	s.Blocks = kept
	if removed > 0 {
		s.Preview = ""
	}
	return removed
}

// SetPreview records the rendered preview for the session's current content.
func (m *SessionManager) SetPreview(authorID int64, path string) error {
	defer m.lockAuthor(authorID)()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[authorID]
	if !ok {
		return NewError(KindNoActiveSession, 0, authorID, nil)
	}
	s.Preview = path
	return nil
}

// Current returns a copy of the author's session.
func (m *SessionManager) Current(authorID int64) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[authorID]
	if !ok {
		return Session{}, false
	}
	return copySession(s), true
}

func copySession(s *Session) Session {
	c := *s
	c.Blocks = append([]Block(nil), s.Blocks...)
	return c
}

// Finalize commits the author's session: quotas are checked, the submission
// moves to pending review and the session is destroyed.
func (m *SessionManager) Finalize(ctx context.Context, authorID int64) (uint, error) {
	defer m.lockAuthor(authorID)()

	s, ok := m.Current(authorID)
	if !ok {
		return 0, NewError(KindNoActiveSession, 0, authorID, nil)
	}
	if !hasContent(s.Blocks) {
		return 0, NewError(KindEmptySubmission, s.SubmissionID, authorID, nil)
	}
	if m.requirePreview && s.Preview == "" {
		return 0, NewError(KindPreviewMissing, s.SubmissionID, authorID, nil)
	}
	if m.limiter != nil {
		if err := m.limiter.Check(ctx, authorID, s.Anonymous()); err != nil {
			if e, ok := err.(*Error); ok {
				e.SubmissionID = s.SubmissionID
			}
			return 0, err
		}
	}
	if err := m.store.Confirm(ctx, s.SubmissionID, s.Preview, m.now()); err != nil {
		return 0, err
	}
	if m.limiter != nil {
		m.limiter.Log(authorID, s.Anonymous())
	}
	m.drop(authorID)
	return s.SubmissionID, nil
}

// Cancel discards the author's session together with its submission row and
// stored content.
func (m *SessionManager) Cancel(ctx context.Context, authorID int64) (uint, error) {
	defer m.lockAuthor(authorID)()

	s, ok := m.Current(authorID)
	if !ok {
		return 0, NewError(KindNoActiveSession, 0, authorID, nil)
	}
	if err := m.store.Delete(ctx, s.SubmissionID, models.StatusCreated); err != nil && KindOf(err) != KindNotFound {
		return 0, err
	}
	if err := m.content.Remove(s.SubmissionID); err != nil {
		log.Printf("submission: cancel: %v", err)
	}
	m.drop(authorID)
	return s.SubmissionID, nil
}

func (m *SessionManager) drop(authorID int64) {
	m.mu.Lock()
	delete(m.sessions, authorID)
	m.mu.Unlock()
}

// Expired returns copies of the sessions started before cutoff.
func (m *SessionManager) Expired(cutoff time.Time) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, s := range m.sessions {
		if s.StartedAt.Before(cutoff) {
			out = append(out, copySession(s))
		}
	}
	return out
}

// Expire destroys the author's session if it still refers to submissionID,
// deleting the unconfirmed row and its content. It reports whether a session
// was removed. A row that has already vanished is not an error.
func (m *SessionManager) Expire(ctx context.Context, authorID int64, submissionID uint) (bool, error) {
	defer m.lockAuthor(authorID)()

	s, ok := m.Current(authorID)
	if !ok || s.SubmissionID != submissionID {
		return false, nil
	}
	m.drop(authorID)
	if err := m.content.Remove(submissionID); err != nil {
		log.Printf("submission: expire: %v", err)
	}
	if err := m.store.Delete(ctx, submissionID, models.StatusCreated); err != nil && KindOf(err) != KindNotFound {
		return true, err
	}
	return true, nil
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
