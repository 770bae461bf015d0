package submission

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"gorm.io/gorm"
)

type sessionFixture struct {
	store   *Store
	content *ContentStore
	clock   *fakeClock
	mgr     *SessionManager
}

func newSessionFixture(t *testing.T, requirePreview bool) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		store:   testStore(t),
		content: NewContentStore(t.TempDir()),
		clock:   newClock(),
	}
	rl, err := NewRateLimiter(RateLimiterOpts{Store: f.store, Location: time.UTC, Now: f.clock.Now})
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	f.mgr, err = NewSessionManager(SessionManagerOpts{
		Store:          f.store,
		Content:        f.content,
		Limiter:        rl,
		RequirePreview: requirePreview,
		Now:            f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return f
}

func text(msgID, body string) Block {
	return Block{MessageID: msgID, Kind: ElementText, Text: body}
}

func TestNewSessionManager_Validation(t *testing.T) {
	if _, err := NewSessionManager(SessionManagerOpts{}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewSessionManager(SessionManagerOpts{Store: testStore(t)}); err == nil {
		t.Error("expected error without content store")
	}
}

func TestSession_StartConflict(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()

	id, err := f.mgr.Start(ctx, 1, "alice", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = f.mgr.Start(ctx, 1, "alice", StartOptions{Anonymous: true})
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("second Start err = %v, want ErrSessionConflict", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.SubmissionID != id || se.AuthorID != 1 {
		t.Errorf("conflict context = %+v, want submission %d author 1", se, id)
	}

	sub, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.Status != models.StatusCreated || sub.Author() != "alice" {
		t.Errorf("row = (%q, %q), want (created, alice)", sub.Status, sub.Author())
	}
	if _, err := os.Stat(f.content.Dir(id)); err != nil {
		t.Errorf("content dir missing: %v", err)
	}
}

func TestSession_AnonymousHasNoName(t *testing.T) {
	f := newSessionFixture(t, false)
	id, _ := f.mgr.Start(context.Background(), 1, "alice", StartOptions{Anonymous: true, Single: true})
	sub, _ := f.store.Get(context.Background(), id)
	if !sub.Anonymous() || !sub.Single {
		t.Errorf("row = (anon %v, single %v), want (true, true)", sub.Anonymous(), sub.Single)
	}
}

func TestSession_AppendWithoutSession(t *testing.T) {
	f := newSessionFixture(t, false)
	if _, err := f.mgr.AppendContent(1, text("m1", "hi")); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestSession_AppendRejectsPerBlock(t *testing.T) {
	f := newSessionFixture(t, false)
	f.mgr.Start(context.Background(), 1, "alice", StartOptions{})

	n, err := f.mgr.AppendContent(1,
		text("m1", "hello"),
		Block{MessageID: "m1", Kind: "voice"},
		Block{MessageID: "m1", Kind: ElementImage, URL: "https://example.com/a.png"},
		Block{MessageID: "m1", Kind: ElementBreak},
	)
	if n != 3 {
		t.Errorf("appended = %d, want 3", n)
	}
	if !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("err = %v, want ErrUnsupportedContent", err)
	}
	var uerr *UnsupportedContentError
	if !errors.As(err, &uerr) {
		t.Fatalf("err type = %T, want *UnsupportedContentError", err)
	}
	if len(uerr.Rejected) != 1 || uerr.Rejected[0].Index != 1 || uerr.Rejected[0].Kind != "voice" {
		t.Errorf("Rejected = %+v, want index 1 voice", uerr.Rejected)
	}

	s, _ := f.mgr.Current(1)
	if len(s.Blocks) != 3 {
		t.Errorf("blocks = %d, want 3", len(s.Blocks))
	}
}

func TestSession_Retract(t *testing.T) {
	f := newSessionFixture(t, false)
	f.mgr.Start(context.Background(), 1, "alice", StartOptions{})
	f.mgr.AppendContent(1, text("m1", "a"), Block{MessageID: "m1", Kind: ElementBreak})
	f.mgr.AppendContent(1, text("m2", "b"))

	if got := f.mgr.Retract(1, "m1"); got != 2 {
		t.Errorf("Retract = %d, want 2", got)
	}
	s, _ := f.mgr.Current(1)
	if len(s.Blocks) != 1 || s.Blocks[0].Text != "b" {
		t.Errorf("blocks = %+v, want only m2", s.Blocks)
	}
	if got := f.mgr.Retract(2, "m1"); got != 0 {
		t.Errorf("Retract without session = %d, want 0", got)
	}
}

func TestSession_FinalizeEmpty(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()
	id, _ := f.mgr.Start(ctx, 1, "alice", StartOptions{})
	f.mgr.AppendContent(1, Block{MessageID: "m1", Kind: ElementBreak})

	if _, err := f.mgr.Finalize(ctx, 1); !errors.Is(err, ErrEmptySubmission) {
		t.Fatalf("err = %v, want ErrEmptySubmission", err)
	}
	sub, _ := f.store.Get(ctx, id)
	if sub.Status != models.StatusCreated {
		t.Errorf("Status = %q, want %q", sub.Status, models.StatusCreated)
	}
	pending, _ := f.store.IDs(ctx, models.StatusPending)
	if len(pending) != 0 {
		t.Errorf("pending = %v, want none", pending)
	}
}

func TestSession_FinalizeNoSession(t *testing.T) {
	f := newSessionFixture(t, false)
	if _, err := f.mgr.Finalize(context.Background(), 1); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestSession_FinalizeRequiresPreview(t *testing.T) {
	f := newSessionFixture(t, true)
	ctx := context.Background()
	f.mgr.Start(ctx, 1, "alice", StartOptions{})
	f.mgr.AppendContent(1, text("m1", "hi"))

	if _, err := f.mgr.Finalize(ctx, 1); !errors.Is(err, ErrPreviewMissing) {
		t.Fatalf("err = %v, want ErrPreviewMissing", err)
	}
	f.mgr.SetPreview(1, "/tmp/preview.png")
	// New content invalidates the preview.
	f.mgr.AppendContent(1, text("m2", "more"))
	if _, err := f.mgr.Finalize(ctx, 1); !errors.Is(err, ErrPreviewMissing) {
		t.Fatalf("err after edit = %v, want ErrPreviewMissing", err)
	}

	f.mgr.SetPreview(1, "/tmp/preview.png")
	id, err := f.mgr.Finalize(ctx, 1)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sub, _ := f.store.Get(ctx, id)
	if sub.Artifact != "/tmp/preview.png" {
		t.Errorf("Artifact = %q, want preview path", sub.Artifact)
	}
}

func TestSession_FinalizeCommits(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()
	id, _ := f.mgr.Start(ctx, 1, "alice", StartOptions{})
	f.mgr.AppendContent(1, text("m1", "hi"))

	got, err := f.mgr.Finalize(ctx, 1)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != id {
		t.Errorf("Finalize id = %d, want %d", got, id)
	}
	sub, _ := f.store.Get(ctx, id)
	if sub.Status != models.StatusPending || sub.ConfirmedAt == nil {
		t.Errorf("row = (%q, confirmed %v), want pending with timestamp", sub.Status, sub.ConfirmedAt)
	}
	if _, ok := f.mgr.Current(1); ok {
		t.Error("session should be destroyed")
	}
	if _, err := f.mgr.Start(ctx, 1, "alice", StartOptions{}); err != nil {
		t.Errorf("Start after finalize: %v", err)
	}
}

func TestSession_AnonymousOncePerDay(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()

	submit := func() error {
		if _, err := f.mgr.Start(ctx, 7, "x", StartOptions{Anonymous: true}); err != nil {
			return err
		}
		f.mgr.AppendContent(7, text("m", "hi"))
		_, err := f.mgr.Finalize(ctx, 7)
		return err
	}

	if err := submit(); err != nil {
		t.Fatalf("first anonymous: %v", err)
	}
	err := submit()
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("second anonymous err = %v, want ErrRateLimitExceeded", err)
	}
	// The blocked session stays open; the author may cancel or wait.
	if _, err := f.mgr.Cancel(ctx, 7); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	if err := submit(); err != nil {
		t.Errorf("after rollover: %v", err)
	}
}

func TestSession_Cancel(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()
	id, _ := f.mgr.Start(ctx, 1, "alice", StartOptions{})

	got, err := f.mgr.Cancel(ctx, 1)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got != id {
		t.Errorf("Cancel id = %d, want %d", got, id)
	}
	if _, err := f.store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("row survived cancel: %v", err)
	}
	if _, err := os.Stat(f.content.Dir(id)); !os.IsNotExist(err) {
		t.Errorf("content dir survived cancel: %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, 1); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("second Cancel err = %v, want ErrNoActiveSession", err)
	}
}

func TestSession_ExpiredAndExpire(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()
	old, _ := f.mgr.Start(ctx, 1, "alice", StartOptions{})
	f.clock.Advance(90 * time.Minute)
	f.mgr.Start(ctx, 2, "bob", StartOptions{})
	f.clock.Advance(time.Hour)

	expired := f.mgr.Expired(f.clock.Now().Add(-2 * time.Hour))
	if len(expired) != 1 || expired[0].SubmissionID != old {
		t.Fatalf("Expired = %+v, want only #%d", expired, old)
	}

	// Row already gone: expire still destroys the session.
	f.store.Delete(ctx, old)
	removed, err := f.mgr.Expire(ctx, 1, old)
	if err != nil || !removed {
		t.Fatalf("Expire = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = f.mgr.Expire(ctx, 1, old)
	if err != nil || removed {
		t.Errorf("repeat Expire = (%v, %v), want (false, nil)", removed, err)
	}
	if f.mgr.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.mgr.Len())
	}
}

func TestSession_StoreIODoesNotBlockOtherAuthors(t *testing.T) {
	f := newSessionFixture(t, false)
	ctx := context.Background()
	for _, author := range []int64{1, 2} {
		if _, err := f.mgr.Start(ctx, author, "name", StartOptions{}); err != nil {
			t.Fatalf("Start %d: %v", author, err)
		}
	}
	f.mgr.AppendContent(1, text("m1", "hello"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	err := f.store.db.Callback().Update().Before("gorm:update").Register("test:hold_confirm", func(*gorm.DB) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Finalize(ctx, 1)
		done <- err
	}()
	<-entered

	other := make(chan struct{})
	go func() {
		defer close(other)
		f.mgr.AppendContent(2, text("m2", "still typing"))
		f.mgr.Current(2)
		f.mgr.Expired(f.clock.Now())
	}()
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("another author's session was blocked by a confirm in flight")
	}

	// The same author waits for the confirm to finish.
	same := make(chan int, 1)
	go func() {
		n, _ := f.mgr.AppendContent(1, text("m3", "late"))
		same <- n
	}()
	select {
	case <-same:
		t.Fatal("append ran while the author's confirm was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := <-same; n != 0 {
		t.Errorf("late append kept %d blocks after finalize, want 0", n)
	}
	if _, ok := f.mgr.Current(1); ok {
		t.Error("finalized session still open")
	}
	f.mgr.mu.Lock()
	n := len(f.mgr.authors)
	f.mgr.mu.Unlock()
	if n != 0 {
		t.Errorf("author locks left = %d, want 0", n)
	}
}
