package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/db"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

type recordingNotifier struct {
	mu       sync.Mutex
	authors  map[int64][]string
	admin    []string
	presence []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{authors: make(map[int64][]string)}
}

func (n *recordingNotifier) SendToAuthor(_ context.Context, authorID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authors[authorID] = append(n.authors[authorID], text)
	return nil
}

func (n *recordingNotifier) SendToAdmin(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, text)
	return nil
}

func (n *recordingNotifier) UpdatePresence(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.presence = append(n.presence, text)
	return nil
}

func (n *recordingNotifier) toAuthor(id int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.authors[id]...)
}

type fakeBackend struct {
	mu         sync.Mutex
	uploads    []string
	publishes  [][]string
	deletes    []string
	failUpload error
	failPub    error
	failDelete error
	delay      time.Duration // held inside Publish to widen races
}

func (b *fakeBackend) Upload(_ context.Context, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failUpload != nil {
		return "", b.failUpload
	}
	b.uploads = append(b.uploads, path)
	return "h:" + path, nil
}

func (b *fakeBackend) Publish(_ context.Context, handles []string) ([]string, error) {
	time.Sleep(b.delay)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPub != nil {
		return nil, b.failPub
	}
	b.publishes = append(b.publishes, append([]string(nil), handles...))
	refs := make([]string, len(handles))
	for i, h := range handles {
		refs[i] = "ref:" + h
	}
	return refs, nil
}

func (b *fakeBackend) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDelete != nil {
		return b.failDelete
	}
	b.deletes = append(b.deletes, ref)
	return nil
}

type fixture struct {
	store    *submission.Store
	content  *submission.ContentStore
	backend  *fakeBackend
	notifier *recordingNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T, quorum, queue int) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		store:    submission.NewStore(gdb),
		content:  submission.NewContentStore(t.TempDir()),
		backend:  &fakeBackend{},
		notifier: newRecordingNotifier(),
	}
	f.coord, err = NewCoordinator(CoordinatorOpts{
		Store:    f.store,
		Content:  f.content,
		Backend:  f.backend,
		Notifier: f.notifier,
		Quorum:   quorum,
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return f
}

// submit creates a confirmed submission by author whose artifact is "art-<id>".
func (f *fixture) submit(t *testing.T, author int64, single bool) uint {
	t.Helper()
	ctx := context.Background()
	name := fmt.Sprintf("user%d", author)
	sub, err := f.store.Create(ctx, author, &name, single)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.store.Confirm(ctx, sub.ID, fmt.Sprintf("art-%d", sub.ID), time.Now()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return sub.ID
}

// submitAnonymous is submit without a display name.
func (f *fixture) submitAnonymous(t *testing.T, author int64, single bool) uint {
	t.Helper()
	ctx := context.Background()
	sub, err := f.store.Create(ctx, author, nil, single)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.store.Confirm(ctx, sub.ID, fmt.Sprintf("art-%d", sub.ID), time.Now()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return sub.ID
}

// published returns a copy of every handle list passed to Publish.
func (b *fakeBackend) published() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.publishes...)
}

// approveBy has each operator approve id, failing the test on error.
func (f *fixture) approveBy(t *testing.T, id uint, operators ...int64) *ApproveReport {
	t.Helper()
	var last *ApproveReport
	for _, op := range operators {
		r, err := f.coord.Approve(context.Background(), op, id)
		if err != nil {
			t.Fatalf("Approve(#%d by %d): %v", id, op, err)
		}
		last = r
	}
	return last
}

var errBackend = errors.New("backend unavailable")
