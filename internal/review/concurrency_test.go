package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/db"
	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// newSharedFileFixture opens one sqlite file through two connections, the
// way the CLI and a running bot share a database, and returns a coordinator
// on each. Both publish to the same backend.
func newSharedFileFixture(t *testing.T, quorum, queue int) (*fixture, *Coordinator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *submission.Store {
		gdb, err := db.OpenSQLite(path)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		if err := db.AutoMigrate(gdb); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		t.Cleanup(func() {
			if sqlDB, err := gdb.DB(); err == nil {
				sqlDB.Close()
			}
		})
		return submission.NewStore(gdb)
	}

	f := &fixture{
		store:    open(),
		content:  submission.NewContentStore(t.TempDir()),
		backend:  &fakeBackend{delay: 20 * time.Millisecond},
		notifier: newRecordingNotifier(),
	}
	var err error
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
	other, err := NewCoordinator(CoordinatorOpts{
		Store:    open(),
		Content:  f.content,
		Backend:  f.backend,
		Notifier: f.notifier,
		Quorum:   quorum,
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return f, other
}

// publishCounts counts how often each handle reached the backend.
func publishCounts(batches [][]string) map[string]int {
	n := make(map[string]int)
	for _, b := range batches {
		for _, h := range b {
			n[h]++
		}
	}
	return n
}

func TestCoordinators_SharedDatabaseDrainOnce(t *testing.T) {
	f, other := newSharedFileFixture(t, 1, 2)
	var ids []uint
	for i := int64(1); i <= 6; i++ {
		ids = append(ids, f.submit(t, i, false))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, c := range []*Coordinator{f.coord, other} {
			wg.Add(1)
			go func(c *Coordinator, id uint) {
				defer wg.Done()
				_, err := c.Approve(context.Background(), 10, id)
				if err != nil && !errors.Is(err, submission.ErrNotFound) {
					t.Errorf("Approve #%d: %v", id, err)
				}
			}(c, id)
		}
	}
	wg.Wait()

	batches := f.backend.published()
	if len(batches) != 3 {
		t.Errorf("published %d batches, want 3: %v", len(batches), batches)
	}
	counts := publishCounts(batches)
	for _, id := range ids {
		h := fmt.Sprintf("h:art-%d", id)
		if counts[h] != 1 {
			t.Errorf("%s published %d times, want once", h, counts[h])
		}
		if got := status(t, f, id); got != models.StatusPublished {
			t.Errorf("#%d status = %q, want %q", id, got, models.StatusPublished)
		}
	}
}

func TestCoordinators_SharedDatabasePushOnce(t *testing.T) {
	f, other := newSharedFileFixture(t, 1, 10)
	ctx := context.Background()
	var ids []uint
	for i := int64(1); i <= 3; i++ {
		id := f.submit(t, i, false)
		f.approveBy(t, id, 10)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Coordinator{f.coord, other} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			_, errs[i] = c.Push(ctx, 10, ids...)
		}(i, c)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if !errors.Is(err, submission.ErrNotFound) {
				t.Errorf("losing push err = %v, want ErrNotFound", err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("push errors = %v, want exactly one", errs)
	}
	if got := f.backend.published(); len(got) != 1 {
		t.Errorf("published %v, want one batch", got)
	}
}

func TestCoordinators_ClaimedBatchIsSkipped(t *testing.T) {
	f, other := newSharedFileFixture(t, 1, 10)
	ctx := context.Background()
	a := f.submit(t, 1, false)
	b := f.submit(t, 2, false)
	f.approveBy(t, a, 10)
	f.approveBy(t, b, 10)

	// The first process has claimed the batch and not finished yet.
	if err := f.store.Claim(ctx, []uint{a, b}, models.StatusQueued); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := other.Push(ctx, 10, a, b); !errors.Is(err, submission.ErrNotFound) {
		t.Errorf("push of claimed batch err = %v, want ErrNotFound", err)
	}
	if got := f.backend.published(); len(got) != 0 {
		t.Errorf("published %v, want nothing", got)
	}
	if _, err := other.Delete(ctx, 10, a); !errors.Is(err, submission.ErrNotFound) {
		t.Errorf("delete of claimed row err = %v, want ErrNotFound", err)
	}
}

func TestApprove_ParallelOperatorsPublishOrderedBatches(t *testing.T) {
	f := newFixture(t, 2, 4)
	var ids []uint
	for i := int64(1); i <= 8; i++ {
		ids = append(ids, f.submit(t, i, false))
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(op int64) {
			defer wg.Done()
			_, err := f.coord.Approve(context.Background(), op, ids...)
			if err != nil && !errors.Is(err, submission.ErrNotFound) {
				t.Errorf("Approve by %d: %v", op, err)
			}
		}(int64(10 + g%2))
	}
	wg.Wait()

	want := [][]string{
		{"h:art-1", "h:art-2", "h:art-3", "h:art-4"},
		{"h:art-5", "h:art-6", "h:art-7", "h:art-8"},
	}
	if got := f.backend.published(); !reflect.DeepEqual(got, want) {
		t.Errorf("published = %v, want %v", got, want)
	}
}

func TestApprove_ParallelPairsPublishEachOnce(t *testing.T) {
	f := newFixture(t, 2, 4)
	var ids []uint
	for i := int64(1); i <= 8; i++ {
		ids = append(ids, f.submit(t, i, false))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, op := range []int64{10, 20} {
			wg.Add(1)
			go func(id uint, op int64) {
				defer wg.Done()
				if _, err := f.coord.Approve(context.Background(), op, id); err != nil {
					t.Errorf("Approve #%d by %d: %v", id, op, err)
				}
			}(id, op)
		}
	}
	wg.Wait()

	batches := f.backend.published()
	if len(batches) != 2 {
		t.Fatalf("published %d batches, want 2: %v", len(batches), batches)
	}
	for _, b := range batches {
		if len(b) != 4 || !sort.StringsAreSorted(b) {
			t.Errorf("batch %v, want four handles in id order", b)
		}
	}
	counts := publishCounts(batches)
	for _, id := range ids {
		if h := fmt.Sprintf("h:art-%d", id); counts[h] != 1 {
			t.Errorf("%s published %d times, want once", h, counts[h])
		}
	}
}

func TestReaper_SweepOverlapsApprove(t *testing.T) {
	f, sessions, reaper, clock := newReaperFixture(t)
	ctx := context.Background()

	var stale []uint
	for author := int64(101); author <= 104; author++ {
		id, err := sessions.Start(ctx, author, "", submission.StartOptions{})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		stale = append(stale, id)
	}
	var ids []uint
	for i := int64(1); i <= 4; i++ {
		ids = append(ids, f.submit(t, i, false))
	}
	clock.t = clock.t.Add(3 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		expired []uint
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := reaper.Sweep(ctx)
			mu.Lock()
			expired = append(expired, got...)
			mu.Unlock()
		}()
	}
	for _, id := range ids {
		for _, op := range []int64{10, 20} {
			wg.Add(1)
			go func(id uint, op int64) {
				defer wg.Done()
				if _, err := f.coord.Approve(ctx, op, id); err != nil {
					t.Errorf("Approve #%d by %d: %v", id, op, err)
				}
			}(id, op)
		}
	}
	wg.Wait()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	if !reflect.DeepEqual(expired, stale) {
		t.Errorf("expired = %v, want %v once each", expired, stale)
	}
	for _, id := range stale {
		if _, err := f.store.Get(ctx, id); !errors.Is(err, submission.ErrNotFound) {
			t.Errorf("stale #%d survived: %v", id, err)
		}
	}
	if got := f.backend.published(); len(got) != 1 || len(got[0]) != 4 {
		t.Errorf("published = %v, want one batch of four", got)
	}
	for _, id := range ids {
		if got := status(t, f, id); got != models.StatusPublished {
			t.Errorf("#%d status = %q, want %q", id, got, models.StatusPublished)
		}
	}
}
