package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
)

// fakeGitHub serves the handful of git data and contents endpoints the
// backend uses and records what it was asked to do.
type fakeGitHub struct {
	mu       sync.Mutex
	blobs    int
	tree     []map[string]any
	baseTree string
	parents  []string
	movedTo  string
	deleted  []string
	failTree bool
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/o/r/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.blobs++
		n := f.blobs
		f.mu.Unlock()
		writeJSON(w, map[string]any{"sha": "blob" + string(rune('0'+n))})
	})
	mux.HandleFunc("GET /repos/o/r/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "c0"}})
	})
	mux.HandleFunc("GET /repos/o/r/git/commits/c0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"sha": "c0", "tree": map[string]any{"sha": "t0"}})
	})
	mux.HandleFunc("POST /repos/o/r/git/trees", func(w http.ResponseWriter, r *http.Request) {
		if f.failTree {
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
			return
		}
		var body struct {
			BaseTree string           `json:"base_tree"`
			Tree     []map[string]any `json:"tree"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.baseTree, f.tree = body.BaseTree, body.Tree
		f.mu.Unlock()
		writeJSON(w, map[string]any{"sha": "t1"})
	})
	mux.HandleFunc("POST /repos/o/r/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Parents []string `json:"parents"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.parents = body.Parents
		f.mu.Unlock()
		writeJSON(w, map[string]any{"sha": "c1"})
	})
	mux.HandleFunc("PATCH /repos/o/r/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SHA string `json:"sha"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.movedTo = body.SHA
		f.mu.Unlock()
		writeJSON(w, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": body.SHA}})
	})
	mux.HandleFunc("GET /repos/o/r/contents/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/gone.html") {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"type": "file", "sha": "f1", "path": strings.TrimPrefix(r.URL.Path, "/repos/o/r/contents/")})
	})
	mux.HandleFunc("DELETE /repos/o/r/contents/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, strings.TrimPrefix(r.URL.Path, "/repos/o/r/contents/"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{"commit": map[string]any{"sha": "c2"}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestGitHub(t *testing.T) (*GitHub, *fakeGitHub) {
	t.Helper()
	fake := &fakeGitHub{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	client.BaseURL = base

	g, err := NewGitHub(GitHubOpts{
		Owner:  "o",
		Repo:   "r",
		Dir:    "/posts/",
		Client: client,
		Now:    func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	return g, fake
}

func writeArtifact(t *testing.T, root string, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	os.MkdirAll(dir, 0o755)
	p := filepath.Join(dir, "preview.html")
	if err := os.WriteFile(p, []byte("<p>"+id+"</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewGitHub_Validation(t *testing.T) {
	if _, err := NewGitHub(GitHubOpts{Repo: "r", Token: "x"}); err == nil {
		t.Error("missing owner should fail")
	}
	if _, err := NewGitHub(GitHubOpts{Owner: "o", Repo: "r"}); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("err = %v, want token error", err)
	}
	g, err := NewGitHub(GitHubOpts{Owner: "o", Repo: "r", Token: "ghp_x"})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	if g.branch != "main" {
		t.Errorf("branch = %q, want main", g.branch)
	}
}

func TestGitHub_UploadAndPublish(t *testing.T) {
	g, fake := newTestGitHub(t)
	ctx := context.Background()
	root := t.TempDir()

	var handles []string
	for _, id := range []string{"3", "7"} {
		h, err := g.Upload(ctx, writeArtifact(t, root, id))
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		handles = append(handles, h)
	}
	if handles[0] != "blob1 3.html" || handles[1] != "blob2 7.html" {
		t.Fatalf("handles = %v", handles)
	}

	refs, err := g.Publish(ctx, handles)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{
		"https://github.com/o/r/blob/main/posts/2026-03-14/3.html",
		"https://github.com/o/r/blob/main/posts/2026-03-14/7.html",
	}
	if len(refs) != 2 || refs[0] != want[0] || refs[1] != want[1] {
		t.Errorf("refs = %v, want %v", refs, want)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.baseTree != "t0" || len(fake.tree) != 2 || fake.tree[1]["path"] != "posts/2026-03-14/7.html" || fake.tree[1]["sha"] != "blob2" {
		t.Errorf("tree = %v on %q", fake.tree, fake.baseTree)
	}
	if len(fake.parents) != 1 || fake.parents[0] != "c0" {
		t.Errorf("parents = %v, want [c0]", fake.parents)
	}
	if fake.movedTo != "c1" {
		t.Errorf("branch moved to %q, want c1", fake.movedTo)
	}
}

func TestGitHub_PublishFailureLeavesBranch(t *testing.T) {
	g, fake := newTestGitHub(t)
	fake.failTree = true
	if _, err := g.Publish(context.Background(), []string{"blob1 3.html"}); err == nil || !strings.Contains(err.Error(), "create tree") {
		t.Errorf("err = %v, want create tree failure", err)
	}
	if fake.movedTo != "" {
		t.Errorf("branch moved to %q after failure", fake.movedTo)
	}
}

func TestGitHub_PublishRejectsBadHandles(t *testing.T) {
	g, _ := newTestGitHub(t)
	if _, err := g.Publish(context.Background(), nil); err == nil {
		t.Error("empty batch should fail")
	}
	if _, err := g.Publish(context.Background(), []string{"nospace"}); err == nil || !strings.Contains(err.Error(), "invalid handle") {
		t.Errorf("err = %v", err)
	}
}

func TestGitHub_Delete(t *testing.T) {
	g, fake := newTestGitHub(t)
	ctx := context.Background()

	if err := g.Delete(ctx, "https://github.com/o/r/blob/main/posts/2026-03-14/3.html"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "posts/2026-03-14/3.html" {
		t.Errorf("deleted = %v", fake.deleted)
	}

	if err := g.Delete(ctx, "https://github.com/o/r/blob/main/posts/gone.html"); err == nil || !strings.Contains(err.Error(), "no longer exists") {
		t.Errorf("err = %v, want no longer exists", err)
	}
	if err := g.Delete(ctx, "https://example.com/elsewhere"); err == nil {
		t.Error("foreign ref should fail")
	}
}
