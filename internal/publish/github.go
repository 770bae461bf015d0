package publish

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

const defaultBranch = "main"

// GitHub publishes each batch as a single commit to a repository. Upload
// creates a blob; Publish builds one tree holding every blob of the batch and
// moves the branch to a commit of it.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	branch string
	dir    string
	now    func() time.Time
}

// GitHubOpts holds parameters for creating a GitHub backend.
type GitHubOpts struct {
	Owner  string
	Repo   string
	Branch string // defaults to "main"
	Dir    string // folder inside the repository; empty means the root
	Token  string
	// For testing: inject a client pointed at a fake API.
	Client *github.Client
	Now    func() time.Time
}

// NewGitHub creates a GitHub backend. Without an injected client it
// authenticates with Token over a retrying transport.
func NewGitHub(opts GitHubOpts) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("publish: github: owner and repo are required")
	}
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("publish: github: token is required")
		}
		client = newGitHubClient(opts.Token)
	}
	branch := opts.Branch
	if branch == "" {
		branch = defaultBranch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GitHub{
		client: client,
		owner:  opts.Owner,
		repo:   opts.Repo,
		branch: branch,
		dir:    strings.Trim(opts.Dir, "/"),
		now:    now,
	}, nil
}

func newGitHubClient(token string) *github.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	base := retryClient.StandardClient()
	base.Timeout = 60 * time.Second

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// Upload stores the artifact as a git blob. The handle is "<sha> <name>".
func (g *GitHub) Upload(ctx context.Context, localPath string) (string, error) {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("publish: github: upload: %w", err)
	}
	blob, _, err := g.client.Git.CreateBlob(ctx, g.owner, g.repo, &github.Blob{
		Content:  github.Ptr(base64.StdEncoding.EncodeToString(raw)),
		Encoding: github.Ptr("base64"),
	})
	if err != nil {
		return "", fmt.Errorf("publish: github: create blob: %w", err)
	}
	return blob.GetSHA() + " " + artifactName(localPath), nil
}

// Publish commits every uploaded blob in one commit on the branch.
func (g *GitHub) Publish(ctx context.Context, handles []string) ([]string, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("publish: github: empty batch")
	}

	ref, _, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+g.branch)
	if err != nil {
		return nil, fmt.Errorf("publish: github: get ref: %w", err)
	}
	parent, _, err := g.client.Git.GetCommit(ctx, g.owner, g.repo, ref.GetObject().GetSHA())
	if err != nil {
		return nil, fmt.Errorf("publish: github: get commit: %w", err)
	}

	stamp := g.now().UTC().Format("2006-01-02")
	entries := make([]*github.TreeEntry, 0, len(handles))
	paths := make([]string, 0, len(handles))
	for _, h := range handles {
		sha, name, ok := strings.Cut(h, " ")
		if !ok || sha == "" || name == "" {
			return nil, fmt.Errorf("publish: github: invalid handle %q", h)
		}
		p := path.Join(g.dir, stamp, name)
		paths = append(paths, p)
		entries = append(entries, &github.TreeEntry{
			Path: github.Ptr(p),
			Mode: github.Ptr("100644"),
			Type: github.Ptr("blob"),
			SHA:  github.Ptr(sha),
		})
	}

	tree, _, err := g.client.Git.CreateTree(ctx, g.owner, g.repo, parent.GetTree().GetSHA(), entries)
	if err != nil {
		return nil, fmt.Errorf("publish: github: create tree: %w", err)
	}
	commit, _, err := g.client.Git.CreateCommit(ctx, g.owner, g.repo, &github.Commit{
		Message: github.Ptr(fmt.Sprintf("Publish %d submission(s)", len(handles))),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: parent.SHA}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("publish: github: create commit: %w", err)
	}
	ref.Object.SHA = commit.SHA
	if _, _, err := g.client.Git.UpdateRef(ctx, g.owner, g.repo, ref, false); err != nil {
		return nil, fmt.Errorf("publish: github: update ref: %w", err)
	}
	log.Printf("publish: github: commit %s with %d item(s)", commit.GetSHA(), len(handles))

	refs := make([]string, len(paths))
	for i, p := range paths {
		refs[i] = g.urlFor(p)
	}
	return refs, nil
}

// Delete removes a published file with a follow-up commit.
func (g *GitHub) Delete(ctx context.Context, ref string) error {
	p, ok := strings.CutPrefix(ref, g.urlFor(""))
	if !ok || p == "" {
		return fmt.Errorf("publish: github: ref %q is not in %s/%s", ref, g.owner, g.repo)
	}
	file, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, p,
		&github.RepositoryContentGetOptions{Ref: g.branch})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("publish: github: %s no longer exists", p)
		}
		return fmt.Errorf("publish: github: get %s: %w", p, err)
	}
	if file == nil {
		return fmt.Errorf("publish: github: %s is a directory", p)
	}
	_, _, err = g.client.Repositories.DeleteFile(ctx, g.owner, g.repo, p, &github.RepositoryContentFileOptions{
		Message: github.Ptr("Withdraw " + path.Base(p)),
		SHA:     file.SHA,
		Branch:  github.Ptr(g.branch),
	})
	if err != nil {
		return fmt.Errorf("publish: github: delete %s: %w", p, err)
	}
	return nil
}

func (g *GitHub) urlFor(p string) string {
	return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", g.owner, g.repo, g.branch, p)
}
