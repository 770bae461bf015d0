// Package publish implements the external album backends that approved
// submissions are published to. Artifacts go through two steps: Upload
// stages one rendered preview and returns a handle, and Publish commits a
// batch of handles in one operation, returning one reference per handle in
// order.
package publish

import (
	"fmt"
	"path/filepath"

	"github.com/Web-Art-Online/Nishikigi/internal/config"
	"github.com/Web-Art-Online/Nishikigi/internal/review"
)

// New builds the backend selected by cfg.
func New(cfg config.PublishConfig) (review.PublishBackend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(LocalOpts{Dir: cfg.Local.Dir})
	case "github":
		return NewGitHub(GitHubOpts{
			Owner:  cfg.GitHub.Owner,
			Repo:   cfg.GitHub.Repo,
			Branch: cfg.GitHub.Branch,
			Dir:    cfg.GitHub.Dir,
			Token:  cfg.GitHub.Token,
		})
	default:
		return nil, fmt.Errorf("publish: unknown backend %q", cfg.Backend)
	}
}

// artifactName names a published artifact after its submission: content
// dirs are named by submission id, so data/12/preview.html becomes 12.html.
func artifactName(path string) string {
	return filepath.Base(filepath.Dir(path)) + filepath.Ext(path)
}
