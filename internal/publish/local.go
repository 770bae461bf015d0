package publish

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local publishes batches into a directory album: each batch becomes one
// sub-directory holding one file per submission.
type Local struct {
	dir string
	now func() time.Time
}

// LocalOpts holds parameters for creating a Local backend.
type LocalOpts struct {
	Dir string
	Now func() time.Time // defaults to time.Now
}

// NewLocal creates a Local backend, creating the album directory if needed.
func NewLocal(opts LocalOpts) (*Local, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("publish: local: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("publish: local: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Local{dir: opts.Dir, now: now}, nil
}

// Upload checks that the artifact is readable. The handle is its path.
func (l *Local) Upload(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("publish: local: upload: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("publish: local: upload: %s is a directory", path)
	}
	return path, nil
}

// Publish copies every staged artifact into a new batch directory. On any
// failure the partial batch is removed.
func (l *Local) Publish(ctx context.Context, handles []string) ([]string, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("publish: local: empty batch")
	}
	batch, err := os.MkdirTemp(l.dir, l.now().UTC().Format("20060102-150405-"))
	if err != nil {
		return nil, fmt.Errorf("publish: local: %w", err)
	}

	refs := make([]string, 0, len(handles))
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(batch)
			return nil, err
		}
		dst := filepath.Join(batch, artifactName(h))
		if err := copyFile(h, dst); err != nil {
			os.RemoveAll(batch)
			return nil, fmt.Errorf("publish: local: %w", err)
		}
		refs = append(refs, filepath.ToSlash(filepath.Join(filepath.Base(batch), filepath.Base(dst))))
	}
	log.Printf("publish: local: batch %s with %d item(s)", filepath.Base(batch), len(refs))
	return refs, nil
}

// Delete removes a published artifact, and its batch directory once empty.
func (l *Local) Delete(ctx context.Context, ref string) error {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("publish: local: invalid ref %q", ref)
	}
	path := filepath.Join(l.dir, clean)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("publish: local: delete %s: %w", ref, err)
	}
	if batch := filepath.Dir(path); batch != filepath.Clean(l.dir) {
		// Fails harmlessly while other items remain.
		os.Remove(batch)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
