package submission

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ElementKind is the type of one content element within a message.
type ElementKind string

const (
	ElementText    ElementKind = "text"
	ElementImage   ElementKind = "image"
	ElementSticker ElementKind = "sticker"
	ElementBreak   ElementKind = "br" // message boundary
)

// Supported reports whether elements of this kind can be part of a submission.
func (k ElementKind) Supported() bool {
	switch k {
	case ElementText, ElementImage, ElementSticker, ElementBreak:
		return true
	}
	return false
}

// Block is one content element, tagged with the chat message it came from
// so that a recall of that message can retract it.
type Block struct {
	MessageID string
	Kind      ElementKind
	Text      string // text body, or sticker name
	URL       string // remote location of an image or sticker
	File      string // local copy inside the submission's content dir
}

// hasContent reports whether blocks holds anything beyond message breaks.
func hasContent(blocks []Block) bool {
	for _, b := range blocks {
		if b.Kind != ElementBreak {
			return true
		}
	}
	return false
}

// ContentStore keeps the files backing each submission (downloaded images,
// rendered previews) in one directory per submission id.
type ContentStore struct {
	root string
}

// NewContentStore returns a ContentStore rooted at dir.
func NewContentStore(dir string) *ContentStore {
	return &ContentStore{root: dir}
}

// Root returns the base directory.
func (c *ContentStore) Root() string { return c.root }

// Dir returns the directory of a submission. It may not exist yet.
func (c *ContentStore) Dir(id uint) string {
	return filepath.Join(c.root, strconv.FormatUint(uint64(id), 10))
}

// Ensure creates the submission directory.
func (c *ContentStore) Ensure(id uint) (string, error) {
	dir := c.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("submission: content dir #%d: %w", id, err)
	}
	return dir, nil
}

// Save writes r to name inside the submission directory and returns the
// file path. Only the base of name is used.
func (c *ContentStore) Save(id uint, name string, r io.Reader) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("submission: invalid content name %q", name)
	}
	dir, err := c.Ensure(id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, base)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("submission: save %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("submission: save %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("submission: save %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes the submission directory. A missing directory is not an error.
func (c *ContentStore) Remove(id uint) error {
	if err := os.RemoveAll(c.Dir(id)); err != nil {
		return fmt.Errorf("submission: remove content #%d: %w", id, err)
	}
	return nil
}

// Contains reports whether path lies inside the store root.
func (c *ContentStore) Contains(path string) bool {
	root, err := filepath.Abs(c.root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
