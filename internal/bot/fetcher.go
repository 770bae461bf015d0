package bot

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"github.com/hashicorp/go-retryablehttp"
)

// maxAttachmentBytes caps a single downloaded attachment.
const maxAttachmentBytes = 20 << 20

// Fetcher downloads attachment images into a submission's content directory
// so previews survive the platform expiring its CDN links.
type Fetcher struct {
	client  *http.Client
	content *submission.ContentStore
	token   string
}

// FetcherOpts holds parameters for creating a Fetcher.
type FetcherOpts struct {
	Content *submission.ContentStore
	Client  *http.Client // defaults to a retrying client
	// Token is sent as a bearer token. Slack requires it for private files.
	Token string
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOpts) (*Fetcher, error) {
	if opts.Content == nil {
		return nil, fmt.Errorf("bot: fetcher: content store is required")
	}
	client := opts.Client
	if client == nil {
		client = robustHTTPClient()
	}
	return &Fetcher{client: client, content: opts.Content, token: opts.Token}, nil
}

func robustHTTPClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil
	client := retryClient.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

// Fetch downloads b.URL into the content directory of submission id and
// returns b with File set. name is the base file name without extension.
func (f *Fetcher) Fetch(ctx context.Context, id uint, name string, b submission.Block) (submission.Block, error) {
	if b.URL == "" {
		return b, fmt.Errorf("bot: fetch: block has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return b, fmt.Errorf("bot: fetch %s: %w", b.URL, err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return b, fmt.Errorf("bot: fetch %s: %w", b.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b, fmt.Errorf("bot: fetch %s: status %d", b.URL, resp.StatusCode)
	}

	file, err := f.content.Save(id, name+extension(b.URL, resp.Header.Get("Content-Type")),
		io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return b, err
	}
	b.File = file
	return b, nil
}

// extension picks a file extension from the URL path, falling back to the
// content type.
func extension(rawURL, contentType string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := path.Ext(p); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ".bin"
}
