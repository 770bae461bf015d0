package bot

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// PreviewFile is the name of the rendered preview inside a content dir.
const PreviewFile = "preview.html"

var previewTmpl = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}} #{{.ID}}</title>
<style>
body { font-family: sans-serif; max-width: 36em; margin: 2em auto; background: #f6f6f6; }
.card { background: #fff; border-radius: 12px; padding: 1em 1.5em; }
.author { color: #666; font-size: 0.9em; }
img { max-width: 100%; border-radius: 8px; }
.sticker { display: inline-block; padding: 0.2em 0.6em; background: #eee; border-radius: 1em; }
</style>
</head>
<body>
<div class="card">
<p class="author">#{{.ID}} · {{.Author}} · {{.Date}}</p>
{{range .Parts}}{{if .Break}}<br>
{{else if .Image}}<p><img src="{{.Image}}" alt="image"></p>
{{else if .Sticker}}<span class="sticker">{{.Sticker}}</span>
{{else}}<p>{{.Text}}</p>
{{end}}{{end}}</div>
</body>
</html>
`))

type previewPart struct {
	Text    string
	Image   template.URL
	Sticker string
	Break   bool
}

type previewData struct {
	Title  string
	ID     uint
	Author string
	Date   string
	Parts  []previewPart
}

// Renderer turns session content into a self-contained HTML page. Images are
// inlined so the page can be published as a single artifact.
type Renderer struct {
	content *submission.ContentStore
	title   string
	now     func() time.Time
}

// NewRenderer creates a Renderer. title heads every page.
func NewRenderer(content *submission.ContentStore, title string) *Renderer {
	return &Renderer{content: content, title: title, now: time.Now}
}

// Render writes the preview of s and returns its path.
func (r *Renderer) Render(s submission.Session) (string, error) {
	data := previewData{
		Title:  r.title,
		ID:     s.SubmissionID,
		Author: "Anonymous",
		Date:   r.now().Format("2006-01-02 15:04"),
	}
	if s.DisplayName != nil {
		data.Author = *s.DisplayName
	}
	for _, b := range s.Blocks {
		switch b.Kind {
		case submission.ElementText:
			data.Parts = append(data.Parts, previewPart{Text: b.Text})
		case submission.ElementBreak:
			data.Parts = append(data.Parts, previewPart{Break: true})
		case submission.ElementSticker:
			data.Parts = append(data.Parts, previewPart{Sticker: b.Text})
		case submission.ElementImage:
			src, err := r.imageSource(b)
			if err != nil {
				return "", err
			}
			data.Parts = append(data.Parts, previewPart{Image: src})
		}
	}

	var buf bytes.Buffer
	if err := previewTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("bot: render #%d: %w", s.SubmissionID, err)
	}
	return r.content.Save(s.SubmissionID, PreviewFile, &buf)
}

// imageSource inlines a downloaded image as a data URL, or links the remote
// copy when the download failed.
func (r *Renderer) imageSource(b submission.Block) (template.URL, error) {
	if b.File == "" {
		if !strings.HasPrefix(b.URL, "https://") && !strings.HasPrefix(b.URL, "http://") {
			return "", fmt.Errorf("bot: render: image url %q is not http(s)", b.URL)
		}
		return template.URL(b.URL), nil
	}
	raw, err := os.ReadFile(b.File)
	if err != nil {
		return "", fmt.Errorf("bot: render: read %s: %w", b.File, err)
	}
	mt := http.DetectContentType(raw)
	return template.URL("data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(raw)), nil
}
