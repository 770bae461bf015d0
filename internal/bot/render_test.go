package bot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestRenderer_Render(t *testing.T) {
	content := submission.NewContentStore(t.TempDir())
	img, err := content.Save(5, "m1-0.png", strings.NewReader(string(pngHeader)))
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	r := NewRenderer(content, "Wall")
	r.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

	name := "Mika"
	path, err := r.Render(submission.Session{
		SubmissionID: 5,
		DisplayName:  &name,
		Blocks: []submission.Block{
			{MessageID: "m1", Kind: submission.ElementText, Text: "<b>hi</b>"},
			{MessageID: "m1", Kind: submission.ElementImage, File: img},
			{MessageID: "m1", Kind: submission.ElementBreak},
			{MessageID: "m2", Kind: submission.ElementSticker, Text: "wave"},
			{MessageID: "m2", Kind: submission.ElementImage, URL: "https://cdn.test/a.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if path != filepath.Join(content.Dir(5), PreviewFile) {
		t.Errorf("path = %q", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	page := string(raw)
	for _, want := range []string{
		"<title>Wall #5</title>",
		"Mika · 2026-03-14 09:30",
		"&lt;b&gt;hi&lt;/b&gt;",
		`src="data:image/png;base64,`,
		`<span class="sticker">wave</span>`,
		`src="https://cdn.test/a.jpg"`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q:\n%s", want, page)
		}
	}
}

func TestRenderer_Anonymous(t *testing.T) {
	content := submission.NewContentStore(t.TempDir())
	path, err := NewRenderer(content, "Wall").Render(submission.Session{
		SubmissionID: 1,
		Blocks:       []submission.Block{{Kind: submission.ElementText, Text: "x"}},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "Anonymous") {
		t.Errorf("page does not credit Anonymous:\n%s", raw)
	}
}

func TestRenderer_RejectsNonHTTPImage(t *testing.T) {
	content := submission.NewContentStore(t.TempDir())
	_, err := NewRenderer(content, "Wall").Render(submission.Session{
		SubmissionID: 1,
		Blocks:       []submission.Block{{Kind: submission.ElementImage, URL: "javascript:alert(1)"}},
	})
	if err == nil || !strings.Contains(err.Error(), "not http(s)") {
		t.Errorf("err = %v, want not http(s)", err)
	}
}
