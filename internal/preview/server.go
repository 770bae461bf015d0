// Package preview serves rendered submission previews and a small review
// listing over HTTP. Every route except /healthz requires the access token,
// passed as ?token= or as a bearer token.
package preview

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultListen is the address the server binds when none is configured.
const DefaultListen = "127.0.0.1:8413"

// Server is the preview HTTP server.
type Server struct {
	store   *submission.Store
	content *submission.ContentStore
	coord   *review.Coordinator
	listen  string
	baseURL string
	token   string
	out     io.Writer
}

// Opts holds configuration for the preview server.
type Opts struct {
	Store       *submission.Store
	Content     *submission.ContentStore
	Coordinator *review.Coordinator // optional; enables /api/summary
	Listen      string              // defaults to DefaultListen
	BaseURL     string              // external URL prefix for links; defaults to http://<Listen>
	Token       string              // defaults to a random UUID
	Out         io.Writer
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("preview: store is required")
	}
	if opts.Content == nil {
		return nil, fmt.Errorf("preview: content store is required")
	}
	listen := opts.Listen
	if listen == "" {
		listen = DefaultListen
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://" + listen
	}
	token := opts.Token
	if token == "" {
		token = uuid.NewString()
	}
	return &Server{
		store:   opts.Store,
		content: opts.Content,
		coord:   opts.Coordinator,
		listen:  listen,
		baseURL: base,
		token:   token,
		out:     opts.Out,
	}, nil
}

// Token returns the access token.
func (s *Server) Token() string { return s.token }

// URLFor returns the tokenised preview link of a submission.
func (s *Server) URLFor(id uint) string {
	return s.baseURL + "/preview/" + strconv.FormatUint(uint64(id), 10) + "?token=" + url.QueryEscape(s.token)
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(indexTmpl)
	s.registerRoutes(router)
	return router
}

// Start runs the server. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Preview server running at %s\n", s.baseURL)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("preview: %w", err)
	}
	return nil
}

// requireToken rejects requests without the access token.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.Query("token")
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

var indexTmpl = template.Must(template.New("index.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.title}}</title></head>
<body>
<h1>{{.title}}</h1>
<p>{{.summary}}</p>
<table>
<tr><th>#</th><th>Author</th><th>Status</th><th>Approvals</th><th>Created</th></tr>
{{range .items}}<tr>
<td><a href="{{.PreviewURL}}">{{.ID}}</a></td>
<td>{{.SenderName}}</td>
<td>{{.Status}}</td>
<td>{{.Approvals}}</td>
<td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))
