package preview

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/bot"
	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all preview routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", s.requireToken())
	authed.GET("/", s.handleIndex)
	authed.GET("/preview/:id", s.handlePreview)
	authed.GET("/api/submissions", s.handleList)
	authed.GET("/api/submissions/:id", s.handleShow)
	authed.GET("/api/summary", s.handleSummary)
}

// SubmissionPayload is the JSON form of a submission.
type SubmissionPayload struct {
	ID          uint       `json:"id"`
	SenderID    int64      `json:"sender_id"`
	SenderName  string     `json:"sender_name"`
	Anonymous   bool       `json:"anonymous"`
	Single      bool       `json:"single"`
	Status      string     `json:"status"`
	Approvals   int        `json:"approvals"`
	ExternalRef *string    `json:"external_ref"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
	PublishedAt *time.Time `json:"published_at"`
	PreviewURL  string     `json:"preview_url"`
}

func (s *Server) payload(sub models.Submission) SubmissionPayload {
	return SubmissionPayload{
		ID:          sub.ID,
		SenderID:    sub.AuthorID,
		SenderName:  sub.Author(),
		Anonymous:   sub.Anonymous(),
		Single:      sub.Single,
		Status:      string(sub.Status),
		Approvals:   len(sub.Approvals),
		ExternalRef: sub.ExternalRef,
		CreatedAt:   sub.CreatedAt,
		ConfirmedAt: sub.ConfirmedAt,
		PublishedAt: sub.PublishedAt,
		PreviewURL:  s.URLFor(sub.ID),
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	subs, err := s.store.List(c.Request.Context(), models.StatusPending, models.StatusQueued)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]SubmissionPayload, len(subs))
	for i, sub := range subs {
		items[i] = s.payload(sub)
	}
	summary := ""
	if s.coord != nil {
		if sum, err := s.coord.Summary(c.Request.Context()); err == nil {
			summary = sum.String()
		}
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"title":   "Review queue",
		"summary": summary,
		"items":   items,
	})
}

func (s *Server) handlePreview(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	path := filepath.Join(s.content.Dir(id), bot.PreviewFile)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview for this submission"})
		return
	}
	c.Header("Content-Security-Policy", "default-src 'none'; img-src data: https:; style-src 'unsafe-inline'")
	c.File(path)
}

func (s *Server) handleList(c *gin.Context) {
	var statuses []models.Status
	for _, st := range c.QueryArray("status") {
		statuses = append(statuses, models.Status(st))
	}
	subs, err := s.store.List(c.Request.Context(), statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]SubmissionPayload, len(subs))
	for i, sub := range subs {
		out[i] = s.payload(sub)
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleShow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sub, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, submission.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.payload(*sub))
}

func (s *Server) handleSummary(c *gin.Context) {
	if s.coord == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "review is not enabled"})
		return
	}
	sum, err := s.coord.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending, queued := sum.Pending, sum.Queued
	if pending == nil {
		pending = []uint{}
	}
	if queued == nil {
		queued = []uint{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "queued": queued, "text": sum.String()})
}

func parseID(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return 0, false
	}
	return uint(n), true
}
