package main

import (
	"fmt"

	"github.com/Web-Art-Online/Nishikigi/internal/bot"
	"github.com/Web-Art-Online/Nishikigi/internal/config"
	"github.com/Web-Art-Online/Nishikigi/internal/db"
	"github.com/Web-Art-Online/Nishikigi/internal/publish"
	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"gorm.io/gorm"
)

// app is the set of components shared by serve and the offline commands.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	store   *submission.Store
	content *submission.ContentStore
	limiter *submission.RateLimiter
}

// openApp loads the config, connects to the database and builds the store
// layer. It does not migrate.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		db:      gormDB,
		store:   submission.NewStore(gormDB),
		content: submission.NewContentStore(cfg.Preview.DataDir),
	}
	loc, err := cfg.Limits.Location()
	if err != nil {
		return nil, err
	}
	a.limiter, err = submission.NewRateLimiter(submission.RateLimiterOpts{
		Store:           a.store,
		AnonymousPerDay: cfg.Limits.AnonymousPerDay,
		NamedPerDay:     cfg.Limits.NamedPerDay,
		Location:        loc,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// coordinator builds the review coordinator on the configured backend.
// notifier may be nil.
func (a *app) coordinator(notifier review.Notifier) (*review.Coordinator, error) {
	backend, err := publish.New(a.cfg.Publish)
	if err != nil {
		return nil, err
	}
	opts := review.CoordinatorOpts{
		Store:   a.store,
		Content: a.content,
		Backend: backend,
		Limiter: a.limiter,
		Quorum:  a.cfg.Review.Quorum,
		Queue:   a.cfg.Review.Queue,
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	return review.NewCoordinator(opts)
}

// operatorID maps a platform user id given on the command line.
func (a *app) operatorID(userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("--operator is required")
	}
	if !a.cfg.IsAdmin(userID) {
		return 0, fmt.Errorf("%s is not in chat.admins", userID)
	}
	return bot.AuthorID(a.cfg.Chat.Platform, userID)
}
