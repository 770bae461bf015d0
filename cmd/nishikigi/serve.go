package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Web-Art-Online/Nishikigi/internal/bot"
	"github.com/Web-Art-Online/Nishikigi/internal/bot/discord"
	"github.com/Web-Art-Online/Nishikigi/internal/bot/slack"
	"github.com/Web-Art-Online/Nishikigi/internal/config"
	"github.com/Web-Art-Online/Nishikigi/internal/db"
	"github.com/Web-Art-Online/Nishikigi/internal/preview"
	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot and preview server",
		Long:  "Connects to the configured chat platform, accepts submissions and review commands, and serves previews over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(a.db); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	var adapter bot.Adapter
	var notifier *bot.ChatNotifier
	var reviewNotifier review.Notifier
	if a.cfg.Chat.Platform != "none" {
		adapter, err = createAdapter(a.cfg)
		if err != nil {
			return err
		}
		notifier, err = bot.NewChatNotifier(bot.ChatNotifierOpts{
			Adapter:      adapter,
			Platform:     a.cfg.Chat.Platform,
			AdminChannel: a.cfg.Review.AdminChannel,
		})
		if err != nil {
			return err
		}
		reviewNotifier = notifier
	}

	coord, err := a.coordinator(reviewNotifier)
	if err != nil {
		return err
	}

	srv, err := preview.New(preview.Opts{
		Store:       a.store,
		Content:     a.content,
		Coordinator: coord,
		Listen:      a.cfg.Preview.Listen,
		BaseURL:     a.cfg.Preview.BaseURL,
		Token:       a.cfg.Preview.Token,
		Out:         out,
	})
	if err != nil {
		return err
	}
	if a.cfg.Preview.Token == "" {
		fmt.Fprintf(out, "Preview token: %s\n", srv.Token())
	}

	if adapter == nil {
		fmt.Fprintln(out, "No chat platform configured; serving previews only.")
		return srv.Start(ctx)
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	daemon, err := buildDaemon(a, coord, adapter, notifier, srv.URLFor, out)
	if err != nil {
		return err
	}
	if err := daemon.Run(ctx); err != nil {
		return err
	}
	cancel()
	return <-srvErr
}

// buildDaemon wires the session layer, router and expiry reaper around a
// connected chat adapter.
func buildDaemon(a *app, coord *review.Coordinator, adapter bot.Adapter, notifier *bot.ChatNotifier, previewURL func(uint) string, out io.Writer) (*bot.Daemon, error) {
	sessions, err := submission.NewSessionManager(submission.SessionManagerOpts{
		Store:          a.store,
		Content:        a.content,
		Limiter:        a.limiter,
		RequirePreview: true,
	})
	if err != nil {
		return nil, err
	}

	fetcher, err := bot.NewFetcher(bot.FetcherOpts{
		Content: a.content,
		Token:   fetchToken(a.cfg),
	})
	if err != nil {
		return nil, err
	}

	router, err := bot.NewRouter(bot.RouterOpts{
		Sessions:    sessions,
		Store:       a.store,
		Coordinator: coord,
		Renderer:    bot.NewRenderer(a.content, a.cfg.Name),
		Fetcher:     fetcher,
		Notifier:    notifier,
		Adapter:     adapter,
		IsAdmin:     a.cfg.IsAdmin,
		PreviewURL:  previewURL,
		Out:         out,
	})
	if err != nil {
		return nil, err
	}

	reaper, err := review.NewReaper(review.ReaperOpts{
		Coordinator: coord,
		Sessions:    sessions,
		Notifier:    notifier,
		Timeout:     a.cfg.Expiry.Timeout,
	})
	if err != nil {
		return nil, err
	}
	ticker, err := review.NewTicker(a.cfg.Expiry.Cron, a.cfg.Expiry.Interval)
	if err != nil {
		return nil, err
	}

	return bot.NewDaemon(bot.DaemonOpts{
		Adapter:  adapter,
		Router:   router,
		Notifier: notifier,
		Reaper:   reaper,
		Ticker:   ticker,
		Name:     a.cfg.Name,
		Out:      out,
	})
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (bot.Adapter, error) {
	switch cfg.Chat.Platform {
	case "slack":
		return slack.New(slack.AdapterOpts{
			AppToken:  cfg.Chat.Slack.AppToken,
			BotToken:  cfg.Chat.Slack.BotToken,
			ChannelID: cfg.Review.AdminChannel,
		})
	case "discord":
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Chat.Discord.Token,
			ChannelID: cfg.Review.AdminChannel,
		})
	default:
		return nil, fmt.Errorf("chat: unsupported platform %q", cfg.Chat.Platform)
	}
}

// fetchToken is the credential attachment downloads need. Slack serves
// private files only to the bot token; Discord CDN links are public.
func fetchToken(cfg *config.Config) string {
	if cfg.Chat.Platform == "slack" {
		return cfg.Chat.Slack.BotToken
	}
	return ""
}
