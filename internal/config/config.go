// Package config provides YAML-based configuration loading for Nishikigi.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Nishikigi configuration, loaded from nishikigi.yaml.
type Config struct {
	Name     string         `yaml:"name"`
	Database DatabaseConfig `yaml:"database"`
	Review   ReviewConfig   `yaml:"review"`
	Limits   LimitsConfig   `yaml:"limits"`
	Expiry   ExpiryConfig   `yaml:"expiry"`
	Chat     ChatConfig     `yaml:"chat"`
	Publish  PublishConfig  `yaml:"publish"`
	Preview  PreviewConfig  `yaml:"preview"`
}

// DatabaseConfig selects the submission store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"NISHIKIGI_DB_PASSWORD"`
	Name     string `yaml:"name"`
}

// ReviewConfig holds the approval quorum and batch threshold.
type ReviewConfig struct {
	Quorum       int    `yaml:"quorum"`
	Queue        int    `yaml:"queue"`
	AdminChannel string `yaml:"admin_channel" env:"NISHIKIGI_ADMIN_CHANNEL"`
}

// LimitsConfig holds per-author daily submission quotas.
type LimitsConfig struct {
	AnonymousPerDay int    `yaml:"anonymous_per_day"`
	NamedPerDay     int    `yaml:"named_per_day"`
	Timezone        string `yaml:"timezone"`
}

// Location resolves Timezone, defaulting to the process's local zone.
func (l LimitsConfig) Location() (*time.Location, error) {
	if l.Timezone == "" || l.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", l.Timezone, err)
	}
	return loc, nil
}

// ExpiryConfig controls the abandoned-session sweep. Cron, when set,
// replaces Interval.
type ExpiryConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"`
}

// ChatConfig selects and configures the chat platform.
type ChatConfig struct {
	Platform string        `yaml:"platform"` // "discord", "slack" or "none"
	Admins   []string      `yaml:"admins"`   // optional operator allow-list
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Token string `yaml:"token" env:"NISHIKIGI_DISCORD_TOKEN"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token" env:"NISHIKIGI_SLACK_APP_TOKEN"`
	BotToken string `yaml:"bot_token" env:"NISHIKIGI_SLACK_BOT_TOKEN"`
}

// PublishConfig selects the external publishing surface.
type PublishConfig struct {
	Backend string       `yaml:"backend"` // "local" or "github"
	Local   LocalConfig  `yaml:"local"`
	GitHub  GitHubConfig `yaml:"github"`
}

// LocalConfig publishes batches into a directory album.
type LocalConfig struct {
	Dir string `yaml:"dir"`
}

// GitHubConfig publishes batches as commits to a repository.
type GitHubConfig struct {
	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Dir    string `yaml:"dir"`
	Token  string `yaml:"token" env:"NISHIKIGI_GITHUB_TOKEN"`
}

// PreviewConfig controls submission content storage and the preview server.
type PreviewConfig struct {
	DataDir string `yaml:"data_dir"`
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token" env:"NISHIKIGI_PREVIEW_TOKEN"`
}

// Load reads a YAML config file from path, applies a sibling .env file and
// NISHIKIGI_* environment overrides, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg.finish()
}

// Parse unmarshals YAML bytes into a validated Config. It does not consult
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "Nishikigi"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "nishikigi"
		}
	}
	if c.Review.Quorum == 0 {
		c.Review.Quorum = 2
	}
	if c.Review.Queue == 0 {
		c.Review.Queue = 4
	}
	if c.Limits.AnonymousPerDay == 0 {
		c.Limits.AnonymousPerDay = 1
	}
	if c.Limits.NamedPerDay == 0 {
		c.Limits.NamedPerDay = 3
	}
	if c.Expiry.Timeout == 0 {
		c.Expiry.Timeout = 2 * time.Hour
	}
	if c.Expiry.Interval == 0 {
		c.Expiry.Interval = time.Hour
	}
	if c.Chat.Platform == "" {
		c.Chat.Platform = "none"
	}
	if c.Publish.Backend == "" {
		c.Publish.Backend = "local"
	}
	if c.Publish.Backend == "local" && c.Publish.Local.Dir == "" {
		c.Publish.Local.Dir = "album"
	}
	if c.Publish.GitHub.Branch == "" {
		c.Publish.GitHub.Branch = "main"
	}
	if c.Publish.GitHub.Dir == "" {
		c.Publish.GitHub.Dir = "posts"
	}
	if c.Preview.DataDir == "" {
		c.Preview.DataDir = "data"
	}
	if c.Preview.Listen == "" {
		c.Preview.Listen = "127.0.0.1:8413"
	}
	if c.Preview.BaseURL == "" {
		c.Preview.BaseURL = "http://" + c.Preview.Listen
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Review.Quorum < 1 {
		errs = append(errs, "review.quorum must be at least 1")
	}
	if c.Review.Queue < 1 {
		errs = append(errs, "review.queue must be at least 1")
	}
	if c.Limits.AnonymousPerDay < 0 || c.Limits.NamedPerDay < 0 {
		errs = append(errs, "limits must not be negative")
	}
	if _, err := c.Limits.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("limits.timezone %q is invalid", c.Limits.Timezone))
	}
	if c.Expiry.Timeout < 0 || c.Expiry.Interval < 0 {
		errs = append(errs, "expiry durations must not be negative")
	}
	if c.Expiry.Cron != "" {
		if _, err := cron.ParseStandard(c.Expiry.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("expiry.cron %q is invalid", c.Expiry.Cron))
		}
	}

	switch c.Chat.Platform {
	case "none":
	case "discord":
		if c.Chat.Discord.Token == "" {
			errs = append(errs, "chat.discord.token is required")
		}
	case "slack":
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported", c.Chat.Platform))
	}
	if c.Chat.Platform != "none" && c.Review.AdminChannel == "" {
		errs = append(errs, "review.admin_channel is required")
	}

	switch c.Publish.Backend {
	case "local":
	case "github":
		if c.Publish.GitHub.Owner == "" {
			errs = append(errs, "publish.github.owner is required")
		}
		if c.Publish.GitHub.Repo == "" {
			errs = append(errs, "publish.github.repo is required")
		}
		if c.Publish.GitHub.Token == "" {
			errs = append(errs, "publish.github.token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("publish.backend %q is not supported", c.Publish.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsAdmin reports whether userID may run review commands. An empty
// allow-list admits everyone in the admin channel.
func (c *Config) IsAdmin(userID string) bool {
	if len(c.Chat.Admins) == 0 {
		return true
	}
	for _, a := range c.Chat.Admins {
		if a == userID {
			return true
		}
	}
	return false
}
