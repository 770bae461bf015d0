package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const starterConfig = `# Nishikigi configuration
name: %s

database:
  driver: sqlite
  path: data.db

review:
  quorum: 2
  queue: 4
  admin_channel: "%s"

limits:
  anonymous_per_day: 1
  named_per_day: 3

expiry:
  timeout: 2h
  interval: 1h

chat:
  platform: %s
  admins: []

publish:
  backend: local
  local:
    dir: album

preview:
  data_dir: data
  listen: 127.0.0.1:8413
`

// stdinIsTerminal and readSecret are replaced in tests.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var readSecret = func(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	return string(b), err
}

func newInitCmd() *cobra.Command {
	var (
		dir          string
		name         string
		platform     string
		adminChannel string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		Long:  "Writes nishikigi.yaml and, when run on a terminal, prompts for chat tokens and stores them in .env next to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, dir, name, platform, adminChannel, force)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the config into")
	cmd.Flags().StringVar(&name, "name", "Nishikigi", "bot display name")
	cmd.Flags().StringVar(&platform, "platform", "discord", "chat platform (discord, slack, none)")
	cmd.Flags().StringVar(&adminChannel, "admin-channel", "", "channel id reviewers work in")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runInit(cmd *cobra.Command, dir, name, platform, adminChannel string, force bool) error {
	out := cmd.OutOrStdout()

	var secrets []string
	switch platform {
	case "discord":
		secrets = []string{"NISHIKIGI_DISCORD_TOKEN"}
	case "slack":
		secrets = []string{"NISHIKIGI_SLACK_APP_TOKEN", "NISHIKIGI_SLACK_BOT_TOKEN"}
	case "none":
	default:
		return fmt.Errorf("init: unsupported platform %q", platform)
	}

	path := filepath.Join(dir, defaultConfigPath)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("init: %s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(starterConfig, name, adminChannel, platform)), 0o644); err != nil {
		return fmt.Errorf("init: write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Wrote %s\n", path)

	if len(secrets) == 0 {
		return nil
	}
	if !stdinIsTerminal() {
		fmt.Fprintf(out, "Set %v in the environment or in %s before running serve.\n",
			secrets, filepath.Join(dir, ".env"))
		return nil
	}

	values := make(map[string]string, len(secrets))
	for _, key := range secrets {
		v, err := readSecret(out, key+": ")
		if err != nil {
			return fmt.Errorf("init: read %s: %w", key, err)
		}
		if v != "" {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil
	}
	envPath := filepath.Join(dir, ".env")
	if err := godotenv.Write(values, envPath); err != nil {
		return fmt.Errorf("init: write %s: %w", envPath, err)
	}
	if err := os.Chmod(envPath, 0o600); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Fprintf(out, "Wrote %d secret(s) to %s\n", len(values), envPath)
	return nil
}
