package main

import (
	"context"
	"fmt"

	"github.com/Web-Art-Online/Nishikigi/internal/bot"
	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Daily submission quota commands",
	}

	cmd.AddCommand(newQuotaResetCmd())
	return cmd
}

func newQuotaResetCmd() *cobra.Command {
	var configPath, operator string

	cmd := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Clear an author's anonymous submissions for today",
		Long:  "Deletes today's anonymous submissions of the given platform user so they can submit again. Published ones are withdrawn from the album first. Named quotas live in the running bot and reset with it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaReset(cmd, configPath, operator, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringVar(&operator, "operator", "", "platform user id of the operator (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func runQuotaReset(cmd *cobra.Command, configPath, operator, userID string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	op, err := a.operatorID(operator)
	if err != nil {
		return err
	}
	author, err := bot.AuthorID(a.cfg.Chat.Platform, userID)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}

	results, err := coord.ResetQuota(context.Background(), op, author)
	out := cmd.OutOrStdout()
	if len(results) == 0 && err == nil {
		fmt.Fprintf(out, "No submissions to reset for %s\n", userID)
		return nil
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "#%d: not deleted (%v)\n", r.ID, r.Err)
		case r.ExternalErr != nil:
			fmt.Fprintf(out, "#%d: deleted, but %s could not be withdrawn (%v)\n", r.ID, r.Ref, r.ExternalErr)
		}
	}
	fmt.Fprintf(out, "Reset quota for %s, removed %v\n", userID, review.Removed(results))
	return err
}
