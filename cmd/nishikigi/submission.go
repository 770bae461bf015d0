package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"github.com/spf13/cobra"
)

func newSubmissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "submission",
		Aliases: []string{"sub"},
		Short:   "Inspect and review submissions",
		Long:    "Runs the review operations available in the admin channel directly against the database. Authors are not notified.",
	}

	cmd.AddCommand(newSubmissionListCmd())
	cmd.AddCommand(newSubmissionShowCmd())
	cmd.AddCommand(newSubmissionApproveCmd())
	cmd.AddCommand(newSubmissionRejectCmd())
	cmd.AddCommand(newSubmissionPushCmd())
	cmd.AddCommand(newSubmissionDeleteCmd())
	cmd.AddCommand(newSubmissionStatusCmd())
	return cmd
}

func newSubmissionListCmd() *cobra.Command {
	var (
		configPath string
		statuses   []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionList(cmd, configPath, statuses)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (created, pending, queued, rejected, published)")
	return cmd
}

func runSubmissionList(cmd *cobra.Command, configPath string, statuses []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}

	filter := make([]models.Status, len(statuses))
	for i, s := range statuses {
		filter[i] = models.Status(s)
	}
	subs, err := a.store.List(context.Background(), filter...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(subs) == 0 {
		fmt.Fprintln(out, "No submissions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAUTHOR\tSTATUS\tAPPROVALS\tSINGLE\tCREATED")
	for _, s := range subs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%s\n",
			s.ID, truncate(s.Author(), 24), s.Status, len(s.Approvals), s.Single, s.CreatedAt.Format(time.DateTime))
	}
	w.Flush()
	return nil
}

func newSubmissionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show submission details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	return cmd
}

func runSubmissionShow(cmd *cobra.Command, configPath, arg string) error {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return err
	}
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	s, err := a.store.Get(context.Background(), ids[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submission #%d\n", s.ID)
	fmt.Fprintf(out, "  Author:    %s (%d)\n", s.Author(), s.AuthorID)
	fmt.Fprintf(out, "  Status:    %s\n", s.Status)
	fmt.Fprintf(out, "  Single:    %t\n", s.Single)
	fmt.Fprintf(out, "  Created:   %s\n", s.CreatedAt.Format(time.DateTime))
	if s.ConfirmedAt != nil {
		fmt.Fprintf(out, "  Confirmed: %s\n", s.ConfirmedAt.Format(time.DateTime))
	}
	if s.PublishedAt != nil {
		fmt.Fprintf(out, "  Published: %s\n", s.PublishedAt.Format(time.DateTime))
	}
	if s.ExternalRef != nil {
		fmt.Fprintf(out, "  Ref:       %s\n", *s.ExternalRef)
	}
	if s.Artifact != "" {
		fmt.Fprintf(out, "  Preview:   %s\n", s.Artifact)
	}
	fmt.Fprintf(out, "  Approvals: %d\n", len(s.Approvals))
	for _, ap := range s.Approvals {
		fmt.Fprintf(out, "    - %d at %s\n", ap.OperatorID, ap.CreatedAt.Format(time.DateTime))
	}
	return nil
}

func newSubmissionApproveCmd() *cobra.Command {
	var configPath, operator string

	cmd := &cobra.Command{
		Use:   "approve <id>...",
		Short: "Approve pending submissions",
		Long:  "Records an approval from --operator. Submissions reaching quorum are queued, and full batches are published.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionApprove(cmd, configPath, operator, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringVar(&operator, "operator", "", "platform user id of the approving operator (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func runSubmissionApprove(cmd *cobra.Command, configPath, operator string, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	op, err := a.operatorID(operator)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}

	report, err := coord.Approve(context.Background(), op, ids...)
	out := cmd.OutOrStdout()
	for _, item := range report.Items {
		switch {
		case item.Err != nil:
			fmt.Fprintf(out, "#%d: %s (%v)\n", item.ID, item.Outcome, item.Err)
		case item.Ref != "":
			fmt.Fprintf(out, "#%d: %s %s\n", item.ID, item.Outcome, item.Ref)
		default:
			fmt.Fprintf(out, "#%d: %s (%d approvals)\n", item.ID, item.Outcome, item.Approvals)
		}
	}
	for _, b := range report.Batches {
		fmt.Fprintf(out, "Published batch %v\n", b.IDs)
	}
	return err
}

func newSubmissionRejectCmd() *cobra.Command {
	var configPath, operator, reason string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionReject(cmd, configPath, operator, reason, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringVar(&operator, "operator", "", "platform user id of the rejecting operator (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func runSubmissionReject(cmd *cobra.Command, configPath, operator, reason, arg string) error {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return err
	}
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	op, err := a.operatorID(operator)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}
	if _, err := coord.Reject(context.Background(), op, ids[0], reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rejected #%d\n", ids[0])
	return nil
}

func newSubmissionPushCmd() *cobra.Command {
	var configPath, operator string

	cmd := &cobra.Command{
		Use:   "push <id>...",
		Short: "Publish queued submissions now",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionPush(cmd, configPath, operator, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringVar(&operator, "operator", "", "platform user id of the operator (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func runSubmissionPush(cmd *cobra.Command, configPath, operator string, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	op, err := a.operatorID(operator)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}
	batch, err := coord.Push(context.Background(), op, ids...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, id := range batch.IDs {
		fmt.Fprintf(out, "#%d: %s\n", id, batch.Refs[i])
	}
	return nil
}

func newSubmissionDeleteCmd() *cobra.Command {
	var configPath, operator string

	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete submissions and withdraw published posts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionDelete(cmd, configPath, operator, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	cmd.Flags().StringVar(&operator, "operator", "", "platform user id of the operator (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func runSubmissionDelete(cmd *cobra.Command, configPath, operator string, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	op, err := a.operatorID(operator)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}

	results, err := coord.Delete(context.Background(), op, ids...)
	out := cmd.OutOrStdout()
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "#%d: not deleted (%v)\n", r.ID, r.Err)
		case r.ExternalErr != nil:
			fmt.Fprintf(out, "#%d: deleted, but %s could not be withdrawn (%v)\n", r.ID, r.Ref, r.ExternalErr)
		default:
			fmt.Fprintf(out, "#%d: deleted\n", r.ID)
		}
	}
	return err
}

func newSubmissionStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the review summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissionStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Nishikigi config file")
	return cmd
}

func runSubmissionStatus(cmd *cobra.Command, configPath string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	coord, err := a.coordinator(nil)
	if err != nil {
		return err
	}
	sum, err := coord.Summary(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sum.String())
	return nil
}

// parseIDs converts positional arguments to submission ids.
func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid submission id %q", arg)
		}
		ids = append(ids, uint(n))
	}
	return ids, nil
}

// truncate shortens s to maxLen runes, ending with "..." when cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
