package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/relay/internal/tablewriter"
	"github.com/deepnoodle-ai/relay/llm"
	"github.com/deepnoodle-ai/relay/session"
)

func newSessionsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCommand(opts),
		newSessionsShowCommand(opts),
		newSessionsDeleteCommand(opts),
	)
	return cmd
}

func newSessionsListCommand(opts *globalOptions) *cobra.Command {
	var list session.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, openExisting)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.sessions.ListSessions(ctx, &list)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.SetMaxWidth(48)
			table.SetHeader("ID", "TITLE", "MESSAGES", "COST", "UPDATED")
			for _, s := range sessions {
				table.Append(s.ID, s.Metadata.Title, strconv.Itoa(s.MessageCount),
					formatCost(s.TotalCostUSD), formatTime(s.UpdatedAt))
			}
			return table.Render()
		},
	}
	cmd.Flags().IntVarP(&list.Limit, "limit", "n", 20, "Maximum number of sessions")
	cmd.Flags().IntVar(&list.Offset, "offset", 0, "Number of sessions to skip")
	cmd.Flags().StringVar(&list.WorkspaceID, "workspace", "", "Only list threads of this workspace")
	return cmd
}

func newSessionsShowCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, openExisting)
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			sess, err := a.sessions.GetSession(ctx, id)
			if err != nil {
				return err
			}
			messages, err := a.sessions.Messages(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Session  *session.Session   `json:"session"`
					Messages []*session.Message `json:"messages"`
				}{sess, messages})
			}

			title := sess.Metadata.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(out, "%s %s\n", headerStyle.Sprint(sess.ID), title)
			fmt.Fprintf(out, "%s\n\n", mutedStyle.Sprintf("created %s, %d messages, %s, %d in / %d out tokens",
				formatTime(sess.CreatedAt), sess.MessageCount, formatCost(sess.TotalCostUSD),
				sess.TotalInputTokens, sess.TotalOutputTokens))
			for _, msg := range messages {
				label := "You"
				if msg.Role == llm.Assistant {
					label = "Agent"
				}
				fmt.Fprintf(out, "%s %s\n", roleStyle(msg.Role).Sprintf("[%d] %s:", msg.Sequence, label),
					mutedStyle.Sprint(formatTime(msg.CreatedAt)))
				for _, block := range msg.ContentBlocks {
					fmt.Fprintf(out, "  %s\n", formatBlock(block))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the session and messages as JSON")
	return cmd
}

func newSessionsDeleteCommand(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session with its messages and replay log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete session %s without --yes", args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, openExisting)
			if err != nil {
				return err
			}
			defer a.Close()

			existed, err := a.sessions.DeleteSession(ctx, args[0])
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("session %s: %w", args[0], session.ErrSessionNotFound)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Sprintf("Deleted session %s", args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")
	return cmd
}
