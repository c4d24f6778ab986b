package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/relay/internal/tablewriter"
	"github.com/deepnoodle-ai/relay/workflow"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Inspect workflow runs",
	}
	cmd.AddCommand(newRunsListCommand(opts), newRunsShowCommand(opts))
	return cmd
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var status string
	filter := workflow.RunFilter{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			filter.Status = workflow.Status(status)
			if err := filter.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, openExisting)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.runs.ListRuns(ctx, &filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No workflow runs found.")
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.SetMaxWidth(40)
			table.SetHeader("RUN ID", "SKILL", "STATUS", "ARTIFACTS", "CREATED", "DURATION")
			for _, run := range runs {
				duration := "-"
				if run.CompletedAt != nil {
					duration = run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond).String()
				}
				table.Append(run.ID, run.SkillName, statusStyle(run.Status).Sprint(run.Status),
					strconv.Itoa(len(run.ArtifactPaths)), formatTime(run.CreatedAt), duration)
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list runs in this state (running, completed, failed)")
	cmd.Flags().StringVar(&filter.SkillName, "skill", "", "Only list runs of this skill")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 12, "Maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of runs to skip")
	return cmd
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a workflow run's log and artifacts",
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

			run, err := a.runs.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s %s\n", headerStyle.Sprint(run.ID), run.SkillName, statusStyle(run.Status).Sprint(run.Status))
			fmt.Fprintf(out, "%s\n", mutedStyle.Sprintf("input: %s", truncate(run.UserInput, 200)))
			if run.Error != "" {
				fmt.Fprintf(out, "%s\n", errorStyle.Sprintf("error: %s", run.Error))
			}
			fmt.Fprintln(out)
			for _, block := range run.ExecutionLog {
				fmt.Fprintf(out, "  %s\n", formatBlock(block))
			}
			if len(run.ArtifactPaths) > 0 {
				fmt.Fprintf(out, "\n%s\n  %s\n", headerStyle.Sprint("Artifacts:"), strings.Join(run.ArtifactPaths, "\n  "))
			}
			return nil
		},
	}
}
