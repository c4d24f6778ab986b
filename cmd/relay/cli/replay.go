package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/relay/replay"
)

func newReplayCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move replay logs between the database and the runtime's local files",
	}
	cmd.AddCommand(
		newReplayTransferCommand(opts, "restore", "Overwrite the local replay log with the stored copy",
			func(ctx context.Context, m *replay.Mirror, id string) error { return m.Restore(ctx, id) }),
		newReplayTransferCommand(opts, "persist", "Store the local replay log in the database",
			func(ctx context.Context, m *replay.Mirror, id string) error { return m.Persist(ctx, id) }),
	)
	return cmd
}

func newReplayTransferCommand(opts *globalOptions, name, short string,
	transfer func(ctx context.Context, m *replay.Mirror, id string) error) *cobra.Command {

	var workDir, homeDir string
	cmd := &cobra.Command{
		Use:   name + " <session-id>",
		Short: short,
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

			if workDir == "" {
				workDir = cfg.Runtime.WorkDir
			}
			mirror, err := replay.NewMirrors(a.sessions, homeDir, a.logger).For(workDir)
			if err != nil {
				return err
			}
			id := args[0]
			if err := transfer(ctx, mirror, id); err != nil {
				return err
			}
			path, err := mirror.Path(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Sprintf("%s %s:", name, id), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", "", "Runtime working directory (defaults to Runtime.WorkDir, then the current directory)")
	cmd.Flags().StringVar(&homeDir, "home", "", "Home directory holding the runtime's project logs")
	return cmd
}
