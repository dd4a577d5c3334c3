package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func createRunCommand(gf *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <script> [args...]",
		Short: "Run a script in the running host",
		Long: `Run a script in the running host. By default the script becomes the
prompt process and the command returns its pid; --wait blocks until the
script responds or exits and prints the result.

Examples:
  kithost run todo add milk
  kithost run --type app --wait --timeout 10s report`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(gf, f.Timeout)
			if err != nil {
				return err
			}
			res, err := c.Run(*f, args[0], args[1:])
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "process type: prompt (default), app, schedule, other")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "wait for the script's result")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 30*time.Second, "how long --wait blocks")
	return cmd
}

func createPsCommand(gf *GlobalFlags) *cobra.Command {
	f := &PsFlags{}
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List live children",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			res, err := c.Processes(f.Usage)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.Usage, "usage", false, "sample CPU and memory per child")
	return cmd
}

func createKillCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Remove a child from the host and terminate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			return c.Remove(pid)
		},
	}
}

func createBackgroundCommand(gf *GlobalFlags) *cobra.Command {
	bg := &cobra.Command{
		Use:     "bg",
		Aliases: []string{"background"},
		Short:   "Inspect and toggle background scripts",
	}
	bg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running background scripts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			res, err := c.Background()
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}, &cobra.Command{
		Use:   "toggle <file>",
		Short: "Stop a running background script or start a stopped one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			return c.ToggleBackground(p)
		},
	})
	return bg
}

func createScheduleCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "List scheduled scripts and their next run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			res, err := c.Schedule()
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func createOpenURLCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "open-url <kit://...>",
		Short: "Handle a kit:// URL in the running host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(gf, 0)
			if err != nil {
				return err
			}
			res, err := c.OpenURL(args[0])
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kithost version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "kithost", version)
		},
	}
}
