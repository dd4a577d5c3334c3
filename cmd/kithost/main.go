package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createPsCommand(globalFlags),
		createKillCommand(globalFlags),
		createBackgroundCommand(globalFlags),
		createScheduleCommand(globalFlags),
		createOpenURLCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "kithost",
		Short: "Script execution host",
		Long: `kithost spawns kenv scripts, routes their fd 3 messages to the prompt
and the host, keeps background scripts alive and runs scheduled ones.

Examples:
  kithost serve                      # start the host (or hand argv to the running one)
  kithost run todo add milk          # run a script as the prompt process
  kithost ps --usage                 # list live children with CPU/RSS
  kithost bg toggle ~/.kenv/scripts/sync.js`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <kit>/config.toml)")
	root.PersistentFlags().StringVar(&flags.SocketPath, "socket", "", "control socket path (overrides socket_path)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "control API request timeout")
	return root
}
