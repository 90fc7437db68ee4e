package command

// root.go defines the root command for relayctl and its global flags.

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"airelay/cmd/relayctl/command/client"
)

type globalOptions struct {
	addr    string // command interface address
	timeout time.Duration
}

// NewRootCmd builds the full command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "relayctl - operator CLI for the AI relay",
		Long: `relayctl sends control commands to xApps through the relay's command
interface. Each command is wrapped by the relay into a control message and
broadcast to every connected xApp.

Use "relayctl command --help" to see the flags of each command.`,
		SilenceUsage: true,
	}

	// Global persistent flags = available to all subcommands
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("RELAY_COMMAND_ADDR", "127.0.0.1:5002"), "relay command interface address")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "connect and response timeout")

	rootCmd.AddCommand(
		newSendCmd(opts),
		newSetMCSCmd(opts),
		newSetBandwidthCmd(opts),
	)
	return rootCmd
}

// Execute runs relayctl. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *globalOptions) client() *client.CommandClient {
	return client.NewCommandClient(o.addr, o.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
