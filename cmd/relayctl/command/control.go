package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"airelay/cmd/relayctl/command/client"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var meid, rawCmd string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a raw control command",
		Long: `Send an arbitrary JSON object as the cmd of a control message, e.g.

  relayctl send --meid gnb:131-133-31000000 --cmd '{"cmd":"set-mcs","node":0,"mcs":5}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := json.Unmarshal([]byte(rawCmd), &body); err != nil {
				return fmt.Errorf("--cmd must be a JSON object: %w", err)
			}
			return run(cmd, opts, meid, body)
		},
	}
	cmd.Flags().StringVar(&meid, "meid", "", "target MEID (required)")
	cmd.Flags().StringVar(&rawCmd, "cmd", "", "command JSON object (required)")
	cmd.MarkFlagRequired("meid")
	cmd.MarkFlagRequired("cmd")
	return cmd
}

func newSetMCSCmd(opts *globalOptions) *cobra.Command {
	var meid string
	var node, mcs int

	cmd := &cobra.Command{
		Use:   "set-mcs",
		Short: "Set the modulation and coding scheme of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mcs < 0 || mcs > 28 {
				return fmt.Errorf("--mcs must be between 0 and 28, got %d", mcs)
			}
			return run(cmd, opts, meid, map[string]any{
				"cmd":  "set-mcs",
				"node": node,
				"mcs":  mcs,
			})
		},
	}
	cmd.Flags().StringVar(&meid, "meid", "", "target MEID (required)")
	cmd.Flags().IntVar(&node, "node", 0, "node id")
	cmd.Flags().IntVar(&mcs, "mcs", 10, "MCS index (0-28)")
	cmd.MarkFlagRequired("meid")
	return cmd
}

func newSetBandwidthCmd(opts *globalOptions) *cobra.Command {
	var meid string
	var node, bandwidth int

	cmd := &cobra.Command{
		Use:   "set-bandwidth",
		Short: "Set the bandwidth of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bandwidth < 0 || bandwidth > 255 {
				return fmt.Errorf("--bandwidth must be between 0 and 255, got %d", bandwidth)
			}
			return run(cmd, opts, meid, map[string]any{
				"cmd":       "set-bandwidth",
				"node":      node,
				"bandwidth": bandwidth,
			})
		},
	}
	cmd.Flags().StringVar(&meid, "meid", "", "target MEID (required)")
	cmd.Flags().IntVar(&node, "node", 0, "node id")
	cmd.Flags().IntVar(&bandwidth, "bandwidth", 100, "bandwidth index")
	cmd.MarkFlagRequired("meid")
	return cmd
}

func run(cmd *cobra.Command, opts *globalOptions, meid string, body map[string]any) error {
	resp, err := opts.client().Send(client.Request{MEID: meid, Cmd: body})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("✗ %s", resp.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", resp.Message)
	return nil
}
