package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrowchat/burrow/internal/codec"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "LLM chat over the DNS query channel",
	Long: `burrow tunnels a streaming LLM chat conversation over DNS.

The server answers A and TXT queries under a configured domain suffix
and proxies complete messages to an OpenAI-compatible endpoint. The
client encodes encrypted message chunks into query names and polls TXT
records for the streamed reply.

Both peers share one key (` + "`burrow genkey`" + `), carried in LLM_PROXY_KEY.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a fresh pre-shared tunnel key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := codec.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(genkeyCmd)
}
