package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowchat/burrow/internal/client"
	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/config"
	"github.com/burrowchat/burrow/internal/logging"
)

var (
	clientServer  string
	clientPort    int
	clientSuffix  string
	clientMessage string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Chat through a tunnel server",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Probe the tunnel and exit",
	Args:  cobra.NoArgs,
	RunE:  runTestConnection,
}

func init() {
	pf := clientCmd.PersistentFlags()
	pf.StringVar(&clientServer, "server", "127.0.0.1", "tunnel server host or resolver IP")
	pf.IntVar(&clientPort, "port", 0, "tunnel server UDP port (default "+strconv.Itoa(config.DefaultPort)+")")
	pf.StringVar(&clientSuffix, "suffix", "", "tunnel domain suffix (or "+config.EnvSuffix+")")

	chatCmd.Flags().StringVarP(&clientMessage, "message", "m", "", "send one message and exit instead of opening the prompt")

	clientCmd.AddCommand(chatCmd, testConnectionCmd)
	rootCmd.AddCommand(clientCmd)
}

// buildClient assembles a tunnel client from env plus flags.
func buildClient() (*client.Client, error) {
	cfg := config.FromEnv()
	if clientPort != 0 {
		cfg.Server.Port = clientPort
	}
	if clientSuffix != "" {
		cfg.Tunnel.Suffix = clientSuffix
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, configErr(err)
	}

	logger := logging.Configure(logging.Config{Quiet: true, Verbose: verbose})

	key, err := codec.ParseKey(cfg.Tunnel.Key)
	if err != nil {
		return nil, configErr(err)
	}
	cipher, err := codec.NewCipher(key)
	if err != nil {
		return nil, configErr(err)
	}

	addr := net.JoinHostPort(clientServer, strconv.Itoa(cfg.Server.Port))
	return client.New(addr, cfg.Tunnel.Suffix, cipher, logger)
}

func runChat(cmd *cobra.Command, args []string) error {
	c, err := buildClient()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.TestConnection(ctx); err != nil {
		return transportErr(err)
	}

	if clientMessage != "" {
		_, err := c.Send(ctx, clientMessage, func(text string) {
			fmt.Fprint(cmd.OutOrStdout(), text)
		})
		fmt.Fprintln(cmd.OutOrStdout())
		return err
	}

	return client.NewREPL(c, os.Stdin, cmd.OutOrStdout()).Run(ctx)
}

func runTestConnection(cmd *cobra.Command, args []string) error {
	c, err := buildClient()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := c.TestConnection(ctx); err != nil {
		return transportErr(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok (rtt %s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}
