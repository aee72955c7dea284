package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/burrowchat/burrow/internal/api"
	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/config"
	"github.com/burrowchat/burrow/internal/llm"
	"github.com/burrowchat/burrow/internal/logging"
	"github.com/burrowchat/burrow/internal/server"
	"github.com/burrowchat/burrow/internal/session"
)

var (
	serverHost        string
	serverPort        int
	serverSuffix      string
	serverIdleTimeout time.Duration
	serverEnableAPI   bool
	serverAPIPort     int
	serverGenerateKey bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the tunnel DNS server",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringVar(&serverHost, "host", "", "bind address (default "+config.DefaultHost+")")
	f.IntVar(&serverPort, "port", 0, "UDP port to listen on (default "+strconv.Itoa(config.DefaultPort)+")")
	f.StringVar(&serverSuffix, "suffix", "", "tunnel domain suffix (or "+config.EnvSuffix+")")
	f.DurationVar(&serverIdleTimeout, "idle-timeout", 0, "session idle eviction timeout (default 30m)")
	f.BoolVar(&serverEnableAPI, "api", false, "enable the status HTTP API on localhost")
	f.IntVar(&serverAPIPort, "api-port", 0, "status API port (default "+strconv.Itoa(config.DefaultAPIPort)+")")
	f.BoolVar(&serverGenerateKey, "generate-key", false, "print a fresh tunnel key and exit")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if serverGenerateKey {
		key, err := codec.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}

	cfg := config.FromEnv()
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if serverSuffix != "" {
		cfg.Tunnel.Suffix = serverSuffix
	}
	if serverIdleTimeout != 0 {
		cfg.Server.IdleTimeout = serverIdleTimeout
	}
	cfg.API.Enabled = serverEnableAPI
	if serverAPIPort != 0 {
		cfg.API.Port = serverAPIPort
	}

	if cfg.Tunnel.Key == "" {
		key, err := codec.GenerateKey()
		if err != nil {
			return err
		}
		// The one place the key is ever printed: first-run bootstrap.
		// Copy it to the client side and into the environment so the
		// next restart keeps the same tunnel.
		fmt.Fprintf(cmd.ErrOrStderr(), "generated tunnel key, set on both peers:\n%s=%s\n", config.EnvKey, key)
		cfg.Tunnel.Key = key
	}

	if err := cfg.ValidateServer(); err != nil {
		return configErr(err)
	}

	logger := logging.Configure(logging.Config{JSON: true, Verbose: verbose})

	key, err := codec.ParseKey(cfg.Tunnel.Key)
	if err != nil {
		return configErr(err)
	}
	cipher, err := codec.NewCipher(key)
	if err != nil {
		return configErr(err)
	}

	streamer := llm.NewOpenAIStreamer(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.SearchKey != "",
	)
	var searcher llm.Searcher
	if cfg.LLM.SearchKey != "" {
		searcher = llm.NewSearchClient(cfg.LLM.SearchKey)
	}

	store := session.NewStore(cfg.Server.IdleTimeout, logger)
	orch := llm.New(cipher, streamer, searcher, logger)

	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:    cfg.Server.GlobalQPS,
		GlobalBurst:  cfg.Server.GlobalBurst,
		IPQPS:        cfg.Server.IPQPS,
		IPBurst:      cfg.Server.IPBurst,
		MaxIPEntries: cfg.Server.MaxIPEntries,
	})

	srv := server.New(server.Options{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Suffix:  cfg.Tunnel.Suffix,
		Logger:  logger,
		Limiter: limiter,
	}, store, orch)

	logger.Info("starting",
		"suffix", cfg.Tunnel.Suffix,
		"model", cfg.LLM.Model,
		"web_search", searcher != nil,
		"idle_timeout", cfg.Server.IdleTimeout.String(),
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.API.Enabled {
		statusAPI := api.New(cfg.API.Host, cfg.API.Port, store, logger)
		g.Go(func() error { return statusAPI.Run(gctx) })
	}
	return g.Wait()
}
