// Package config defines the runtime configuration for both the tunnel
// server and the client.
//
// Configuration comes from environment variables, overridden by command
// line flags. There is no config file and no persisted state: the daemon
// is meant to run from a unit file or a container where the environment
// is the natural source of settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvKey           = "LLM_PROXY_KEY"
	EnvSuffix        = "LLM_DNS_SUFFIX"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvOpenAIModel   = "OPENAI_MODEL"
	EnvSearchKey     = "PERPLEXITY_API_KEY"
)

// Defaults.
const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 5553
	DefaultAPIPort     = 8080
	DefaultModel       = "gpt-4o-mini"
	DefaultIdleTimeout = 30 * time.Minute
)

// Config is the full runtime configuration. Treat it as immutable after
// validation.
type Config struct {
	Server ServerConfig
	Tunnel TunnelConfig
	LLM    LLMConfig
	API    APIConfig
}

// ServerConfig configures the DNS listener.
type ServerConfig struct {
	Host        string
	Port        int
	IdleTimeout time.Duration

	// Rate limits; zero disables a level.
	GlobalQPS    float64
	GlobalBurst  int
	IPQPS        float64
	IPBurst      int
	MaxIPEntries int
}

// TunnelConfig holds the shared tunnel parameters used by both peers.
type TunnelConfig struct {
	Suffix string
	// Key is the pre-shared key as typed by the operator. It is parsed
	// by the codec and must never appear in logs or wire traffic.
	Key string
}

// LLMConfig configures the upstream chat-completion endpoint and the
// optional search tool.
type LLMConfig struct {
	APIKey    string
	BaseURL   string // empty means the provider default
	Model     string
	SearchKey string // enables the web_search tool when set
}

// APIConfig configures the optional operator status API.
type APIConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// FromEnv builds a Config from the environment with defaults applied.
// Flag values are layered on top by the command layer before validation.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			IdleTimeout: DefaultIdleTimeout,
			// Generous defaults: a single polling client stays well
			// under these.
			GlobalQPS:    500,
			GlobalBurst:  1000,
			IPQPS:        100,
			IPBurst:      300,
			MaxIPEntries: 4096,
		},
		Tunnel: TunnelConfig{
			Suffix: os.Getenv(EnvSuffix),
			Key:    os.Getenv(EnvKey),
		},
		LLM: LLMConfig{
			APIKey:    os.Getenv(EnvOpenAIKey),
			BaseURL:   os.Getenv(EnvOpenAIBaseURL),
			Model:     envOr(EnvOpenAIModel, DefaultModel),
			SearchKey: os.Getenv(EnvSearchKey),
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: DefaultAPIPort,
		},
	}
}

// ValidateServer checks everything the server needs to start.
func (cfg *Config) ValidateServer() error {
	if err := cfg.validateCommon(); err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("%s is required", EnvOpenAIKey)
	}
	if cfg.LLM.Model == "" {
		return errors.New("llm model must not be empty")
	}
	if cfg.Server.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	if cfg.API.Enabled && !validPort(cfg.API.Port) {
		return errors.New("api port must be 1..65535")
	}
	return nil
}

// ValidateClient checks everything the client needs to run.
func (cfg *Config) ValidateClient() error {
	return cfg.validateCommon()
}

func (cfg *Config) validateCommon() error {
	if !validPort(cfg.Server.Port) {
		return errors.New("port must be 1..65535")
	}
	cfg.Tunnel.Suffix = normalizeSuffix(cfg.Tunnel.Suffix)
	if cfg.Tunnel.Suffix == "" {
		return fmt.Errorf("tunnel suffix is required (flag or %s)", EnvSuffix)
	}
	if cfg.Tunnel.Key == "" {
		return fmt.Errorf("%s is required", EnvKey)
	}
	return nil
}

// normalizeSuffix lowercases and strips surrounding dots so that
// "Chat.Example.Com." and "chat.example.com" configure the same tunnel.
func normalizeSuffix(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".")
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
