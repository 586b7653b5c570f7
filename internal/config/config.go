package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultTestKey is the private key of anvil's first prefunded dev account.
const DefaultTestKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	EtherscanAPIKey string
	EtherscanURL    string
	ChainID         uint64
	ForkURL         string

	AnvilBin      string
	Host          string
	Port          int
	StartTimeout  time.Duration
	ProbeInterval time.Duration
	KillGrace     time.Duration
	ForkLog       string

	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
	RPCTimeout     time.Duration

	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	TestKey        string
	Overrides      map[string]string

	AI         bool
	AIEndpoint string
	AIModel    string
	AITimeout  time.Duration
	AIRetries  int

	Export    []string
	OutputDir string
	PGDSN     string

	SaveState string
	LoadState string
	StateDir  string

	MetricsFile string
	LogLevel    string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("etherscan-url", "https://api.etherscan.io/api")
	v.SetDefault("anvil-bin", "anvil")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8545)
	v.SetDefault("start-timeout", 30*time.Second)
	v.SetDefault("probe-interval", 500*time.Millisecond)
	v.SetDefault("kill-grace", 5*time.Second)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", time.Second)
	v.SetDefault("request-timeout", 10*time.Second)
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("receipt-timeout", 60*time.Second)
	v.SetDefault("receipt-poll", 250*time.Millisecond)
	v.SetDefault("test-key", DefaultTestKey)
	v.SetDefault("ai-endpoint", "http://localhost:11434")
	v.SetDefault("ai-model", "llama3")
	v.SetDefault("ai-timeout", 60*time.Second)
	v.SetDefault("ai-retries", 2)
	v.SetDefault("output-dir", "./reports")
	v.SetDefault("state-dir", "./states")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		EtherscanAPIKey: v.GetString("etherscan-api-key"),
		EtherscanURL:    v.GetString("etherscan-url"),
		ChainID:         v.GetUint64("chain-id"),
		ForkURL:         v.GetString("fork-url"),
		AnvilBin:        v.GetString("anvil-bin"),
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		StartTimeout:    v.GetDuration("start-timeout"),
		ProbeInterval:   v.GetDuration("probe-interval"),
		KillGrace:       v.GetDuration("kill-grace"),
		ForkLog:         v.GetString("fork-log"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		RequestTimeout:  v.GetDuration("request-timeout"),
		RPCTimeout:      v.GetDuration("rpc-timeout"),
		ReceiptTimeout:  v.GetDuration("receipt-timeout"),
		ReceiptPoll:     v.GetDuration("receipt-poll"),
		TestKey:         v.GetString("test-key"),
		Overrides:       getStringMap(v, "override"),
		AI:              v.GetBool("ai"),
		AIEndpoint:      v.GetString("ai-endpoint"),
		AIModel:         v.GetString("ai-model"),
		AITimeout:       v.GetDuration("ai-timeout"),
		AIRetries:       v.GetInt("ai-retries"),
		Export:          getStringSlice(v, "export"),
		OutputDir:       v.GetString("output-dir"),
		PGDSN:           v.GetString("pg-dsn"),
		SaveState:       v.GetString("save-state"),
		LoadState:       v.GetString("load-state"),
		StateDir:        v.GetString("state-dir"),
		MetricsFile:     v.GetString("metrics-file"),
		LogLevel:        v.GetString("log-level"),
	}

	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case []string:
		return ParseStringMap(strings.Join(typed, ","))
	case string:
		return ParseStringMap(typed)
	default:
		return map[string]string{}
	}
}

// ParseStringMap parses comma-separated key=value pairs. Empty keys are
// dropped; empty values are kept so an override can clear a field.
func ParseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
