package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"fareindexer/internal/notify"
	"fareindexer/internal/vault"
)

const envPrefix = "FAREINDEXER"

// Backends selectable with the store and queue keys.
const (
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
	QueueJetStream = "jetstream"
	QueueMemory    = "memory"
)

// RunConfig holds configuration for the run command.
type RunConfig struct {
	RPCURL           string
	WSURL            string
	ProgramID        string
	Commitment       string
	BackfillEnabled  bool
	BackfillLimit    int
	BackfillInterval time.Duration
	DedupCapacity    int
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	Checkpoint       string

	Store string
	PGDSN string

	Queue                string
	NATSURL              string
	Stream               string
	DuplicateWindow      time.Duration
	AckWait              time.Duration
	JobAttempts          int
	JobBackoff           time.Duration
	JobBackoffMax        time.Duration
	RawConcurrency       int
	InterpretConcurrency int
	SettleConcurrency    int
	DeadLetter           string

	NotifySubject string
	// GameConfigs maps game config hashes to game types. They are seeded into
	// the store at startup.
	GameConfigs map[string]string
	MetricsAddr string
	LogLevel    string
}

// Load merges config file, environment variables, and flags into RunConfig.
func Load(cfgFile string, flags *pflag.FlagSet) (RunConfig, error) {
	v := viper.New()
	v.SetDefault("rpc", "https://api.mainnet-beta.solana.com")
	v.SetDefault("ws", "")
	v.SetDefault("program-id", vault.DefaultProgramID)
	v.SetDefault("commitment", "confirmed")
	v.SetDefault("backfill-enabled", true)
	v.SetDefault("backfill-limit", 1000)
	v.SetDefault("backfill-interval", 100*time.Millisecond)
	v.SetDefault("dedup-capacity", 1000)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("retry-backoff-max", 10*time.Second)
	v.SetDefault("checkpoint", "./data/cursor.json")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("queue", QueueJetStream)
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("stream", "FARE_JOBS")
	v.SetDefault("duplicate-window", 24*time.Hour)
	v.SetDefault("ack-wait", 30*time.Second)
	v.SetDefault("job-attempts", 3)
	v.SetDefault("job-backoff", time.Second)
	v.SetDefault("job-backoff-max", time.Minute)
	v.SetDefault("raw-concurrency", 5)
	v.SetDefault("interpret-concurrency", 3)
	v.SetDefault("settle-concurrency", 10)
	v.SetDefault("dead-letter", "./data/dead_letters.jsonl")
	v.SetDefault("notify-subject", notify.DefaultSubject)
	v.SetDefault("log-level", "info")

	if err := read(v, cfgFile, flags); err != nil {
		return RunConfig{}, err
	}

	cfg := RunConfig{
		RPCURL:               v.GetString("rpc"),
		WSURL:                v.GetString("ws"),
		ProgramID:            v.GetString("program-id"),
		Commitment:           v.GetString("commitment"),
		BackfillEnabled:      v.GetBool("backfill-enabled"),
		BackfillLimit:        v.GetInt("backfill-limit"),
		BackfillInterval:     v.GetDuration("backfill-interval"),
		DedupCapacity:        v.GetInt("dedup-capacity"),
		MaxRetries:           v.GetInt("max-retries"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		RetryBackoffMax:      v.GetDuration("retry-backoff-max"),
		Checkpoint:           v.GetString("checkpoint"),
		Store:                strings.ToLower(v.GetString("store")),
		PGDSN:                v.GetString("pg-dsn"),
		Queue:                strings.ToLower(v.GetString("queue")),
		NATSURL:              v.GetString("nats-url"),
		Stream:               v.GetString("stream"),
		DuplicateWindow:      v.GetDuration("duplicate-window"),
		AckWait:              v.GetDuration("ack-wait"),
		JobAttempts:          v.GetInt("job-attempts"),
		JobBackoff:           v.GetDuration("job-backoff"),
		JobBackoffMax:        v.GetDuration("job-backoff-max"),
		RawConcurrency:       v.GetInt("raw-concurrency"),
		InterpretConcurrency: v.GetInt("interpret-concurrency"),
		SettleConcurrency:    v.GetInt("settle-concurrency"),
		DeadLetter:           v.GetString("dead-letter"),
		NotifySubject:        v.GetString("notify-subject"),
		GameConfigs:          getStringMap(v, "game-configs"),
		MetricsAddr:          v.GetString("metrics-addr"),
		LogLevel:             v.GetString("log-level"),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = wsFromRPC(cfg.RPCURL)
	}

	return cfg, cfg.Validate()
}

// Validate checks the backend selection and its required settings.
func (c RunConfig) Validate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc is required"))
	}
	if c.WSURL == "" {
		errs = append(errs, errors.New("ws is required"))
	}
	if c.ProgramID == "" {
		errs = append(errs, errors.New("program-id is required"))
	}
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("pg-dsn is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Queue {
	case QueueJetStream:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("nats-url is required for the jetstream queue"))
		}
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown queue %q", c.Queue))
	}
	if c.BackfillEnabled && c.BackfillLimit <= 0 {
		errs = append(errs, errors.New("backfill-limit must be positive"))
	}
	return errors.Join(errs...)
}

// wsFromRPC derives the pubsub endpoint the way Solana RPC providers expose it.
func wsFromRPC(rpc string) string {
	switch {
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	default:
		return ""
	}
}

func read(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
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

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
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

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	switch typed := v.Get(key).(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
