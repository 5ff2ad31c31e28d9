package config

import (
	"errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"fareindexer/internal/vault"
)

// DecodeConfig holds configuration for the decode command.
type DecodeConfig struct {
	RPCURL     string
	ProgramID  string
	In         string
	Signatures []string
	Out        string
	Errors     string
	LogLevel   string
}

// LoadDecode merges config file, environment variables, and flags into DecodeConfig.
func LoadDecode(cfgFile string, flags *pflag.FlagSet) (DecodeConfig, error) {
	v := viper.New()
	v.SetDefault("rpc", "https://api.mainnet-beta.solana.com")
	v.SetDefault("program-id", vault.DefaultProgramID)
	v.SetDefault("out", "./data/events.jsonl")
	v.SetDefault("errors", "./data/decode_errors.jsonl")
	v.SetDefault("log-level", "info")

	if err := read(v, cfgFile, flags); err != nil {
		return DecodeConfig{}, err
	}

	cfg := DecodeConfig{
		RPCURL:     v.GetString("rpc"),
		ProgramID:  v.GetString("program-id"),
		In:         v.GetString("in"),
		Signatures: getStringSlice(v, "signature"),
		Out:        v.GetString("out"),
		Errors:     v.GetString("errors"),
		LogLevel:   v.GetString("log-level"),
	}
	if cfg.In == "" && len(cfg.Signatures) == 0 {
		return cfg, errors.New("one of in or signature is required")
	}
	return cfg, nil
}

// MigrateConfig holds configuration for the migrate command.
type MigrateConfig struct {
	PGDSN    string
	LogLevel string
}

func LoadMigrate(cfgFile string, flags *pflag.FlagSet) (MigrateConfig, error) {
	v := viper.New()
	v.SetDefault("log-level", "info")
	if err := read(v, cfgFile, flags); err != nil {
		return MigrateConfig{}, err
	}
	cfg := MigrateConfig{
		PGDSN:    v.GetString("pg-dsn"),
		LogLevel: v.GetString("log-level"),
	}
	if cfg.PGDSN == "" {
		return cfg, errors.New("pg-dsn is required")
	}
	return cfg, nil
}

// ReplayConfig holds configuration for the replay command.
type ReplayConfig struct {
	In       string
	NATSURL  string
	Stream   string
	Class    string
	DryRun   bool
	LogLevel string
}

func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v := viper.New()
	v.SetDefault("in", "./data/dead_letters.jsonl")
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("stream", "FARE_JOBS")
	v.SetDefault("log-level", "info")
	if err := read(v, cfgFile, flags); err != nil {
		return ReplayConfig{}, err
	}
	return ReplayConfig{
		In:       v.GetString("in"),
		NATSURL:  v.GetString("nats-url"),
		Stream:   v.GetString("stream"),
		Class:    v.GetString("class"),
		DryRun:   v.GetBool("dry-run"),
		LogLevel: v.GetString("log-level"),
	}, nil
}

