package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"fareindexer/internal/vault"
)

func runFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.String("store", "", "")
	flags.String("queue", "", "")
	flags.Int("backfill-limit", 0, "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FAREINDEXER_PG_DSN", "postgres://localhost/fare")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, vault.DefaultProgramID, cfg.ProgramID)
	require.Equal(t, "wss://api.mainnet-beta.solana.com", cfg.WSURL)
	require.Equal(t, "confirmed", cfg.Commitment)
	require.Equal(t, 1000, cfg.BackfillLimit)
	require.Equal(t, 3, cfg.JobAttempts)
	require.Equal(t, time.Second, cfg.JobBackoff)
	require.Equal(t, StorePostgres, cfg.Store)
	require.Equal(t, "postgres://localhost/fare", cfg.PGDSN)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("FAREINDEXER_BACKFILL_LIMIT", "50")
	t.Setenv("FAREINDEXER_STORE", "memory")

	flags := runFlags(t, "--rpc=http://localhost:8899", "--queue=memory", "--backfill-limit=20")
	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8899", cfg.WSURL)
	require.Equal(t, 20, cfg.BackfillLimit)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, QueueMemory, cfg.Queue)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fare.yaml")
	body := "store: memory\nqueue: memory\nws: ws://node:8900\ngame-configs:\n  abc: coinflip\n  def: dice\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "ws://node:8900", cfg.WSURL)
	require.Equal(t, map[string]string{"abc": "coinflip", "def": "dice"}, cfg.GameConfigs)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := RunConfig{RPCURL: "http://x", WSURL: "ws://x", ProgramID: "p", Store: "sqlite", Queue: QueueJetStream}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown store "sqlite"`)
	require.Contains(t, err.Error(), "nats-url is required")
}

func TestLoadDecodeRequiresInput(t *testing.T) {
	_, err := LoadDecode("", nil)
	require.Error(t, err)

	t.Setenv("FAREINDEXER_SIGNATURE", "sigA, sigB,")
	cfg, err := LoadDecode("", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"sigA", "sigB"}, cfg.Signatures)
}

func TestParseStringMap(t *testing.T) {
	got := parseStringMap("a=coinflip, b = dice,broken,=x")
	require.Equal(t, map[string]string{"a": "coinflip", "b": "dice"}, got)
}
