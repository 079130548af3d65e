package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/storage"
)

func serverFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	SetupServerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadServerConfig(serverFlags(t))
	require.NoError(t, err)

	d := DefaultServerConfig()
	assert.Equal(t, d.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, "send", cfg.TransferMode)
	assert.Equal(t, "poll", cfg.WaitMode)
	assert.Equal(t, 1, cfg.Backlog)
	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
	assert.NotEmpty(t, cfg.InstanceID)

	opts := cfg.ConnectionOptions()
	assert.Equal(t, connection.TransferSend, opts.Transfer)
	assert.Equal(t, completion.ModePoll, opts.Wait)
	assert.Equal(t, uint8(3), opts.InitiatorDepth)
	assert.Equal(t, uint8(3), opts.ResponderResources)
	assert.Equal(t, uint8(3), opts.RetryCount)
	assert.Equal(t, -1, opts.TOS)
	assert.Equal(t, time.Second, opts.DisconnectGrace)
	assert.Equal(t, completion.DefaultPollInterval, opts.PollInterval)
}

func TestLoadServerConfigFlags(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadServerConfig(serverFlags(t,
		"--listen-addr", "127.0.0.1:9000",
		"--transfer-mode", "write_imm",
		"--wait-mode", "event",
		"--max-connections", "3",
		"--storage-type", "badger",
		"--storage-path", "/tmp/kv",
	))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, "/tmp/kv", cfg.Storage.Path)

	opts := cfg.ConnectionOptions()
	assert.Equal(t, connection.TransferWriteImm, opts.Transfer)
	assert.Equal(t, completion.ModeEvent, opts.Wait)
	assert.Equal(t, 3, opts.MaxConnections)
}

func TestLoadServerConfigEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RDMAKV_SERVER_LISTEN_ADDR", "10.0.0.1:7471")
	t.Setenv("RDMAKV_SERVER_STORAGE_TYPE", "redis")
	t.Setenv("RDMAKV_SERVER_STORAGE_ADDRESS", "redis:6379")
	t.Setenv("RDMAKV_SERVER_TOS", "184")

	cfg, err := LoadServerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7471", cfg.ListenAddr)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "redis:6379", cfg.Storage.Address)
	assert.Equal(t, 184, cfg.TOS)
}

func TestLoadServerConfigInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"transfer mode", []string{"--transfer-mode", "read"}},
		{"wait mode", []string{"--wait-mode", "sleep"}},
		{"storage type", []string{"--storage-type", "etcd"}},
		{"log level", []string{"--log-level", "loud"}},
		{"max connections", []string{"--max-connections", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(serverFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestWriteDefaultServerConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "nested", "server.yaml")

	require.NoError(t, WriteDefaultServerConfig(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "# RDMA KV Server Configuration")
	assert.Contains(t, text, "transfer_mode: send # send, write_imm")
	assert.Contains(t, text, "storage:")
	assert.Contains(t, text, "  type: memory # memory, badger, rqlite, redis")

	cfg, err := LoadServerConfig(serverFlags(t, "--config", path))
	require.NoError(t, err)
	d := DefaultServerConfig()
	d.InstanceID = cfg.InstanceID
	assert.Equal(t, d, *cfg)
}

func TestLoadServerConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := `listen_addr: "0.0.0.0:8000"
wait_mode: event
storage:
  type: rqlite
  uri: http://rqlite:4001
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.yaml"), []byte(content), 0644))

	// Found in the working directory without --config.
	cfg, err := LoadServerConfig(serverFlags(t, "--wait-mode", "poll"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	assert.Equal(t, "poll", cfg.WaitMode, "flags override the file")
	assert.Equal(t, "rqlite", cfg.Storage.Type)
	assert.Equal(t, "http://rqlite:4001", cfg.Storage.URI)
}

func TestLoadServerConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadServerConfig(serverFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoadClientConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RDMAKV_CLIENT_WAIT_MODE", "event")

	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	SetupClientFlags(fs)
	require.NoError(t, fs.Parse([]string{"-s", "192.0.2.1:7471", "--transfer-mode", "write_imm", "--connect-timeout", "2s"}))

	cfg, err := LoadClientConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:7471", cfg.ServerAddr)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout())

	opts := cfg.ConnectionOptions()
	assert.Equal(t, connection.TransferWriteImm, opts.Transfer)
	assert.Equal(t, completion.ModeEvent, opts.Wait)

	cfg.TransferMode = "bogus"
	assert.Error(t, cfg.Validate())
}
