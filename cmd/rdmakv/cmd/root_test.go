package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.InstanceID = "cli-test"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"

	s, err := server.New(&cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPutGet(t *testing.T) {
	t.Chdir(t.TempDir())
	addr := startServer(t)

	out, err := run(t, "put", "greeting", "hello", "-s", addr, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "OK greeting hello\n", out)

	out, err = run(t, "get", "greeting", "-s", addr)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = run(t, "get", "absent", "-s", addr)
	require.NoError(t, err)
	assert.Equal(t, "absent (not found)\n", out)
}

func TestPutRejectsLongKey(t *testing.T) {
	t.Chdir(t.TempDir())
	addr := startServer(t)

	_, err := run(t, "put", strings.Repeat("k", 300), "v", "-s", addr)
	assert.Error(t, err)
}

func TestBench(t *testing.T) {
	t.Chdir(t.TempDir())
	addr := startServer(t)

	out, err := run(t, "bench", "-s", addr, "-n", "20", "--keys", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "requests    40")
	assert.Contains(t, out, "errors      0")
	assert.Contains(t, out, "throughput")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rdmakv "+Version+"\n", out)
}

func TestArgsValidated(t *testing.T) {
	_, err := run(t, "put", "only-key")
	assert.Error(t, err)
}

func TestConnectFailure(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := run(t, "get", "k", "-s", "127.0.0.1:1", "--connect-timeout", "1s")
	assert.Error(t, err)
}
