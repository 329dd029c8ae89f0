package coremain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newStartFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	fs.String("local-address", defaultListenAddr, "")
	fs.Uint16("local-port", defaultListenPort, "")
	fs.String("upstream-address", defaultUpstreamAddr, "")
	fs.Uint16("upstream-port", defaultUpstreamPort, "")
	return fs
}

func Test_loadConfig_defaults(t *testing.T) {
	cfg, used, err := loadConfig("", newStartFlags())
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, defaultConfig(), cfg)
}

func Test_loadConfig_file(t *testing.T) {
	p := writeFile(t, "config.yaml", `
log:
  level: debug
listen:
  port: 5353
  reuse_port: true
upstream:
  addr: dns.google
  http3: true
cache:
  size: 4096
api:
  http: 127.0.0.1:8080
`)
	cfg, used, err := loadConfig(p, newStartFlags())
	require.NoError(t, err)
	assert.Equal(t, p, used)

	want := defaultConfig()
	want.Log.Level = "debug"
	want.Listen.Port = 5353
	want.Listen.ReusePort = true
	want.Upstream.Addr = "dns.google"
	want.Upstream.HTTP3 = true
	want.Cache.Size = 4096
	want.API.HTTP = "127.0.0.1:8080"
	assert.Equal(t, want, cfg)
}

func Test_loadConfig_flagsOverrideFile(t *testing.T) {
	p := writeFile(t, "config.yaml", `
listen:
  addr: 0.0.0.0
  port: 5353
upstream:
  addr: dns.google
`)
	fs := newStartFlags()
	require.NoError(t, fs.Parse([]string{"--local-port", "5300", "--upstream-address", "cloudflare-dns.com"}))

	cfg, _, err := loadConfig(p, fs)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Listen.Addr)
	assert.EqualValues(t, 5300, cfg.Listen.Port)
	assert.Equal(t, "cloudflare-dns.com", cfg.Upstream.Addr)
	assert.EqualValues(t, defaultUpstreamPort, cfg.Upstream.Port)
}

func Test_loadConfig_errors(t *testing.T) {
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	p := writeFile(t, "config.yaml", "listen:\n  unknown_key: 1\n")
	_, _, err = loadConfig(p, nil)
	assert.Error(t, err)

	p = writeFile(t, "config.yaml", "listen:\n  port: not-a-port\n")
	_, _, err = loadConfig(p, nil)
	assert.Error(t, err)
}

func Test_configGen(t *testing.T) {
	b, err := marshalConfig(defaultConfig())
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeConfigFile(p, b, false))
	assert.Error(t, writeConfigFile(p, b, false), "must not overwrite")
	require.NoError(t, writeConfigFile(p, b, true))

	cfg, _, err := loadConfig(p, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}
