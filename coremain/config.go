package coremain

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pmkol/httpsdns/mlog"
	"github.com/pmkol/httpsdns/pkg/bootstrap"
	"github.com/pmkol/httpsdns/pkg/cache/mem_cache"
)

type Config struct {
	Log       mlog.LogConfig  `yaml:"log"`
	Listen    ListenConfig    `yaml:"listen"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Cache     CacheConfig     `yaml:"cache"`
	API       APIConfig       `yaml:"api"`
}

type ListenConfig struct {
	// Addr must be an ip literal.
	Addr      string `yaml:"addr"`
	Port      uint16 `yaml:"port"`
	ReusePort bool   `yaml:"reuse_port"`
}

type UpstreamConfig struct {
	// Addr is the DoH server host, an ip or a domain name.
	Addr    string `yaml:"addr"`
	Port    uint16 `yaml:"port"`
	Timeout uint   `yaml:"timeout"` // (sec) timeout of one upstream request.
	HTTP3   bool   `yaml:"http3"`
}

type BootstrapConfig struct {
	URL     string `yaml:"url"`     // must have an ip host.
	Timeout uint   `yaml:"timeout"` // (sec)
}

type CacheConfig struct {
	Size         int    `yaml:"size"`
	Redis        string `yaml:"redis"`         // redis url. If set, the memory cache is not used.
	RedisTimeout int    `yaml:"redis_timeout"` // (ms) default is 1000.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

const (
	defaultListenAddr   = "127.0.0.1"
	defaultListenPort   = 53
	defaultUpstreamAddr = "1.1.1.1"
	defaultUpstreamPort = 443
	defaultTimeout      = 10
)

func defaultConfig() *Config {
	return &Config{
		Log:      mlog.LogConfig{Level: "info"},
		Listen:   ListenConfig{Addr: defaultListenAddr, Port: defaultListenPort},
		Upstream: UpstreamConfig{Addr: defaultUpstreamAddr, Port: defaultUpstreamPort, Timeout: defaultTimeout},
		Bootstrap: BootstrapConfig{
			URL:     bootstrap.DefaultURL,
			Timeout: uint(bootstrap.DefaultTimeout.Seconds()),
		},
		Cache: CacheConfig{Size: mem_cache.DefaultSize, RedisTimeout: 1000},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.production", d.Log.Production)
	v.SetDefault("listen.addr", d.Listen.Addr)
	v.SetDefault("listen.port", d.Listen.Port)
	v.SetDefault("listen.reuse_port", d.Listen.ReusePort)
	v.SetDefault("upstream.addr", d.Upstream.Addr)
	v.SetDefault("upstream.port", d.Upstream.Port)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.http3", d.Upstream.HTTP3)
	v.SetDefault("bootstrap.url", d.Bootstrap.URL)
	v.SetDefault("bootstrap.timeout", d.Bootstrap.Timeout)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.redis", d.Cache.Redis)
	v.SetDefault("cache.redis_timeout", d.Cache.RedisTimeout)
	v.SetDefault("api.http", d.API.HTTP)
}

// flagKeys maps command line flags to config keys. A flag that is set
// overrides the config file.
var flagKeys = map[string]string{
	"local-address":    "listen.addr",
	"local-port":       "listen.port",
	"upstream-address": "upstream.addr",
	"upstream-port":    "upstream.port",
}

// loadConfig loads the config. If filePath is empty, it searches for a file
// named "config" in the current dir, and uses the defaults if there is
// none. It returns the config file used, which may be empty.
func loadConfig(filePath string, fs *pflag.FlagSet) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("failed to bind flag %s, %w", name, err)
				}
			}
		}
	}

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
