package internal

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/logger"
	"github.com/tuannm99/novastore/internal/module"
)

type NovaStoreConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir  string `mapstructure:"workdir"`
		Database string `mapstructure:"database"`
		Checksum bool   `mapstructure:"checksum"`
	} `mapstructure:"storage"`

	Cache struct {
		Pages       int `mapstructure:"pages"`
		Directories int `mapstructure:"directories"`
		Tables      int `mapstructure:"tables"`
	} `mapstructure:"cache"`

	Lock struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"lock"`

	Module struct {
		Dir       string        `mapstructure:"dir"`
		MaxOutput int           `mapstructure:"max_output"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"module"`

	Log logger.Config `mapstructure:"log"`
}

// Quota returns the cache slot counts.
func (c *NovaStoreConfig) Quota() cache.Quota {
	return cache.Quota{Pages: c.Cache.Pages, Directories: c.Cache.Directories, Tables: c.Cache.Tables}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novastore")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.database", "main")
	v.SetDefault("storage.checksum", true)
	v.SetDefault("cache.pages", cache.DefaultQuota.Pages)
	v.SetDefault("cache.directories", cache.DefaultQuota.Directories)
	v.SetDefault("cache.tables", cache.DefaultQuota.Tables)
	v.SetDefault("lock.timeout", time.Second)
	v.SetDefault("module.dir", "./modules")
	v.SetDefault("module.max_output", module.DefaultMaxOutput)
	v.SetDefault("module.timeout", module.DefaultTimeout)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads a YAML config file. An empty path uses the defaults.
// NOVASTORE_* environment variables override both, e.g.
// NOVASTORE_STORAGE_WORKDIR.
func LoadConfig(path string) (*NovaStoreConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("novastore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg NovaStoreConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.Storage.Database == "" {
		return nil, errors.New("config: storage.database is empty")
	}
	return &cfg, nil
}
