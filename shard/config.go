package shard

import (
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eyeKill/shardwatch/common"
)

const (
	defaultSpinDelay = time.Second
	defaultRetries   = 3
)

// ZKOptions are zookeeper tunables. SessionTimeout is passed to the
// zookeeper client; SpinDelay and Retries pace the shard client's own dial
// attempts.
type ZKOptions struct {
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	SpinDelay      time.Duration `yaml:"spinDelay"`
	Retries        int           `yaml:"retries"`
}

type ZKConfig struct {
	// ConnStr is a comma-separated host:port list of the ensemble.
	ConnStr string    `yaml:"connStr"`
	Opts    ZKOptions `yaml:"opts"`
}

// Config describes one shard to observe.
type Config struct {
	// Path is the shard's zookeeper subtree, e.g.
	// /manatee/1.moray.coal.joyent.us. The state node and election
	// directory live directly under it.
	Path string      `yaml:"path"`
	ZK   ZKConfig    `yaml:"zk"`
	Log  *zap.Logger `yaml:"-"`
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("shard: config requires a path")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.New("shard: path must be absolute")
	}
	if c.ZK.ConnStr == "" {
		return errors.New("shard: config requires zk.connStr")
	}
	return nil
}

// Servers splits the connection string into dialable addresses.
func (c *Config) Servers() []string {
	parts := strings.Split(c.ZK.ConnStr, ",")
	servers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			servers = append(servers, p)
		}
	}
	return servers
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ZK.Opts.SessionTimeout <= 0 {
		out.ZK.Opts.SessionTimeout = common.DefaultSessionTimeout
	}
	if out.ZK.Opts.SpinDelay <= 0 {
		out.ZK.Opts.SpinDelay = defaultSpinDelay
	}
	if out.ZK.Opts.Retries <= 0 {
		out.ZK.Opts.Retries = defaultRetries
	}
	if out.Log == nil {
		out.Log = common.Log()
	}
	return out
}

// LoadConfig reads a YAML (or JSON, which YAML subsumes) config file.
func LoadConfig(file string) (*Config, error) {
	bin, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(bin, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
