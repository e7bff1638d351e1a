// Package config holds the server settings. Values come from defaults, then
// an optional YAML file, then the command line.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/easymesh/dnstun/util/ip"
	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMTU    = 1024
	DefaultListen = ":53"
	DefaultLogDir = "./"

	// MaxMTU keeps a compressed frame, zlib overhead included, inside the
	// 64 KiB frame buffers and a single NULL record.
	MaxMTU = 65000
)

var ErrBadMTU = errors.New("bad MTU")

type Config struct {
	TunnelIP  string `yaml:"tunnel_ip"`
	TopDomain string `yaml:"top_domain"`
	MTU       int    `yaml:"mtu"`
	Listen    string `yaml:"listen"`

	User   string `yaml:"user"`
	Chroot string `yaml:"chroot"`

	Foreground bool   `yaml:"foreground"`
	Debug      bool   `yaml:"debug"`
	LogDir     string `yaml:"log_dir"`
}

func Default() *Config {
	return &Config{
		MTU:    DefaultMTU,
		Listen: DefaultListen,
		LogDir: DefaultLogDir,
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s fail, %w", path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s fail, %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MTU <= 0 || c.MTU > MaxMTU {
		return fmt.Errorf("%w: %d", ErrBadMTU, c.MTU)
	}
	if _, err := ip.ParseIP4(c.TunnelIP); err != nil {
		return fmt.Errorf("tunnel ip: %w", err)
	}
	domain := dns.Fqdn(c.TopDomain)
	if _, ok := dns.IsDomainName(domain); !ok || domain == "." {
		return fmt.Errorf("invalid top domain %q", c.TopDomain)
	}
	if c.Listen == "" {
		return errors.New("empty listen address")
	}
	return nil
}

// TunnelNet is the tunnel network the server address lives in.
func (c *Config) TunnelNet(prefixLen uint) (*ip.IP4Net, error) {
	return ip.NewIP4Net(c.TunnelIP, prefixLen)
}

func (c *Config) String() string {
	return fmt.Sprintf("tunnel %s/%s mtu %d listen %s", c.TunnelIP, c.TopDomain, c.MTU, c.Listen)
}
