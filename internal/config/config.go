// Package config loads the daemon's static configuration: a YAML
// file with defaults, overridable by CLI flags.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
)

// Config is the fully resolved daemon configuration: the YAML file's
// contents with any CLI flag overrides already applied.
type Config struct {
	LogLevel               string   `yaml:"log_level"`
	StderrLog              bool     `yaml:"stderr_log"`
	SyslogLog              bool     `yaml:"syslog_log"`
	FileLog                string   `yaml:"file_log"`
	ResolvConfPath         string   `yaml:"resolv_conf_path"`
	ListenAddress          string   `yaml:"listen_address"`
	ResolverOptions        string   `yaml:"resolver_options"`
	DNSSECEnabled          bool     `yaml:"dnssec_enabled"`
	CertificationAuthority []string `yaml:"certification_authority"`
	ResolutionMode         string   `yaml:"resolution_mode"`
	StaticServerURIs       []string `yaml:"static_servers"`
	ServiceUnit            string   `yaml:"service_unit"`
}

// Default returns the configuration the original daemon ships with
// when no file and no flags are given.
func Default() Config {
	return Config{
		LogLevel:        "info",
		StderrLog:       true,
		ResolvConfPath:  "/etc/resolv.conf",
		ListenAddress:   "127.0.0.1",
		ResolverOptions: "edns0 trust-ad",
		DNSSECEnabled:   false,
		CertificationAuthority: []string{
			"/etc/pki/dns/extracted/pem/tls-ca-bundle.pem",
			"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
		},
		ResolutionMode: "backup",
		ServiceUnit:    "unbound.service",
	}
}

// CABundleList joins the configured CA search list into the
// space-separated form unboundconf.Options/fsm.Config expect,
// matching the original daemon's single-string CLI flag.
func (c Config) CABundleList() string {
	return strings.Join(c.CertificationAuthority, " ")
}

// Load reads a YAML config file over Default(); a missing file is not
// an error, matching the daemon's "config file is optional" stance.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// StaticServers parses every configured static server URI.
func (c Config) StaticServers() ([]*server.Server, error) {
	servers := make([]*server.Server, 0, len(c.StaticServerURIs))
	for _, uri := range c.StaticServerURIs {
		s, err := server.FromURI(uri)
		if err != nil {
			return nil, fmt.Errorf("config: invalid static server %q: %w", uri, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// Mode parses the configured default resolution mode.
func (c Config) Mode() (routing.Mode, error) {
	return routing.ParseMode(c.ResolutionMode)
}
