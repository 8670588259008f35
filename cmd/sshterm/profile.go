package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/sshdash/internal/session"
)

// profile is a saved connection target.
type profile struct {
	session.ConnectionConfig `yaml:",inline"`
	PrivateKeyFile           string `yaml:"private_key_file"`
	Gateway                  string `yaml:"gateway"`
}

func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

type connFlags struct {
	cmd *cobra.Command

	profile    string
	gateway    string
	host       string
	port       int
	username   string
	identity   string
	passphrase string
}

func (f *connFlags) register(cmd *cobra.Command) {
	f.cmd = cmd
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.profile, "profile", "", "YAML connection profile")
	pf.StringVar(&f.gateway, "gateway", "", "gateway websocket URL (default from SSHDASH_GATEWAY_URL)")
	pf.StringVarP(&f.host, "host", "H", "", "target host")
	pf.IntVarP(&f.port, "port", "p", 22, "target SSH port")
	pf.StringVarP(&f.username, "user", "u", "", "SSH username")
	pf.StringVarP(&f.identity, "identity", "i", "", "private key file")
	pf.StringVar(&f.passphrase, "passphrase", os.Getenv("SSHDASH_KEY_PASSPHRASE"), "private key passphrase")
}

// resolve merges the profile with flags. Flags given explicitly win.
func (f *connFlags) resolve() (session.ConnectionConfig, string, error) {
	p := &profile{}
	p.Port = 22
	if f.profile != "" {
		loaded, err := loadProfile(f.profile)
		if err != nil {
			return session.ConnectionConfig{}, "", err
		}
		p = loaded
		if p.Port == 0 {
			p.Port = 22
		}
	}

	changed := f.cmd.PersistentFlags().Changed
	if changed("gateway") || p.Gateway == "" {
		p.Gateway = f.gateway
	}
	if changed("host") || p.Host == "" {
		p.Host = f.host
	}
	if changed("port") {
		p.Port = f.port
	}
	if changed("user") || p.Username == "" {
		p.Username = f.username
	}
	if changed("passphrase") || p.Passphrase == "" {
		p.Passphrase = f.passphrase
	}
	if changed("identity") {
		p.PrivateKeyFile = f.identity
		p.PrivateKey = ""
	}
	if p.PrivateKey == "" && p.PrivateKeyFile != "" {
		key, err := os.ReadFile(p.PrivateKeyFile)
		if err != nil {
			return session.ConnectionConfig{}, "", fmt.Errorf("read private key: %w", err)
		}
		p.PrivateKey = string(key)
	}

	if err := p.ConnectionConfig.Validate(); err != nil {
		return session.ConnectionConfig{}, "", err
	}
	return p.ConnectionConfig, p.Gateway, nil
}
