// Package config implements YAML-shaped configuration loading for
// both tunnel endpoints, per spec.md §6.
package config

import (
	"fmt"
	"os"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"
)

// Server is the server-side configuration document.
type Server struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Hostname  string `yaml:"hostname"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	UsersFile string `yaml:"users_file"`
	LogUsers  bool   `yaml:"log_users"`
}

// ServerOverride mirrors Server but with a pointer for LogUsers, so a
// document or CLI override can distinguish "not mentioned" from
// "explicitly false" the way a bare bool can't.
type ServerOverride struct {
	Host      string
	Port      int
	Hostname  string
	CertFile  string
	KeyFile   string
	UsersFile string
	LogUsers  *bool
}

type serverDoc struct {
	Server struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Hostname  string `yaml:"hostname"`
		CertFile  string `yaml:"cert_file"`
		KeyFile   string `yaml:"key_file"`
		UsersFile string `yaml:"users_file"`
		LogUsers  *bool  `yaml:"log_users"`
	} `yaml:"server"`
}

var defaultServer = Server{
	Host:      "0.0.0.0",
	Port:      587,
	Hostname:  "mail.example.com",
	CertFile:  "server.crt",
	KeyFile:   "server.key",
	UsersFile: "users.yaml",
	LogUsers:  true,
}

// LoadServer loads the server config from path, applying defaults for
// anything left unset, and overriding with the values set in
// `override` (typically built from CLI flags).
func LoadServer(path string, override ServerOverride) (*Server, error) {
	c := defaultServer

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}
		var doc serverDoc
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return nil, fmt.Errorf("parsing config: %v", err)
		}
		overrideServer(&c, ServerOverride{
			Host: doc.Server.Host, Port: doc.Server.Port,
			Hostname: doc.Server.Hostname, CertFile: doc.Server.CertFile,
			KeyFile: doc.Server.KeyFile, UsersFile: doc.Server.UsersFile,
			LogUsers: doc.Server.LogUsers,
		})
	}

	overrideServer(&c, override)

	if c.Hostname == "" {
		var err error
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}
	if c.UsersFile == "" {
		return nil, fmt.Errorf("users_file must be set")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("cert_file and key_file must both be set")
	}

	return &c, nil
}

// overrideServer overwrites fields in c that are explicitly set in o.
func overrideServer(c *Server, o ServerOverride) {
	if o.Host != "" {
		c.Host = o.Host
	}
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.CertFile != "" {
		c.CertFile = o.CertFile
	}
	if o.KeyFile != "" {
		c.KeyFile = o.KeyFile
	}
	if o.UsersFile != "" {
		c.UsersFile = o.UsersFile
	}
	if o.LogUsers != nil {
		c.LogUsers = *o.LogUsers
	}
}

// LogServer logs the effective configuration, in the teacher's style.
func LogServer(c *Server) {
	log.Infof("Configuration:")
	log.Infof("  Listen address: %s:%d", c.Host, c.Port)
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Cert/key: %q %q", c.CertFile, c.KeyFile)
	log.Infof("  Users file: %q", c.UsersFile)
	log.Infof("  Log users: %v", c.LogUsers)
}

// Client is the client-side configuration document.
type Client struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`
	SocksHost  string `yaml:"socks_host"`
	SocksPort  int    `yaml:"socks_port"`
	Username   string `yaml:"username"`
	Secret     string `yaml:"secret"`
	CACert     string `yaml:"ca_cert"`
}

type clientDoc struct {
	Client Client `yaml:"client"`
}

var defaultClient = Client{
	ServerPort: 587,
	SocksHost:  "127.0.0.1",
	SocksPort:  1080,
}

// LoadClient loads the client config from path, applying defaults and
// then CLI overrides, as LoadServer does.
func LoadClient(path string, override Client) (*Client, error) {
	c := defaultClient

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}
		var doc clientDoc
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return nil, fmt.Errorf("parsing config: %v", err)
		}
		overrideClient(&c, doc.Client)
	}

	overrideClient(&c, override)

	if c.ServerHost == "" {
		return nil, fmt.Errorf("server_host must be set")
	}
	if c.Username == "" || c.Secret == "" {
		return nil, fmt.Errorf("username and secret must both be set")
	}

	return &c, nil
}

func overrideClient(c *Client, o Client) {
	if o.ServerHost != "" {
		c.ServerHost = o.ServerHost
	}
	if o.ServerPort != 0 {
		c.ServerPort = o.ServerPort
	}
	if o.SocksHost != "" {
		c.SocksHost = o.SocksHost
	}
	if o.SocksPort != 0 {
		c.SocksPort = o.SocksPort
	}
	if o.Username != "" {
		c.Username = o.Username
	}
	if o.Secret != "" {
		c.Secret = o.Secret
	}
	if o.CACert != "" {
		c.CACert = o.CACert
	}
}

// LogClient logs the effective client configuration, redacting the
// shared secret.
func LogClient(c *Client) {
	log.Infof("Configuration:")
	log.Infof("  Server: %s:%d", c.ServerHost, c.ServerPort)
	log.Infof("  SOCKS5 listen: %s:%d", c.SocksHost, c.SocksPort)
	log.Infof("  Username: %q", c.Username)
	log.Infof("  CA cert: %q", c.CACert)
}
