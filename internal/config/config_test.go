package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "server.yaml", "server:\n  hostname: mail.example.com\n")

	c, err := LoadServer(path, ServerOverride{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 587 {
		t.Errorf("Port = %d, want 587", c.Port)
	}
	if c.UsersFile != "users.yaml" {
		t.Errorf("UsersFile = %q, want users.yaml", c.UsersFile)
	}
	if !c.LogUsers {
		t.Errorf("LogUsers = false, want true (default)")
	}
}

func TestLoadServerOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "server.yaml", "server:\n  hostname: mail.example.com\n  port: 2525\n")

	c, err := LoadServer(path, ServerOverride{Port: 9999})
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (CLI override should win over file)", c.Port)
	}
}

func TestLoadServerRequiresCertAndUsersFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "server.yaml", "server:\n  hostname: mail.example.com\n  cert_file: \"\"\n")

	if _, err := LoadServer(path, ServerOverride{}); err == nil {
		t.Fatal("expected an error when cert_file is explicitly empty")
	}
}

func TestLoadClientRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "client.yaml", "client:\n  server_host: tunnel.example.com\n")

	if _, err := LoadClient(path, Client{}); err == nil {
		t.Fatal("expected an error without username/secret")
	}

	c, err := LoadClient(path, Client{Username: "alice", Secret: "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ServerPort != 587 {
		t.Errorf("ServerPort = %d, want 587 default", c.ServerPort)
	}
	if c.SocksPort != 1080 {
		t.Errorf("SocksPort = %d, want 1080 default", c.SocksPort)
	}
}
