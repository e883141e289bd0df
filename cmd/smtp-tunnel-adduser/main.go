// smtp-tunnel-adduser adds (or updates) a user in a tunnel server's
// users file, generating a shared secret if one wasn't given, and
// prints a ready-to-use client configuration snippet.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"blitiri.com.ar/go/smtptunnel/internal/config"
	"blitiri.com.ar/go/smtptunnel/internal/users"
	"github.com/docopt/docopt-go"
)

const usage = `smtp-tunnel-adduser: add or update a tunnel user.

Usage:
  smtp-tunnel-adduser [--users=<file>] [--secret=<value>] [--whitelist=<list>]
                       [--no_logging] [--config=<file>] [--server=<host>]
                       [--port=<port>] <username>
  smtp-tunnel-adduser -h | --help
  smtp-tunnel-adduser --version

Arguments:
  <username>              Name of the user to add or update.

Options:
  --users=<file>          Path to the users file [default: users.yaml].
  --secret=<value>        Shared secret to set; generated if omitted.
  --whitelist=<list>      Comma-separated IPs/CIDRs allowed to authenticate
                           as this user; if omitted, any source is allowed.
  --no_logging            Don't log this user's activity by username.
  --config=<file>         Server config file, used to fill in the printed
                           client snippet's server_host/server_port.
  --server=<host>         Server host for the client snippet, overriding
                           --config.
  --port=<port>           Server port for the client snippet, overriding
                           --config.
  -h --help               Show this help.
  --version               Show version and exit.
`

var version = "undefined"

const secretLength = 32
const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-tunnel-adduser "+version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	username, _ := opts.String("<username>")
	usersFile := optString(opts, "--users")

	recs, err := loadOrEmpty(usersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading users file: %v\n", err)
		os.Exit(1)
	}
	for _, r := range recs {
		if r.Username == username {
			fmt.Fprintf(os.Stderr, "Error: user %q already exists\n", username)
			os.Exit(1)
		}
	}

	secret := optString(opts, "--secret")
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating secret: %v\n", err)
			os.Exit(1)
		}
	}

	noLogging, _ := opts.Bool("--no_logging")

	rec := &users.Record{
		Username: username,
		Secret:   secret,
		Logging:  !noLogging,
	}
	if wl := optString(opts, "--whitelist"); wl != "" {
		rec.Allowlist = strings.Split(wl, ",")
	}

	recs = append(recs, rec)
	if err := users.WriteFile(usersFile, recs); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing users file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User %q added to %s\n", username, usersFile)
	fmt.Println()
	printClientSnippet(opts, username, secret)
}

// loadOrEmpty parses an existing users file, treating "doesn't exist
// yet" as an empty user list rather than an error.
func loadOrEmpty(path string) ([]*users.Record, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return users.ParseFile(path)
}

// generateSecret returns a random alphanumeric secret, using
// crypto/rand rather than the non-cryptographic RNG a plain port of
// the reference tool would reach for.
func generateSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, secretLength)
	for i, b := range buf {
		out[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(out), nil
}

// printClientSnippet prints a ready-to-paste client config.yaml body,
// pulling the server host/port from --server/--port, falling back to
// the server config file named by --config, and finally to sensible
// defaults.
func printClientSnippet(opts docopt.Opts, username, secret string) {
	host := optString(opts, "--server")
	port := optString(opts, "--port")

	if host == "" || port == "" {
		if cfgPath := optString(opts, "--config"); cfgPath != "" {
			if cfg, err := config.LoadServer(cfgPath, config.ServerOverride{}); err == nil {
				if host == "" {
					host = cfg.Hostname
				}
				if port == "" {
					port = fmt.Sprintf("%d", cfg.Port)
				}
			}
		}
	}
	if host == "" {
		host = "mail.example.com"
	}
	if port == "" {
		port = "587"
	}

	fmt.Println("Client configuration (save as config.yaml):")
	fmt.Println("---")
	fmt.Println("client:")
	fmt.Printf("  server_host: %s\n", host)
	fmt.Printf("  server_port: %s\n", port)
	fmt.Println("  socks_host: 127.0.0.1")
	fmt.Println("  socks_port: 1080")
	fmt.Printf("  username: %s\n", username)
	fmt.Printf("  secret: %s\n", secret)
}

func optString(opts docopt.Opts, key string) string {
	v, _ := opts.String(key)
	return v
}
