// smtp-tunnel-server runs the tunnel's server side: it accepts
// connections, speaks the SMTP masquerade handshake, and on reaching
// binary mode dials outbound on behalf of authenticated clients.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/config"
	"blitiri.com.ar/go/smtptunnel/internal/tunnelsrv"
	"github.com/docopt/docopt-go"
)

const usage = `smtp-tunnel-server: runs the SMTP-masquerading tunnel server.

Usage:
  smtp-tunnel-server [--config=<file>] [--host=<host>] [--port=<port>]
                      [--hostname=<name>] [--cert=<file>] [--key=<file>]
                      [--users=<file>] [--log_users] [--no_log_users] [--debug]
  smtp-tunnel-server -h | --help
  smtp-tunnel-server --version

Options:
  --config=<file>     Path to the YAML server configuration file.
  --host=<host>       Address to listen on, overriding the config file.
  --port=<port>       Port to listen on, overriding the config file.
  --hostname=<name>   Hostname to present in the SMTP greeting.
  --cert=<file>       TLS certificate file, used for STARTTLS.
  --key=<file>        TLS private key file, used for STARTTLS.
  --users=<file>       Path to the users file.
  --log_users         Log usernames on successful authentication.
  --no_log_users      Don't log usernames on successful authentication.
  --debug             Enable debug-level logging, including protocol errors.
  -h --help           Show this help.
  --version           Show version and exit.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-tunnel-server "+version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if debug, _ := opts.Bool("--debug"); debug {
		flag.Set("v", "1")
	}
	log.Init()
	log.Infof("smtp-tunnel-server starting (version %s)", version)

	cfg, err := config.LoadServer(optString(opts, "--config"), overrideFromOpts(opts))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogServer(cfg)

	srv := tunnelsrv.NewServer(cfg.Hostname)
	if err := srv.AddCerts(cfg.CertFile, cfg.KeyFile); err != nil {
		log.Fatalf("Error loading TLS certificate: %v", err)
	}
	if err := srv.LoadUsers(cfg.UsersFile); err != nil {
		log.Fatalf("Error loading users file: %v", err)
	}

	srv.AddAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err := srv.AddSystemdListeners("smtp-tunnel"); err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	go signalHandler(srv)

	log.Fatalf("%v", srv.ListenAndServe())
}

// signalHandler reloads the users file on SIGHUP.
func signalHandler(srv *tunnelsrv.Server) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := srv.Reload(); err != nil {
				log.Errorf("Error reloading users file: %v", err)
			} else {
				log.Infof("Users file reloaded")
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func optString(opts docopt.Opts, key string) string {
	v, _ := opts.String(key)
	return v
}

func overrideFromOpts(opts docopt.Opts) config.ServerOverride {
	o := config.ServerOverride{
		Host:      optString(opts, "--host"),
		Hostname:  optString(opts, "--hostname"),
		CertFile:  optString(opts, "--cert"),
		KeyFile:   optString(opts, "--key"),
		UsersFile: optString(opts, "--users"),
	}

	if portStr := optString(opts, "--port"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("Invalid --port %q: %v", portStr, err)
		}
		o.Port = p
	}

	if v, _ := opts.Bool("--log_users"); v {
		t := true
		o.LogUsers = &t
	}
	if v, _ := opts.Bool("--no_log_users"); v {
		f := false
		o.LogUsers = &f
	}

	return o
}
