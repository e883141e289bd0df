// smtp-tunnel-client runs the tunnel's client side: it authenticates
// to a smtp-tunnel-server and exposes the tunnel locally as a SOCKS5
// proxy, reconnecting with backoff if the connection drops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/config"
	"blitiri.com.ar/go/smtptunnel/internal/tunnelcli"
	"github.com/docopt/docopt-go"
)

const usage = `smtp-tunnel-client: connects to a smtp-tunnel-server and exposes it as SOCKS5.

Usage:
  smtp-tunnel-client [--config=<file>] [--server=<host>] [--port=<port>]
                      [--socks_host=<host>] [--socks_port=<port>]
                      [--user=<name>] [--secret=<value>] [--ca_cert=<file>]
                      [--debug]
  smtp-tunnel-client -h | --help
  smtp-tunnel-client --version

Options:
  --config=<file>        Path to the YAML client configuration file.
  --server=<host>        Tunnel server host, overriding the config file.
  --port=<port>          Tunnel server port, overriding the config file.
  --socks_host=<host>    Local SOCKS5 listen address.
  --socks_port=<port>    Local SOCKS5 listen port.
  --user=<name>          Username to authenticate as.
  --secret=<value>       Shared secret to authenticate with.
  --ca_cert=<file>       CA certificate to trust for the server's TLS cert.
  --debug                Enable debug-level logging, including protocol errors.
  -h --help              Show this help.
  --version              Show version and exit.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-tunnel-client "+version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if debug, _ := opts.Bool("--debug"); debug {
		flag.Set("v", "1")
	}
	log.Init()
	log.Infof("smtp-tunnel-client starting (version %s)", version)

	cfg, err := config.LoadClient(optString(opts, "--config"), overrideFromOpts(opts))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogClient(cfg)

	cli, err := tunnelcli.New(cfg)
	if err != nil {
		log.Fatalf("Error building client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go signalHandler(cancel)

	if err := cli.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}

func signalHandler(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Infof("Shutting down")
	cancel()
}

func optString(opts docopt.Opts, key string) string {
	v, _ := opts.String(key)
	return v
}

func overrideFromOpts(opts docopt.Opts) config.Client {
	c := config.Client{
		ServerHost: optString(opts, "--server"),
		SocksHost:  optString(opts, "--socks_host"),
		Username:   optString(opts, "--user"),
		Secret:     optString(opts, "--secret"),
		CACert:     optString(opts, "--ca_cert"),
	}

	if portStr := optString(opts, "--port"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("Invalid --port %q: %v", portStr, err)
		}
		c.ServerPort = p
	}
	if portStr := optString(opts, "--socks_port"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("Invalid --socks_port %q: %v", portStr, err)
		}
		c.SocksPort = p
	}

	return c
}
