// smtp-tunnel-listusers prints the users configured in a tunnel
// server's users file.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"blitiri.com.ar/go/smtptunnel/internal/users"
	"github.com/docopt/docopt-go"
)

const usage = `smtp-tunnel-listusers: list configured tunnel users.

Usage:
  smtp-tunnel-listusers [--users=<file>] [--verbose]
  smtp-tunnel-listusers -h | --help
  smtp-tunnel-listusers --version

Options:
  --users=<file>    Path to the users file [default: users.yaml].
  --verbose         Show secrets (redacted) and full whitelist detail.
  -h --help         Show this help.
  --version         Show version and exit.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-tunnel-listusers "+version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	usersFile, _ := opts.String("--users")

	if _, err := os.Stat(usersFile); os.IsNotExist(err) {
		fmt.Println("No users configured")
		fmt.Println("Use smtp-tunnel-adduser to add users")
		return
	}

	recs, err := users.ParseFile(usersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading users file: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("No users configured")
		fmt.Println("Use smtp-tunnel-adduser to add users")
		return
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Username < recs[j].Username })

	verbose, _ := opts.Bool("--verbose")

	fmt.Printf("Users (%d):\n", len(recs))
	fmt.Println(strings.Repeat("-", 60))

	for _, r := range recs {
		if verbose {
			fmt.Printf("\n  %s:\n", r.Username)
			fmt.Printf("    Secret: %s\n", redactSecret(r.Secret))
			if len(r.Allowlist) == 0 {
				fmt.Println("    Whitelist: (any IP)")
			} else {
				fmt.Printf("    Whitelist: %s\n", strings.Join(r.Allowlist, ", "))
			}
			logging := "disabled"
			if r.Logging {
				logging = "enabled"
			}
			fmt.Printf("    Logging: %s\n", logging)
			continue
		}

		whitelistInfo := ""
		if len(r.Allowlist) != 0 {
			whitelistInfo = fmt.Sprintf(" [%d IPs]", len(r.Allowlist))
		}
		loggingInfo := ""
		if !r.Logging {
			loggingInfo = " [no-log]"
		}
		fmt.Printf("  %s%s%s\n", r.Username, whitelistInfo, loggingInfo)
	}

	if !verbose {
		fmt.Println()
		fmt.Println("Use -v for detailed information")
	}
}

// redactSecret previews a secret without revealing it in full.
func redactSecret(secret string) string {
	if len(secret) > 12 {
		return secret[:8] + "..." + secret[len(secret)-4:]
	}
	return secret
}
