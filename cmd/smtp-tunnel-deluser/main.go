// smtp-tunnel-deluser removes a user from a tunnel server's users
// file, asking for confirmation unless told not to.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"blitiri.com.ar/go/smtptunnel/internal/users"
	"github.com/docopt/docopt-go"
)

const usage = `smtp-tunnel-deluser: remove a tunnel user.

Usage:
  smtp-tunnel-deluser [--users=<file>] [--force] <username>
  smtp-tunnel-deluser -h | --help
  smtp-tunnel-deluser --version

Arguments:
  <username>        Name of the user to remove.

Options:
  --users=<file>    Path to the users file [default: users.yaml].
  --force           Don't ask for confirmation.
  -h --help         Show this help.
  --version         Show version and exit.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-tunnel-deluser "+version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	username, _ := opts.String("<username>")
	usersFile, _ := opts.String("--users")

	recs, err := users.ParseFile(usersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading users file: %v\n", err)
		os.Exit(1)
	}

	idx := -1
	for i, r := range recs {
		if r.Username == username {
			idx = i
			break
		}
	}
	if idx == -1 {
		fmt.Fprintf(os.Stderr, "Error: user %q not found\n", username)
		os.Exit(1)
	}

	force, _ := opts.Bool("--force")
	if !force {
		fmt.Printf("Delete user %q? [y/N]: ", username)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(response)) != "y" {
			fmt.Println("Cancelled")
			return
		}
	}

	recs = append(recs[:idx], recs[idx+1:]...)
	if err := users.WriteFile(usersFile, recs); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing users file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User %q removed\n", username)
}
