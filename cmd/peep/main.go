package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/splax/localvercel/pkg/repourl"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "deploy":
		err = commandDeploy(args)
	case "validate":
		err = commandValidate(args, os.Stdout)
	case "version", "--version", "-v":
		printVersion(os.Stdout)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandValidate(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: peep validate <github-url>")
	}
	repo, err := repourl.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, repo.String())
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "peep CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	peep deploy <github-url> [--slug name] [--control-plane URL] [--stream URL] [--metrics-addr :9090] [--env-file .env]
	peep validate <github-url>
	peep version

Environment:
	PEEP_CONTROL_PLANE_URL   control-plane base URL (default http://localhost:9000)
	PEEP_STREAM_URL          log stream websocket URL (default ws://localhost:9002/ws)
	PEEP_REQUEST_TIMEOUT     deployment request timeout (default 15s)
	PEEP_RECONNECT_ATTEMPTS  automatic reconnect attempts (default 5)
	PEEP_RECONNECT_DELAY     delay between reconnect attempts (default 1s)
	PEEP_RECONNECT_JITTER    random spread applied to the delay (default 0)
	PEEP_LOG_LEVEL           debug|info|warn|error (default info)
	PEEP_METRICS_ADDR        serve prometheus metrics on this address
`)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, strings.TrimSpace(buildVersion))
}
