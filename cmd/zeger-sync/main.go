// Command zeger-sync runs the offline-first sync core for the Zeger rider
// app.
//
// Usage:
//
//	zeger-sync run --config zeger-sync.yaml
//	zeger-sync status --list
//	zeger-sync enqueue stock-receive --payload '{...}'
package main

import (
	"fmt"
	"os"

	"github.com/koncoweb/zeger-app-sub003/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.Version = version
	cli.BuildTime = buildTime

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
