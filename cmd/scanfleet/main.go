// Command scanfleet runs the scanfleet controller, dispatcher and scan workers.
package main

import "github.com/anstrom/scanfleet/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
