package main

import "github.com/djlord-it/easy-alarm/internal/cli"

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.Execute(version, commit)
}
