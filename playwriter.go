package main

import (
	_ "embed"

	"github.com/joho/godotenv"

	cli "github.com/remorses/playwriter/cmd/playwriter"
)

//go:embed etc/playwriter.yaml
var embeddedConfig []byte

// version is stamped by the build via ldflags.
var version = "dev"

func main() {
	// Load .env if present (ignore error if not found)
	_ = godotenv.Load()

	cli.Execute(embeddedConfig, version)
}
