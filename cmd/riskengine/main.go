package main

import (
	"os"

	"github.com/rustyeddy/riskengine/cmd/riskengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
