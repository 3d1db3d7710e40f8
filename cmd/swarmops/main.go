package main

import (
	"os"

	"github.com/karlmjogila/swarmops-sub006/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
