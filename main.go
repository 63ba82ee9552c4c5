package main

import (
	"os"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
