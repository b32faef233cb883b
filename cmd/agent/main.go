package main

import (
	"os"

	"mt5-risk-engine-go/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
