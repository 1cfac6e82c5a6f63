package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/dealdecision-ai/ingestion-engine/cmd/ingestion-worker/commands"
)

func main() {
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
