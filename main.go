package main

import (
	"github.com/joho/godotenv"

	"quant-monitor/internal/cli"
)

func main() {
	// Secrets (DSN, webhook, API key) may live in .env during development.
	_ = godotenv.Load()

	cli.Execute()
}
