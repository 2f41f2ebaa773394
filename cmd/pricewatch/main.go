package main

import (
	"github.com/joho/godotenv"

	"pricewatch/internal/cli"
)

func main() {
	// Missing .env is fine; channel tokens can come from the process
	// environment directly.
	_ = godotenv.Load()

	cli.Execute()
}
