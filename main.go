package main

import (
	"github.com/joho/godotenv"

	"github.com/nextlevelbuilder/nanoclaw/cmd"
)

func main() {
	// Missing .env is fine; real deployments use the environment directly.
	_ = godotenv.Load()
	cmd.Execute()
}
